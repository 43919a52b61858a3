// Package config holds the attempt-scoped configuration view consumed by the
// lifecycle and by user code.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known keys.
const (
	TaskAttemptID        = "mapreduce.task.attempt.id"
	TaskID               = "mapreduce.task.id"
	TaskPartition        = "mapreduce.task.partition"
	JobID                = "mapreduce.job.id"
	ApplicationAttemptID = "mapreduce.job.application.attempt.id"
	VertexName           = "mapreduce.job.vertex.name"

	LocalDirs            = "mapreduce.task.local.dirs"
	ClusterLocalDir      = "mapreduce.cluster.local.dir"
	JobLocalDir          = "mapreduce.job.local.dir"
	TaskLocalResourceDir = "mapreduce.task.local.resource.dir"

	CacheFiles         = "mapreduce.job.cache.files"
	CacheArchives      = "mapreduce.job.cache.archives"
	CacheLocalFiles    = "mapreduce.job.cache.local.files"
	CacheLocalArchives = "mapreduce.job.cache.local.archives"

	CredentialsBinary    = "mapreduce.job.credentials.binary"
	DAGCredentialsBinary = "tez.dag.credentials.binary"

	StatusLengthLimit  = "mapreduce.task.max.status.length"
	ResourceCalculator = "mapreduce.task.resource.calculator"

	CommitBackoff          = "mapreduce.task.commit.backoff"
	CommitMaxQueryFailures = "mapreduce.task.commit.max.query.failures"
	CommitMaxDenials       = "mapreduce.task.commit.max.denials"
	ReportInterval         = "mapreduce.task.report.interval"
)

const (
	DefaultStatusLengthLimit      = 512
	DefaultCommitBackoff          = time.Second
	DefaultCommitMaxQueryFailures = 3
	DefaultReportInterval         = 3 * time.Second

	ResourceCalculatorGopsutil = "gopsutil"
	ResourceCalculatorNone     = "none"
)

// Conf is a string keyed configuration map with typed accessors.
type Conf struct {
	mu     sync.RWMutex
	values map[string]string
}

func New() *Conf {
	return &Conf{values: make(map[string]string)}
}

// FromPayload decodes a serialized configuration. An empty payload yields an
// empty configuration.
func FromPayload(payload []byte) (*Conf, error) {
	c := New()
	if len(payload) == 0 {
		return c, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode configuration payload: %w", err)
	}
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			c.values[k] = tv
		case []interface{}:
			items := make([]string, 0, len(tv))
			for _, item := range tv {
				items = append(items, fmt.Sprint(item))
			}
			c.values[k] = strings.Join(items, ",")
		case nil:
		default:
			c.values[k] = fmt.Sprint(tv)
		}
	}
	return c, nil
}

// Payload serializes the configuration in the form FromPayload reads.
func (c *Conf) Payload() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.values)
}

func (c *Conf) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

func (c *Conf) Lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Conf) GetDefault(key, def string) string {
	if v, ok := c.Lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (c *Conf) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Conf) Unset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

func (c *Conf) GetInt(key string, def int) (int, error) {
	v, ok := c.Lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	return n, nil
}

func (c *Conf) SetInt(key string, value int) {
	c.Set(key, strconv.Itoa(value))
}

func (c *Conf) GetBool(key string, def bool) (bool, error) {
	v, ok := c.Lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("invalid boolean for %s: %q", key, v)
	}
	return b, nil
}

// GetDuration accepts Go duration strings ("1s") or bare milliseconds.
func (c *Conf) GetDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration for %s: %q", key, v)
	}
	return d, nil
}

// GetStrings splits a comma separated value, dropping empty items.
func (c *Conf) GetStrings(key string) []string {
	v := c.Get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Conf) SetStrings(key string, values []string) {
	c.Set(key, strings.Join(values, ","))
}

// Keys returns all keys in sorted order.
func (c *Conf) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (c *Conf) Clone() *Conf {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := New()
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}
