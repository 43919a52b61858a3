// Package mapreduce drives user map and reduce functions inside one task
// attempt, writing records to the attempt output and maintaining the record
// counters.
package mapreduce

import (
	"bufio"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"DistCommit/internal/counters"
	"DistCommit/internal/logger"
	"DistCommit/internal/output"
	"DistCommit/internal/storage"
	"DistCommit/internal/types"
)

// Mapper is called once per input line.
type Mapper interface {
	Map(filename, line string, emit func(key, value string)) error
}

// Reducer is called once per key with the sorted values of that key.
type Reducer interface {
	Reduce(key string, values []string) (string, error)
}

// Counters is the part of the counter set the drivers update.
type Counters interface {
	Increment(name string, delta int64)
}

// Partition maps key to one of n reduce partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()&0x7fffffff) % n
}

// Engine runs the map or reduce side of one attempt.
type Engine struct {
	fs          *storage.LocalFS
	counters    Counters
	parallelism int
	logger      *logger.Logger
}

type Config struct {
	FS       *storage.LocalFS
	Counters Counters
	// Parallelism bounds concurrent Reduce calls; 0 means 1.
	Parallelism int
	Logger      *logger.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FS == nil {
		return nil, errors.New("filesystem is required")
	}
	if cfg.Counters == nil {
		cfg.Counters = counters.NewSet()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO")
	}
	return &Engine{
		fs:          cfg.FS,
		counters:    cfg.Counters,
		parallelism: cfg.Parallelism,
		logger:      cfg.Logger.Named("mapreduce"),
	}, nil
}

// RunMap feeds every line of files to m and writes what it emits to w.
func (e *Engine) RunMap(files []string, m Mapper, w output.RecordWriter) error {
	var emitErr error
	emit := func(key, value string) {
		if emitErr != nil {
			return
		}
		if err := w.Write(key, value); err != nil {
			emitErr = err
			return
		}
		e.counters.Increment(counters.MapOutputRecords, 1)
	}

	for _, f := range files {
		err := e.scan(f, func(line string) error {
			e.counters.Increment(counters.MapInputRecords, 1)
			if err := m.Map(f, line, emit); err != nil {
				return fmt.Errorf("map %s: %w", f, err)
			}
			return emitErr
		})
		if err != nil {
			return err
		}
	}
	e.logger.Debug("Map finished: files=%d", len(files))
	return nil
}

func (e *Engine) scan(path string, fn func(line string) error) error {
	r, err := e.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// ReadRecords reads key<TAB>value records of partition out of numPartitions.
// Values never contain a tab; keys may.
func (e *Engine) ReadRecords(files []string, partition, numPartitions int) ([]types.KeyValue, error) {
	var kvs []types.KeyValue
	for _, f := range files {
		err := e.scan(f, func(line string) error {
			i := strings.LastIndexByte(line, '\t')
			if i < 0 {
				return fmt.Errorf("malformed record in %s: %q", f, line)
			}
			key, value := line[:i], line[i+1:]
			if Partition(key, numPartitions) == partition {
				kvs = append(kvs, types.KeyValue{Key: key, Value: value})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return kvs, nil
}

// shuffle groups records by key; each group's values are sorted.
func shuffle(kvs []types.KeyValue) map[string][]string {
	grouped := make(map[string][]string)

	for _, kv := range kvs {
		grouped[kv.Key] = append(grouped[kv.Key], kv.Value)
	}

	for key := range grouped {
		sort.Strings(grouped[key])
	}

	return grouped
}

// RunReduce reduces the records of one partition and writes the results to w
// in key order.
func (e *Engine) RunReduce(files []string, partition, numPartitions int, r Reducer, w output.RecordWriter) error {
	kvs, err := e.ReadRecords(files, partition, numPartitions)
	if err != nil {
		return err
	}
	e.counters.Increment(counters.ReduceInputRecords, int64(len(kvs)))

	grouped := shuffle(kvs)
	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.counters.Increment(counters.ReduceInputGroups, int64(len(keys)))

	results := make([]string, len(keys))
	errs := make([]error, len(keys))
	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup

	for i, key := range keys {
		wg.Add(1)
		go func(i int, k string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i], errs[i] = r.Reduce(k, grouped[k])
		}(i, key)
	}
	wg.Wait()

	for i, k := range keys {
		if errs[i] != nil {
			return fmt.Errorf("reduce %q: %w", k, errs[i])
		}
		if err := w.Write(k, results[i]); err != nil {
			return err
		}
		e.counters.Increment(counters.ReduceOutputRecords, 1)
	}
	e.logger.Debug("Reduce finished: partition=%d keys=%d records=%d", partition, len(keys), len(kvs))
	return nil
}
