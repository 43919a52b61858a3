package types

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskKind distinguishes map attempts from reduce attempts.
type TaskKind string

const (
	MapTask    TaskKind = "m"
	ReduceTask TaskKind = "r"
)

func (k TaskKind) Valid() bool {
	return k == MapTask || k == ReduceTask
}

func (k TaskKind) String() string {
	switch k {
	case MapTask:
		return "MAP"
	case ReduceTask:
		return "REDUCE"
	default:
		return "UNKNOWN"
	}
}

const (
	jobPrefix     = "job"
	taskPrefix    = "task"
	attemptPrefix = "attempt"
	separator     = "_"
)

// JobID identifies a job by the cluster start timestamp and a sequence number.
type JobID struct {
	ClusterTimestamp int64
	Sequence         int
}

// TaskID identifies one logical task of a job.
type TaskID struct {
	Job   JobID
	Kind  TaskKind
	Index int
}

// AttemptID identifies one execution attempt of a logical task.
type AttemptID struct {
	Task   TaskID
	Number int
}

func NewAttemptID(clusterTimestamp int64, sequence int, kind TaskKind, index, number int) AttemptID {
	return AttemptID{
		Task: TaskID{
			Job:   JobID{ClusterTimestamp: clusterTimestamp, Sequence: sequence},
			Kind:  kind,
			Index: index,
		},
		Number: number,
	}
}

func (j JobID) body() string {
	return fmt.Sprintf("%d_%04d", j.ClusterTimestamp, j.Sequence)
}

func (j JobID) String() string {
	return jobPrefix + separator + j.body()
}

func (t TaskID) body() string {
	return fmt.Sprintf("%s_%s_%06d", t.Job.body(), string(t.Kind), t.Index)
}

func (t TaskID) String() string {
	return taskPrefix + separator + t.body()
}

// OutputName is the partition file name for this task. The suffix is zero
// padded so a sorted directory listing orders partitions by index.
func (t TaskID) OutputName() string {
	return fmt.Sprintf("part-%05d", t.Index)
}

func (a AttemptID) String() string {
	return fmt.Sprintf("%s_%s_%d", attemptPrefix, a.Task.body(), a.Number)
}

func (a AttemptID) IsZero() bool {
	return a == AttemptID{}
}

// Validate reports whether the identity can be formatted and parsed back.
func (a AttemptID) Validate() error {
	switch {
	case a.Task.Job.ClusterTimestamp < 0:
		return fmt.Errorf("negative cluster timestamp: %d", a.Task.Job.ClusterTimestamp)
	case a.Task.Job.Sequence < 0:
		return fmt.Errorf("negative job sequence: %d", a.Task.Job.Sequence)
	case !a.Task.Kind.Valid():
		return fmt.Errorf("invalid task kind: %q", string(a.Task.Kind))
	case a.Task.Index < 0:
		return fmt.Errorf("negative task index: %d", a.Task.Index)
	case a.Number < 0:
		return fmt.Errorf("negative attempt number: %d", a.Number)
	}
	return nil
}

func splitID(s, prefix string, want int) ([]string, error) {
	parts := strings.Split(s, separator)
	if len(parts) != want || parts[0] != prefix {
		return nil, fmt.Errorf("malformed %s id: %q", prefix, s)
	}
	return parts[1:], nil
}

func parseNonNegative(field, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative %s: %d", field, n)
	}
	return n, nil
}

func parseJobFields(ts, seq string) (JobID, error) {
	clusterTs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || clusterTs < 0 {
		return JobID{}, fmt.Errorf("invalid cluster timestamp %q", ts)
	}
	n, err := parseNonNegative("job sequence", seq)
	if err != nil {
		return JobID{}, err
	}
	return JobID{ClusterTimestamp: clusterTs, Sequence: n}, nil
}

func parseTaskFields(fields []string) (TaskID, error) {
	job, err := parseJobFields(fields[0], fields[1])
	if err != nil {
		return TaskID{}, err
	}
	kind := TaskKind(fields[2])
	if !kind.Valid() {
		return TaskID{}, fmt.Errorf("invalid task kind %q", fields[2])
	}
	idx, err := parseNonNegative("task index", fields[3])
	if err != nil {
		return TaskID{}, err
	}
	return TaskID{Job: job, Kind: kind, Index: idx}, nil
}

func ParseJobID(s string) (JobID, error) {
	fields, err := splitID(s, jobPrefix, 3)
	if err != nil {
		return JobID{}, err
	}
	return parseJobFields(fields[0], fields[1])
}

func ParseTaskID(s string) (TaskID, error) {
	fields, err := splitID(s, taskPrefix, 5)
	if err != nil {
		return TaskID{}, err
	}
	return parseTaskFields(fields)
}

func ParseAttemptID(s string) (AttemptID, error) {
	fields, err := splitID(s, attemptPrefix, 6)
	if err != nil {
		return AttemptID{}, err
	}
	task, err := parseTaskFields(fields[:4])
	if err != nil {
		return AttemptID{}, err
	}
	n, err := parseNonNegative("attempt number", fields[4])
	if err != nil {
		return AttemptID{}, err
	}
	return AttemptID{Task: task, Number: n}, nil
}
