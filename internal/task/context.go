package task

import (
	"context"

	"DistCommit/internal/config"
	"DistCommit/internal/types"
)

// Spec carries what the hosting runtime knows about the attempt before it
// starts: identity seeds, the serialized configuration and local paths.
type Spec struct {
	ClusterTimestamp int64
	JobSequence      int
	TaskIndex        int
	AttemptNumber    int
	DAGAttemptNumber int
	DAGName          string
	VertexName       string

	Payload          []byte
	WorkDirs         []string
	LocalResourceDir string
}

// Umbilical is the attempt's channel to the hosting runtime and the arbiter.
type Umbilical interface {
	CanCommit(ctx context.Context, attemptID string) (bool, error)
	StatusUpdate(ctx context.Context, report types.AttemptReport) error
}

// Context is the execution context handed to Initialize.
type Context interface {
	Spec() Spec
	Umbilical
}

type staticContext struct {
	spec Spec
	Umbilical
}

func (c *staticContext) Spec() Spec { return c.spec }

func NewContext(spec Spec, u Umbilical) Context {
	return &staticContext{spec: spec, Umbilical: u}
}

// Credentials supplies the job token used to authenticate to the arbiter.
// A nil token with a nil error means the job carries no token.
type Credentials interface {
	JobToken() ([]byte, error)
}

// StaticCredentials is a fixed token.
type StaticCredentials []byte

func (c StaticCredentials) JobToken() ([]byte, error) {
	if len(c) == 0 {
		return nil, nil
	}
	return []byte(c), nil
}

// JobContext is the job-level view handed to user code.
type JobContext struct {
	JobID types.JobID
	Conf  *config.Conf
}

// TaskAttemptContext is the attempt-level view handed to user code and to the
// output committer.
type TaskAttemptContext struct {
	JobContext
	ID       types.AttemptID
	Counters counterIncrementer
	status   func(string)
}

type counterIncrementer interface {
	Increment(name string, delta int64)
}

func (c *TaskAttemptContext) AttemptID() types.AttemptID { return c.ID }

// SetStatus updates the attempt status string reported to the runtime.
func (c *TaskAttemptContext) SetStatus(s string) {
	if c.status != nil {
		c.status(s)
	}
}

// Increment bumps a user counter of the attempt.
func (c *TaskAttemptContext) Increment(name string, delta int64) {
	if c.Counters != nil {
		c.Counters.Increment(name, delta)
	}
}
