// Package task implements the lifecycle of one already scheduled task
// attempt: initialize, run, done (commit handshake) and cleanup.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"DistCommit/internal/accounting"
	"DistCommit/internal/commit"
	"DistCommit/internal/config"
	"DistCommit/internal/counters"
	"DistCommit/internal/logger"
	"DistCommit/internal/output"
	"DistCommit/internal/storage"
	"DistCommit/internal/types"
)

// ProcessTreeFactory builds the resource sampler for an attempt. Returning
// accounting.ErrProcessTreeUnavailable disables CPU and memory counters.
type ProcessTreeFactory func(conf *config.Conf) (accounting.ProcessTree, error)

// Options wires the collaborators of an Attempt. Zero values get defaults.
type Options struct {
	Logger      *logger.Logger
	Registry    *storage.Registry
	ProcessTree ProcessTreeFactory
	Mem         accounting.MemSampler
	Sleeper     commit.Sleeper
	Credentials Credentials
	Committer   output.Committer
	ContainerID string
}

// Attempt is one task attempt. Lifecycle methods are meant to be driven from
// a single goroutine; accessors and the reporter may run concurrently.
type Attempt struct {
	kind types.TaskKind
	opts Options
	log  *logger.Logger

	pc         Context
	id         types.AttemptID
	conf       *config.Conf
	counters   *counters.Set
	registry   *storage.Registry
	fs         *storage.LocalFS
	accountant *accounting.Accountant
	committer  *commit.Client
	secret     []byte

	jobContext  *JobContext
	taskContext *TaskAttemptContext

	mu          sync.RWMutex
	state       types.LifecycleState
	history     []types.StateChange
	status      string
	statusLimit int

	flushMu     sync.Mutex
	sendMu      sync.Mutex // orders periodic reports before the final one
	initialized atomic.Bool
	doneCalled  atomic.Bool
	done        atomic.Bool
}

func NewAttempt(kind types.TaskKind, opts Options) *Attempt {
	if opts.Logger == nil {
		opts.Logger = logger.New("INFO")
	}
	if opts.Registry == nil {
		opts.Registry = storage.NewRegistry()
	}
	if opts.ProcessTree == nil {
		opts.ProcessTree = DefaultProcessTree
	}
	return &Attempt{
		kind:        kind,
		opts:        opts,
		log:         opts.Logger.Named("task"),
		registry:    opts.Registry,
		fs:          storage.NewLocalFS(opts.Registry),
		state:       types.StateUnassigned,
		statusLimit: config.DefaultStatusLengthLimit,
	}
}

// DefaultProcessTree samples the current process unless the configuration
// selects no resource calculator.
func DefaultProcessTree(conf *config.Conf) (accounting.ProcessTree, error) {
	switch calc := conf.GetDefault(config.ResourceCalculator, config.ResourceCalculatorGopsutil); calc {
	case config.ResourceCalculatorNone:
		return nil, accounting.ErrProcessTreeUnavailable
	case config.ResourceCalculatorGopsutil:
		return accounting.NewProcessTree(0)
	default:
		return nil, fmt.Errorf("%w: unknown resource calculator %q", accounting.ErrProcessTreeUnavailable, calc)
	}
}

func (a *Attempt) Kind() types.TaskKind { return a.kind }

func (a *Attempt) ID() types.AttemptID { return a.id }

func (a *Attempt) Conf() *config.Conf { return a.conf }

func (a *Attempt) FS() *storage.LocalFS { return a.fs }

func (a *Attempt) Registry() *storage.Registry { return a.registry }

func (a *Attempt) CounterSet() *counters.Set { return a.counters }

// Counters returns a snapshot of the attempt counters.
func (a *Attempt) Counters() map[string]int64 {
	if a.counters == nil {
		return map[string]int64{}
	}
	return a.counters.Snapshot()
}

// SetCommitter replaces the output committer used by TaskCleanup.
func (a *Attempt) SetCommitter(c output.Committer) { a.opts.Committer = c }

func (a *Attempt) JobContext() *JobContext { return a.jobContext }

func (a *Attempt) TaskContext() *TaskAttemptContext { return a.taskContext }

// Secret is the job token, or nil when the job has none.
func (a *Attempt) Secret() []byte { return a.secret }

// OutputName is the partition file name of this attempt's task.
func (a *Attempt) OutputName() string { return a.id.Task.OutputName() }

func (a *Attempt) IsDone() bool { return a.done.Load() }

func (a *Attempt) State() types.LifecycleState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// History lists every state transition applied so far.
func (a *Attempt) History() []types.StateChange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]types.StateChange(nil), a.history...)
}

func (a *Attempt) transition(to types.LifecycleState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(to)
}

func (a *Attempt) transitionLocked(to types.LifecycleState) error {
	from := a.state
	if !types.CanTransition(from, to) {
		return fmt.Errorf("invalid state transition for %s: %s -> %s", a.id, from, to)
	}
	a.state = to
	a.history = append(a.history, types.StateChange{From: from, To: to})
	a.log.Info("Attempt state changed: attempt=%s from=%s to=%s", a.id, from, to)
	return nil
}

func (a *Attempt) ready() error {
	if !a.initialized.Load() {
		return types.ErrNotReady
	}
	return nil
}

// flushCounters refreshes all counters. Failures are logged, never returned.
func (a *Attempt) flushCounters() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	if a.accountant == nil {
		return
	}
	if err := a.accountant.Update(); err != nil {
		terr := types.NewAttemptError(types.ErrTelemetry, a.id.String(), "updateCounters", err)
		a.log.Warn("%v", terr)
	}
}
