package task

import (
	"context"
	"errors"

	"DistCommit/internal/accounting"
	"DistCommit/internal/commit"
	"DistCommit/internal/config"
	"DistCommit/internal/counters"
	"DistCommit/internal/logger"
	"DistCommit/internal/types"
)

func (a *Attempt) initError(op string, err error) error {
	return types.NewAttemptError(types.ErrInitialization, a.id.String(), op, err)
}

// Initialize derives the attempt identity, decodes the configuration, samples
// the resource baseline and prepares local directories. Every failure is
// fatal and wraps types.ErrInitialization.
func (a *Attempt) Initialize(ctx context.Context, pc Context) error {
	if pc == nil {
		return a.initError("context", errors.New("execution context is required"))
	}
	if a.initialized.Load() {
		return a.initError("initialize", errors.New("already initialized"))
	}

	spec := pc.Spec()
	a.pc = pc
	a.id = types.NewAttemptID(spec.ClusterTimestamp, spec.JobSequence, a.kind, spec.TaskIndex, spec.AttemptNumber)
	if err := a.id.Validate(); err != nil {
		return a.initError("identity", err)
	}
	a.log = a.opts.Logger.Named("task").Named(a.id.String())
	a.counters = counters.NewSet()

	conf, err := config.FromPayload(spec.Payload)
	if err != nil {
		return a.initError("configuration", err)
	}
	a.conf = conf
	conf.Set(config.TaskAttemptID, a.id.String())
	conf.SetInt(config.ApplicationAttemptID, spec.DAGAttemptNumber)
	conf.Set(config.VertexName, spec.VertexName)

	limit, err := conf.GetInt(config.StatusLengthLimit, config.DefaultStatusLengthLimit)
	if err != nil {
		return a.initError("configuration", err)
	}
	a.statusLimit = limit

	if err := a.initAccounting(conf); err != nil {
		return a.initError("accounting", err)
	}

	a.log.Info("Attempt initialized: attempt=%s kind=%s vertex=%s", a.id, a.kind, spec.VertexName)
	if a.log.Enabled(logger.DEBUG) && len(spec.Payload) > 0 {
		for _, k := range conf.Keys() {
			a.log.Debug("TaskConf entry: task=%s key=%s value=%s", a.id.Task, k, conf.Get(k))
		}
	}

	if err := a.configure(spec, conf); err != nil {
		return err
	}
	if err := a.initCommitClient(conf, pc); err != nil {
		return a.initError("commit", err)
	}

	a.initialized.Store(true)
	return nil
}

func (a *Attempt) initAccounting(conf *config.Conf) error {
	tree, err := a.opts.ProcessTree(conf)
	if err != nil || tree == nil {
		a.log.Info("Resource calculator unavailable, CPU and memory counters disabled: %v", err)
		tree = nil
	} else {
		a.log.Info("Using resource calculator: %v", tree)
	}

	acc, err := accounting.New(accounting.Config{
		Counters: a.counters,
		Registry: a.registry,
		Tree:     tree,
		Mem:      a.opts.Mem,
		Logger:   a.log.Named("accounting"),
	})
	if err != nil {
		return err
	}
	a.accountant = acc

	if err := acc.SampleBaseline(); err != nil {
		a.log.Warn("%v", types.NewAttemptError(types.ErrTelemetry, a.id.String(), "sampleBaseline", err))
	}
	return nil
}

func (a *Attempt) initCommitClient(conf *config.Conf, pc Context) error {
	policy := commit.DefaultPolicy()
	var err error
	if policy.Backoff, err = conf.GetDuration(config.CommitBackoff, config.DefaultCommitBackoff); err != nil {
		return err
	}
	if policy.MaxQueryFailures, err = conf.GetInt(config.CommitMaxQueryFailures, config.DefaultCommitMaxQueryFailures); err != nil {
		return err
	}
	if policy.MaxDenials, err = conf.GetInt(config.CommitMaxDenials, 0); err != nil {
		return err
	}

	id := a.id.String()
	client, err := commit.NewClient(commit.Config{
		Attempt: id,
		Arbiter: commit.ArbiterFunc(func(ctx context.Context) (bool, error) {
			return pc.CanCommit(ctx, id)
		}),
		Policy:  policy,
		Sleeper: a.opts.Sleeper,
		Logger:  a.log.Named("commit"),
	})
	if err != nil {
		return err
	}
	a.committer = client
	return nil
}

// InitTask builds the execution contexts, moves an UNASSIGNED attempt to
// RUNNING and localizes identity fields into the configuration. Calling it
// again leaves the state untouched.
func (a *Attempt) InitTask(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return a.initError("initTask", err)
	}

	a.jobContext = &JobContext{JobID: a.id.Task.Job, Conf: a.conf}
	a.taskContext = &TaskAttemptContext{
		JobContext: *a.jobContext,
		ID:         a.id,
		Counters:   a.counters,
		status:     a.SetStatus,
	}

	a.mu.Lock()
	if a.state == types.StateUnassigned {
		if err := a.transitionLocked(types.StateRunning); err != nil {
			a.mu.Unlock()
			return a.initError("initTask", err)
		}
	}
	a.mu.Unlock()

	a.localizeConfiguration()
	return nil
}

// Done finishes a successfully computed attempt: flush counters, run the
// commit handshake when the output needs it, flush again, mark the attempt
// done and send the final status. The counters are flushed twice whatever
// the commit outcome; the handshake error is returned after the final update.
func (a *Attempt) Done(ctx context.Context, out commit.Output) error {
	if err := a.ready(); err != nil {
		return err
	}
	if a.State() != types.StateRunning {
		return types.NewAttemptError(types.ErrNotReady, a.id.String(), "done",
			errors.New("attempt is "+string(a.State())))
	}
	if !a.doneCalled.CompareAndSwap(false, true) {
		return types.NewAttemptError(types.ErrAlreadyDone, a.id.String(), "done", nil)
	}

	a.flushCounters()

	a.log.Info("Task:%s is done. And is in the process of committing", a.id)
	final, commitErr := a.commitOutput(ctx, out)
	if err := a.transition(final); err != nil {
		a.log.Error("%v", err)
	}

	a.flushCounters()
	a.done.Store(true)
	a.sendLastUpdate(context.WithoutCancel(ctx))
	return commitErr
}

func (a *Attempt) commitOutput(ctx context.Context, out commit.Output) (types.LifecycleState, error) {
	if out == nil || !out.IsCommitRequired() {
		return types.StateCommitted, nil
	}

	res, err := a.committer.Commit(ctx, out)
	cleanupCtx := context.WithoutCancel(ctx)
	if err != nil {
		// a failed commit was already aborted by the client
		if res.Authorization == commit.Failed {
			a.committer.Discard(cleanupCtx, out)
		}
		return types.StateFailed, err
	}

	switch res.Authorization {
	case commit.Cancelled:
		a.committer.Discard(cleanupCtx, out)
		return types.StateAborted, types.NewAttemptError(types.ErrCommitCancelled, a.id.String(), "commit", nil)
	case commit.Denied:
		a.committer.Discard(cleanupCtx, out)
		return types.StateAborted, types.NewAttemptError(types.ErrCommitDenied, a.id.String(), "commit", nil)
	}
	return types.StateCommitted, nil
}

// TaskCleanup abandons an attempt before normal completion. It is safe to
// call whether or not InitTask or Done ran.
func (a *Attempt) TaskCleanup(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}

	if err := a.StatusUpdate(ctx); err != nil {
		a.log.Warn("%v", types.NewAttemptError(types.ErrTelemetry, a.id.String(), "statusUpdate", err))
	}
	a.log.Info("Running cleanup for the task")

	tc := a.taskContext
	if tc == nil {
		tc = &TaskAttemptContext{JobContext: JobContext{JobID: a.id.Task.Job, Conf: a.conf}, ID: a.id}
	}

	var abortErr error
	if a.opts.Committer == nil {
		a.log.Warn("No output committer configured, nothing to abort")
	} else if err := a.opts.Committer.AbortTask(context.WithoutCancel(ctx), tc); err != nil {
		abortErr = types.NewAttemptError(types.ErrAbort, a.id.String(), "abortTask", err)
	}

	a.mu.Lock()
	if !a.state.IsTerminal() {
		if err := a.transitionLocked(types.StateAborted); err != nil {
			a.log.Error("%v", err)
		}
	}
	a.mu.Unlock()
	a.done.Store(true)
	return abortErr
}
