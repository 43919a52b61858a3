package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"DistCommit/internal/logger"
	"DistCommit/internal/types"
	raft "github.com/hashicorp/raft"
)

// CommitDecision is the FSM response to a commit request.
type CommitDecision struct {
	Granted bool
	Holder  string
	GrantID string
}

// FSM holds the commit ledger every arbiter node agrees on: which attempt
// holds the commit grant of each task, and the latest report of each attempt.
type FSM struct {
	mu     sync.RWMutex
	state  *types.LedgerState
	logger *logger.Logger
}

func emptyLedger() *types.LedgerState {
	return &types.LedgerState{
		Tasks:    make(map[string]*types.TaskCommit),
		Attempts: make(map[string]*types.AttemptReport),
	}
}

func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &FSM{
		state:  emptyLedger(),
		logger: lg.Named("fsm"),
	}
}

// Apply returns a CommitDecision for commit requests, an event name for
// attempt reports, or an error for entries it cannot decode.
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Dropping undecodable log entry at index %d: %v", log.Index, err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.logger.Debug("Applying log entry: type=%s operation=%s index=%d", entry.Type, entry.Operation, log.Index)

	switch entry.Type {
	case types.EntryCommit:
		return f.applyCommitOperation(&entry)
	case types.EntryAttempt:
		return f.applyAttemptOperation(&entry)
	default:
		f.logger.Warn("Dropping log entry of type %q at index %d", entry.Type, log.Index)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

// applyCommitOperation grants the commit of a task to its first requester.
func (f *FSM) applyCommitOperation(entry *types.LogEntry) interface{} {
	if entry.Operation != types.OpRequest {
		f.logger.Warn("Unknown commit operation: %s", entry.Operation)
		return fmt.Errorf("unknown commit operation: %s", entry.Operation)
	}

	var req types.CommitRequest
	if err := json.Unmarshal(entry.Data, &req); err != nil || req.TaskID == "" || req.AttemptID == "" {
		f.logger.Error("Invalid commit request data: %v", err)
		return fmt.Errorf("invalid commit request data")
	}

	task, exists := f.state.Tasks[req.TaskID]
	if !exists {
		task = &types.TaskCommit{TaskID: req.TaskID}
		f.state.Tasks[req.TaskID] = task
	}

	switch task.CommitAttempt {
	case "":
		task.CommitAttempt = req.AttemptID
		task.GrantID = req.GrantID
		task.GrantedAt = entry.Timestamp
		f.state.Version++
		f.logger.Info("Commit granted: task_id=%s attempt_id=%s grant_id=%s", req.TaskID, req.AttemptID, req.GrantID)
		return CommitDecision{Granted: true, Holder: req.AttemptID, GrantID: req.GrantID}
	case req.AttemptID:
		f.logger.Debug("Commit grant confirmed: task_id=%s attempt_id=%s", req.TaskID, req.AttemptID)
		return CommitDecision{Granted: true, Holder: req.AttemptID, GrantID: task.GrantID}
	default:
		f.logger.Debug("Commit refused: task_id=%s attempt_id=%s holder=%s committed=%v",
			req.TaskID, req.AttemptID, task.CommitAttempt, task.Committed)
		return CommitDecision{Granted: false, Holder: task.CommitAttempt}
	}
}

// applyAttemptOperation records an attempt report. A report from the grant
// holder settles the grant: COMMITTED marks the task committed, FAILED or
// ABORTED before commit releases it for another attempt.
func (f *FSM) applyAttemptOperation(entry *types.LogEntry) interface{} {
	if entry.Operation != types.OpStatus {
		f.logger.Warn("Unknown attempt operation: %s", entry.Operation)
		return fmt.Errorf("unknown attempt operation: %s", entry.Operation)
	}

	var report types.AttemptReport
	if err := json.Unmarshal(entry.Data, &report); err != nil {
		f.logger.Error("Invalid attempt report data: %v", err)
		return fmt.Errorf("invalid attempt report data")
	}
	id, err := types.ParseAttemptID(report.AttemptID)
	if err != nil {
		f.logger.Warn("Attempt report with bad id: %v", err)
		return err
	}

	f.state.Attempts[report.AttemptID] = &report
	f.state.Version++

	task, exists := f.state.Tasks[id.Task.String()]
	if !exists || task.CommitAttempt != report.AttemptID || task.Committed {
		return "attempt_recorded"
	}

	switch report.State {
	case types.StateCommitted:
		task.Committed = true
		f.logger.Info("Task committed: task_id=%s attempt_id=%s", task.TaskID, report.AttemptID)
		return "task_committed"
	case types.StateFailed, types.StateAborted:
		task.CommitAttempt = ""
		task.GrantID = ""
		task.Releases++
		f.logger.Warn("Commit grant released: task_id=%s attempt_id=%s state=%s releases=%d",
			task.TaskID, report.AttemptID, report.State, task.Releases)
		return "grant_released"
	}
	return "attempt_recorded"
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: f.copyState()}, nil
}

// Restore replaces the ledger with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := emptyLedger()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]*types.TaskCommit)
	}
	if state.Attempts == nil {
		state.Attempts = make(map[string]*types.AttemptReport)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	return nil
}

func (f *FSM) copyState() *types.LedgerState {
	c := emptyLedger()
	c.Leader = f.state.Leader
	c.Version = f.state.Version
	for k, v := range f.state.Tasks {
		t := *v
		c.Tasks[k] = &t
	}
	for k, v := range f.state.Attempts {
		r := *v
		c.Attempts[k] = &r
	}
	return c
}

// GetState returns a deep copy of the ledger.
func (f *FSM) GetState() *types.LedgerState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.copyState()
}

// GetTask returns a copy of the commit record of a task, or nil.
func (f *FSM) GetTask(taskID string) *types.TaskCommit {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.state.Tasks[taskID]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// GetAttempt returns a copy of the latest report of an attempt, or nil.
func (f *FSM) GetAttempt(attemptID string) *types.AttemptReport {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.state.Attempts[attemptID]
	if !ok {
		return nil
	}
	c := *r
	return &c
}

// snapshot is a frozen copy of the ledger.
type snapshot struct {
	state *types.LedgerState
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

func (s *snapshot) Release() {}
