package types

import (
	"encoding/json"
	"time"
)

// AttemptReport is a status update sent by an attempt to the hosting runtime.
type AttemptReport struct {
	AttemptID   string           `json:"attempt_id"`
	ContainerID string           `json:"container_id,omitempty"`
	State       LifecycleState   `json:"state"`
	Status      string           `json:"status"`
	Done        bool             `json:"done"`
	Counters    map[string]int64 `json:"counters,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// TaskCommit is the arbiter's record of which attempt may commit a task.
type TaskCommit struct {
	TaskID        string    `json:"task_id"`
	CommitAttempt string    `json:"commit_attempt,omitempty"`
	GrantID       string    `json:"grant_id,omitempty"`
	GrantedAt     time.Time `json:"granted_at,omitempty"`
	Committed     bool      `json:"committed"`
	Releases      int       `json:"releases"`
}

// LedgerState is the replicated state all arbiter nodes agree on.
type LedgerState struct {
	Tasks    map[string]*TaskCommit    `json:"tasks"`
	Attempts map[string]*AttemptReport `json:"attempts"`
	Leader   string                    `json:"leader"`
	Version  int64                     `json:"version"`
}

const (
	EntryCommit  = "commit"
	EntryAttempt = "attempt"

	OpRequest = "request"
	OpStatus  = "status"
)

// LogEntry is an entry in the raft log.
type LogEntry struct {
	Type      string          `json:"type"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// CommitRequest asks whether AttemptID may commit TaskID.
type CommitRequest struct {
	TaskID    string `json:"task_id"`
	AttemptID string `json:"attempt_id"`
	GrantID   string `json:"grant_id"`
}
