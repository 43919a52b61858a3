package types

import "fmt"

// LifecycleState is the state of a single task attempt.
type LifecycleState string

const (
	StateUnassigned LifecycleState = "UNASSIGNED"
	StateRunning    LifecycleState = "RUNNING"
	StateCommitted  LifecycleState = "COMMITTED"
	StateAborted    LifecycleState = "ABORTED"
	StateFailed     LifecycleState = "FAILED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case StateCommitted, StateAborted, StateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to LifecycleState) bool {
	switch from {
	case StateUnassigned:
		return to == StateRunning || to == StateAborted || to == StateFailed
	case StateRunning:
		return to == StateCommitted || to == StateAborted || to == StateFailed
	default:
		return false
	}
}

// StateChange records one applied transition.
type StateChange struct {
	From LifecycleState
	To   LifecycleState
}

func (c StateChange) String() string {
	return fmt.Sprintf("%s -> %s", c.From, c.To)
}

// KeyValue is a record produced by user map/reduce functions.
type KeyValue struct {
	Key   string
	Value string
}
