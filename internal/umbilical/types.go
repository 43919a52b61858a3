// Package umbilical carries canCommit and status updates between task
// attempts and the arbiter: net/rpc over HTTP, with a JSON status endpoint on
// the same listener.
package umbilical

import "DistCommit/internal/types"

// ServiceName is the net/rpc service name.
const ServiceName = "Umbilical"

// CanCommitArgs asks whether AttemptID may commit its output.
type CanCommitArgs struct {
	AttemptID string
	Token     []byte // job token of the attempt, empty when the job has none
}

// CanCommitReply carries the arbiter's answer.
type CanCommitReply struct {
	OK bool
}

// StatusUpdateArgs carries one attempt report.
type StatusUpdateArgs struct {
	Report types.AttemptReport
	Token  []byte
}

type StatusUpdateReply struct {
	OK bool
}

// StatusResponse is served as JSON on the status path.
type StatusResponse struct {
	NodeID   string             `json:"node_id"`
	IsLeader bool               `json:"is_leader"`
	Leader   string             `json:"leader"`
	Ledger   *types.LedgerState `json:"ledger"`
}
