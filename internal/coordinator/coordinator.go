// Package coordinator is the arbiter service: it answers canCommit for task
// attempts from the raft-replicated commit ledger.
package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DistCommit/internal/logger"
	"DistCommit/internal/raft"
	"DistCommit/internal/types"
)

// ErrNotLeader is returned by a follower; the attempt should ask another node.
var ErrNotLeader = raft.ErrNotLeader

// Arbiter decides which attempt of each task may commit its output
type Arbiter struct {
	cluster *raft.Cluster
	logger  *logger.Logger
}

// NewArbiter starts the raft node holding this arbiter's ledger replica.
func NewArbiter(cfg raft.Config) (*Arbiter, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	cfg.Logger = lg

	cluster, err := raft.NewCluster(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft cluster: %w", err)
	}

	a := &Arbiter{cluster: cluster, logger: lg.Named("arbiter")}
	a.logger.Info("Arbiter initialized: node_id=%s raft_addr=%s", cfg.NodeID, cluster.Addr())
	return a, nil
}

func (a *Arbiter) leaderCheck() error {
	if !a.cluster.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, a.cluster.GetLeader())
	}
	return nil
}

// CanCommit reports whether attemptID holds the commit grant of its task.
// The first attempt to ask is granted; a failed holder's grant is released
// once its report reaches the ledger.
func (a *Arbiter) CanCommit(attemptID string) (bool, error) {
	if err := a.leaderCheck(); err != nil {
		a.logger.Warn("Not leader, refusing canCommit: attempt_id=%s leader=%s", attemptID, a.cluster.GetLeader())
		return false, err
	}

	id, err := types.ParseAttemptID(attemptID)
	if err != nil {
		return false, fmt.Errorf("invalid attempt id: %w", err)
	}

	grantID := "grant-" + uuid.New().String()[:8]
	d, err := a.cluster.RequestCommit(id.Task.String(), attemptID, grantID)
	if err != nil {
		a.logger.Error("Failed to replicate commit request: attempt_id=%s err=%v", attemptID, err)
		return false, fmt.Errorf("failed to request commit: %w", err)
	}

	if d.Granted {
		a.logger.Info("canCommit granted: %s", logger.Fields(map[string]interface{}{
			"attempt_id": attemptID,
			"grant_id":   d.GrantID,
			"task_id":    id.Task.String(),
		}))
	} else {
		a.logger.Debug("canCommit refused: attempt_id=%s holder=%s", attemptID, d.Holder)
	}
	return d.Granted, nil
}

// StatusUpdate records an attempt report in the ledger.
func (a *Arbiter) StatusUpdate(report types.AttemptReport) error {
	if err := a.leaderCheck(); err != nil {
		return err
	}
	if _, err := types.ParseAttemptID(report.AttemptID); err != nil {
		return fmt.Errorf("invalid attempt id: %w", err)
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	if err := a.cluster.RecordStatus(report); err != nil {
		a.logger.Error("Failed to record status: attempt_id=%s err=%v", report.AttemptID, err)
		return err
	}
	a.logger.Debug("Status recorded: attempt_id=%s state=%s done=%v", report.AttemptID, report.State, report.Done)
	return nil
}

// CommitHolder returns the attempt holding the commit grant of taskID.
func (a *Arbiter) CommitHolder(taskID string) (string, bool) {
	t := a.cluster.GetFSM().GetTask(taskID)
	if t == nil || t.CommitAttempt == "" {
		return "", false
	}
	return t.CommitAttempt, t.Committed
}

func (a *Arbiter) Ledger() *types.LedgerState {
	return a.cluster.GetLedgerState()
}

// AddPeer adds an arbiter node as a voter. Only the leader can do this.
func (a *Arbiter) AddPeer(nodeID, raftAddr string) error {
	if err := a.leaderCheck(); err != nil {
		return err
	}
	if err := a.cluster.AddPeer(nodeID, raftAddr); err != nil {
		return fmt.Errorf("failed to add peer %s: %w", nodeID, err)
	}
	a.logger.Info("Peer added: node_id=%s raft_addr=%s", nodeID, raftAddr)
	return nil
}

// RemovePeer removes an arbiter node. Only the leader can do this.
func (a *Arbiter) RemovePeer(nodeID string) error {
	if err := a.leaderCheck(); err != nil {
		return err
	}
	if err := a.cluster.RemovePeer(nodeID); err != nil {
		return fmt.Errorf("failed to remove peer %s: %w", nodeID, err)
	}
	a.logger.Info("Peer removed: node_id=%s", nodeID)
	return nil
}

func (a *Arbiter) IsLeader() bool {
	return a.cluster.IsLeader()
}

// GetLeader returns the leader's raft address.
func (a *Arbiter) GetLeader() string {
	return a.cluster.GetLeader()
}

func (a *Arbiter) RaftAddr() string {
	return a.cluster.Addr()
}

func (a *Arbiter) WaitForLeader(timeout time.Duration) error {
	return a.cluster.WaitForLeader(timeout)
}

// GetPeers maps voter ids to raft addresses.
func (a *Arbiter) GetPeers() map[string]string {
	peers := a.cluster.GetPeers()
	result := make(map[string]string)

	for id, server := range peers {
		result[id] = string(server.Address)
	}

	return result
}

func (a *Arbiter) GetStats() map[string]string {
	return a.cluster.Stats()
}

func (a *Arbiter) Close() error {
	return a.cluster.Close()
}

// IsNotLeader reports whether err came from a follower.
func IsNotLeader(err error) bool {
	return errors.Is(err, ErrNotLeader)
}
