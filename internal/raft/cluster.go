// Package raft replicates the commit ledger of the arbiter over hashicorp/raft
// so a commit grant survives the loss of the node that issued it.
package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"DistCommit/internal/logger"
	"DistCommit/internal/types"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// ErrNotLeader is returned by writes on a follower.
var ErrNotLeader = errors.New("not the leader")

const defaultApplyTimeout = 5 * time.Second

// Cluster is one arbiter's member of the raft group.
type Cluster struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      *raftboltdb.BoltStore
	stableStore   *raftboltdb.BoltStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	applyTimeout  time.Duration
	logger        *logger.Logger
}

type Config struct {
	NodeID   string
	BindAddr string
	BindPort int    // 0 picks a free port
	DataDir  string // bolt stores and snapshots
	// Peers lists the initial voters as nodeID@host:port. The node
	// bootstraps alone when Peers is empty and Join is false.
	Peers []string
	// Join skips bootstrapping; the node waits to be added by the leader.
	Join         bool
	ApplyTimeout time.Duration
	Logger       *logger.Logger
}

// ParsePeer splits a nodeID@host:port peer spec.
func ParsePeer(spec string) (raft.Server, error) {
	id, addr, ok := strings.Cut(spec, "@")
	if !ok || id == "" || addr == "" {
		return raft.Server{}, fmt.Errorf("invalid peer %q, want nodeID@host:port", spec)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return raft.Server{}, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	return raft.Server{Suffrage: raft.Voter, ID: raft.ServerID(id), Address: raft.ServerAddress(addr)}, nil
}

// tuning shortens raft's WAN defaults to values suited to a local group.
func tuning(nodeID string, lg *logger.Logger) *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(nodeID)
	rc.LogOutput = lg.Writer(logger.DEBUG)
	rc.HeartbeatTimeout = 200 * time.Millisecond
	rc.ElectionTimeout = 200 * time.Millisecond
	rc.LeaderLeaseTimeout = 100 * time.Millisecond
	rc.SnapshotInterval = 2 * time.Second
	rc.SnapshotThreshold = 20
	return rc
}

// openStorage opens the log, stable and snapshot stores under dir.
func (c *Cluster) openStorage(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("data dir %s: %w", dir, err)
	}
	var err error
	if c.logStore, err = raftboltdb.NewBoltStore(filepath.Join(dir, "raft-logs.db")); err != nil {
		return fmt.Errorf("log store: %w", err)
	}
	if c.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.db")); err != nil {
		return fmt.Errorf("stable store: %w", err)
	}
	if c.snapshotStore, err = raft.NewFileSnapshotStore(dir, 3, c.logger.Writer(logger.DEBUG)); err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	return nil
}

// listen starts the TCP transport. With port 0 the listener's real address
// is advertised.
func (c *Cluster) listen(host string, port int) error {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("bind address: %w", err)
	}
	var advertise net.Addr
	if addr.Port != 0 {
		advertise = addr
	}
	c.transport, err = raft.NewTCPTransport(addr.String(), advertise, 3, 10*time.Second, c.logger.Writer(logger.DEBUG))
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

func (c *Cluster) release() {
	if c.transport != nil {
		c.transport.Close()
	}
	if c.logStore != nil {
		c.logStore.Close()
	}
	if c.stableStore != nil {
		c.stableStore.Close()
	}
}

// NewCluster starts a raft node over the commit ledger. A node with state
// on disk resumes from it; otherwise it bootstraps with Peers, or alone.
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("raft: node id is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("raft: data dir is required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("raft")

	voters := make([]raft.Server, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		s, err := ParsePeer(p)
		if err != nil {
			return nil, err
		}
		voters = append(voters, s)
	}

	c := &Cluster{
		nodeID:       cfg.NodeID,
		fsm:          NewFSM(lg),
		applyTimeout: cfg.ApplyTimeout,
		logger:       lg,
	}
	if c.applyTimeout <= 0 {
		c.applyTimeout = defaultApplyTimeout
	}

	if err := c.openStorage(cfg.DataDir); err != nil {
		c.release()
		return nil, fmt.Errorf("raft %s: %w", cfg.NodeID, err)
	}
	if err := c.listen(cfg.BindAddr, cfg.BindPort); err != nil {
		c.release()
		return nil, fmt.Errorf("raft %s: %w", cfg.NodeID, err)
	}

	r, err := raft.NewRaft(tuning(cfg.NodeID, lg), c.fsm, c.logStore, c.stableStore, c.snapshotStore, c.transport)
	if err != nil {
		c.release()
		return nil, fmt.Errorf("raft %s: start: %w", cfg.NodeID, err)
	}
	c.raft = r
	lg.Info("Raft node started: node_id=%s addr=%s data_dir=%s", cfg.NodeID, c.Addr(), cfg.DataDir)

	if cfg.Join {
		lg.Info("Waiting for the leader to add %s as a voter", cfg.NodeID)
		return c, nil
	}

	existing, err := raft.HasExistingState(c.logStore, c.stableStore, c.snapshotStore)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("raft %s: inspect state: %w", cfg.NodeID, err)
	}
	if existing {
		lg.Info("Resuming ledger from %s", cfg.DataDir)
		return c, nil
	}

	if len(voters) == 0 {
		voters = append(voters, raft.Server{Suffrage: raft.Voter, ID: raft.ServerID(cfg.NodeID), Address: c.transport.LocalAddr()})
	}
	if err := c.raft.BootstrapCluster(raft.Configuration{Servers: voters}).Error(); err != nil {
		c.Close()
		return nil, fmt.Errorf("raft %s: bootstrap: %w", cfg.NodeID, err)
	}
	lg.Info("Bootstrapped arbiter group: voters=%d", len(voters))
	return c, nil
}

func (c *Cluster) NodeID() string {
	return c.nodeID
}

// Addr returns the raft transport address of this node
func (c *Cluster) Addr() string {
	return string(c.transport.LocalAddr())
}

// AddPeer adds nodeID as a voter. Leader only.
func (c *Cluster) AddPeer(nodeID, address string) error {
	if err := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0).Error(); err != nil {
		return fmt.Errorf("add voter %s: %w", nodeID, err)
	}
	c.logger.Info("Voter added: node_id=%s addr=%s", nodeID, address)
	return nil
}

func (c *Cluster) RemovePeer(nodeID string) error {
	if err := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return fmt.Errorf("remove server %s: %w", nodeID, err)
	}
	c.logger.Info("Voter removed: node_id=%s", nodeID)
	return nil
}

func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the leader's raft address, empty while electing.
func (c *Cluster) GetLeader() string {
	return string(c.raft.Leader())
}

// GetLeaderID returns the server id of the current leader
func (c *Cluster) GetLeaderID() string {
	_, id := c.raft.LeaderWithID()
	return string(id)
}

// WaitForLeader blocks until the group has a leader or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.GetLeader() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %v", timeout)
}

// ApplyLog applies a log entry to the state machine and returns the FSM
// response. This should only be called on the leader.
func (c *Cluster) ApplyLog(entry *types.LogEntry) (interface{}, error) {
	if !c.IsLeader() {
		return nil, fmt.Errorf("%w, current leader: %s", ErrNotLeader, c.GetLeader())
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(data, c.applyTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply log: %w", err)
	}

	resp := f.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func newEntry(typ, op string, payload interface{}) (*types.LogEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s/%s payload: %w", typ, op, err)
	}
	return &types.LogEntry{Type: typ, Operation: op, Data: data, Timestamp: time.Now()}, nil
}

// RequestCommit asks the ledger whether attemptID may commit taskID.
func (c *Cluster) RequestCommit(taskID, attemptID, grantID string) (CommitDecision, error) {
	entry, err := newEntry(types.EntryCommit, types.OpRequest, types.CommitRequest{
		TaskID:    taskID,
		AttemptID: attemptID,
		GrantID:   grantID,
	})
	if err != nil {
		return CommitDecision{}, err
	}
	resp, err := c.ApplyLog(entry)
	if err != nil {
		return CommitDecision{}, err
	}
	d, ok := resp.(CommitDecision)
	if !ok {
		return CommitDecision{}, fmt.Errorf("unexpected commit response %T", resp)
	}
	return d, nil
}

// RecordStatus replicates an attempt report.
func (c *Cluster) RecordStatus(report types.AttemptReport) error {
	entry, err := newEntry(types.EntryAttempt, types.OpStatus, report)
	if err != nil {
		return err
	}
	_, err = c.ApplyLog(entry)
	return err
}

// GetLedgerState copies the ledger and stamps it with the leader id.
func (c *Cluster) GetLedgerState() *types.LedgerState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeaderID()
	return state
}

// GetPeers returns the current raft configuration keyed by server id.
func (c *Cluster) GetPeers() map[string]raft.Server {
	peers := map[string]raft.Server{}
	f := c.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		c.logger.Warn("Failed to read raft configuration: %v", err)
		return peers
	}
	for _, srv := range f.Configuration().Servers {
		peers[string(srv.ID)] = srv
	}
	return peers
}

func (c *Cluster) GetFSM() *FSM {
	return c.fsm
}

// Close stops raft, then closes the stores and the transport.
func (c *Cluster) Close() error {
	return errors.Join(
		c.raft.Shutdown().Error(),
		c.logStore.Close(),
		c.stableStore.Close(),
		c.transport.Close(),
	)
}

func (c *Cluster) Stats() map[string]string {
	return c.raft.Stats()
}
