// Package discovery finds arbiter nodes over memberlist gossip. Each node
// advertises its raft address in its member metadata.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"DistCommit/internal/logger"
)

// nodeMeta is gossiped with every member.
type nodeMeta struct {
	RaftAddr string `json:"raft_addr"`
}

// Member is a discovered arbiter node.
type Member struct {
	NodeID     string
	GossipAddr string
	RaftAddr   string
}

type Config struct {
	NodeID    string
	BindAddr  string
	BindPort  int // 0 picks a free port
	RaftAddr  string
	JoinAddrs []string // gossip addresses of running arbiters, host:port
	Logger    *logger.Logger
}

// Membership tracks live arbiter nodes. Join and leave hooks only fire for
// remote nodes.
type Membership struct {
	self string
	ml   *memberlist.Memberlist
	log  *logger.Logger

	mu      sync.RWMutex
	members map[string]Member
	onJoin  func(nodeID, raftAddr string)
	onLeave func(nodeID string)
}

func New(cfg Config) (*Membership, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("discovery")

	meta, err := json.Marshal(nodeMeta{RaftAddr: cfg.RaftAddr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}

	m := &Membership{
		self:    cfg.NodeID,
		log:     lg,
		members: make(map[string]Member),
	}

	mc := memberlist.DefaultLocalConfig()
	mc.Name = cfg.NodeID
	mc.BindAddr = cfg.BindAddr
	mc.BindPort = cfg.BindPort
	mc.AdvertisePort = cfg.BindPort
	mc.ProbeInterval = time.Second
	mc.ProbeTimeout = 500 * time.Millisecond
	mc.GossipInterval = 200 * time.Millisecond
	mc.GossipNodes = 3
	mc.RetransmitMult = 3
	mc.Events = events{m}
	mc.Delegate = metaDelegate(meta)
	mc.LogOutput = lg.Writer(logger.DEBUG)

	ml, err := memberlist.Create(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossip on %s:%d: %w", cfg.BindAddr, cfg.BindPort, err)
	}
	m.ml = ml
	lg.Info("Gossip started: node_id=%s addr=%s raft_addr=%s", cfg.NodeID, m.GossipAddr(), cfg.RaftAddr)

	if len(cfg.JoinAddrs) > 0 {
		n, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			lg.Warn("No arbiter reachable through %v, running alone: %v", cfg.JoinAddrs, err)
		} else {
			lg.Info("Joined arbiter group: contacted=%d members=%d", n, ml.NumMembers())
		}
	}
	return m, nil
}

// GossipAddr is the address other nodes join through.
func (m *Membership) GossipAddr() string {
	return m.ml.LocalNode().Address()
}

// OnJoin sets the hook called when a remote node with a raft address joins.
func (m *Membership) OnJoin(fn func(nodeID, raftAddr string)) {
	m.mu.Lock()
	m.onJoin = fn
	m.mu.Unlock()
}

// OnLeave sets the hook called when a remote node leaves or is declared dead.
func (m *Membership) OnLeave(fn func(nodeID string)) {
	m.mu.Lock()
	m.onLeave = fn
	m.mu.Unlock()
}

// Members returns every known node, the local one included.
func (m *Membership) Members() map[string]Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Member, len(m.members))
	for id, mem := range m.members {
		out[id] = mem
	}
	return out
}

// RaftAddrs lists the advertised raft address of every known node.
func (m *Membership) RaftAddrs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var addrs []string
	for _, mem := range m.members {
		if mem.RaftAddr != "" {
			addrs = append(addrs, mem.RaftAddr)
		}
	}
	return addrs
}

func (m *Membership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

func (m *Membership) Leave(timeout time.Duration) error {
	return m.ml.Leave(timeout)
}

func (m *Membership) Shutdown() error {
	return m.ml.Shutdown()
}

func (m *Membership) decode(node *memberlist.Node) Member {
	mem := Member{
		NodeID:     node.Name,
		GossipAddr: net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port))),
	}
	if len(node.Meta) == 0 {
		return mem
	}
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		m.log.Warn("Ignoring metadata of %s: %v", node.Name, err)
		return mem
	}
	mem.RaftAddr = meta.RaftAddr
	return mem
}

func (m *Membership) upsert(node *memberlist.Node) (Member, func(string, string)) {
	mem := m.decode(node)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[mem.NodeID] = mem
	return mem, m.onJoin
}

func (m *Membership) joined(node *memberlist.Node) {
	mem, hook := m.upsert(node)
	m.log.Info("Arbiter joined: node_id=%s gossip=%s raft=%s", mem.NodeID, mem.GossipAddr, mem.RaftAddr)
	if hook != nil && mem.NodeID != m.self && mem.RaftAddr != "" {
		hook(mem.NodeID, mem.RaftAddr)
	}
}

func (m *Membership) left(node *memberlist.Node) {
	m.mu.Lock()
	delete(m.members, node.Name)
	hook := m.onLeave
	m.mu.Unlock()

	m.log.Info("Arbiter left: node_id=%s", node.Name)
	if hook != nil && node.Name != m.self {
		hook(node.Name)
	}
}

// events adapts Membership to memberlist.EventDelegate.
type events struct{ m *Membership }

func (e events) NotifyJoin(n *memberlist.Node)  { e.m.joined(n) }
func (e events) NotifyLeave(n *memberlist.Node) { e.m.left(n) }
func (e events) NotifyUpdate(n *memberlist.Node) {
	mem, _ := e.m.upsert(n)
	e.m.log.Debug("Arbiter metadata updated: node_id=%s raft=%s", mem.NodeID, mem.RaftAddr)
}

// metaDelegate gossips only the node metadata.
type metaDelegate []byte

func (d metaDelegate) NodeMeta(limit int) []byte {
	if len(d) > limit {
		return nil
	}
	return d
}

func (metaDelegate) NotifyMsg([]byte)                {}
func (metaDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (metaDelegate) LocalState(bool) []byte          { return nil }
func (metaDelegate) MergeRemoteState([]byte, bool)   {}
