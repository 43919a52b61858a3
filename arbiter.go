package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"DistCommit/internal/coordinator"
	"DistCommit/internal/discovery"
	"DistCommit/internal/logger"
	"DistCommit/internal/raft"
	"DistCommit/internal/umbilical"
)

type arbiterFlags struct {
	nodeID     string
	bind       string
	raftPort   int
	gossipPort int
	rpcPort    int
	dataDir    string
	join       []string
	peers      []string
}

type arbiterNode struct {
	arbiter   *coordinator.Arbiter
	discovery *discovery.Membership
	server    *umbilical.Server
}

func (n *arbiterNode) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n.server != nil {
		n.server.Close(ctx)
	}
	if n.discovery != nil {
		n.discovery.Leave(time.Second)
		n.discovery.Shutdown()
	}
	n.arbiter.Close()
}

func startArbiterNode(lg *logger.Logger, f arbiterFlags) (*arbiterNode, error) {
	lg = lg.Named(f.nodeID)
	dataDir := f.dataDir
	if dataDir == "" {
		dataDir = fmt.Sprintf("/tmp/distcommit-%s", f.nodeID)
	}

	arb, err := coordinator.NewArbiter(raft.Config{
		NodeID:   f.nodeID,
		BindAddr: f.bind,
		BindPort: f.raftPort,
		DataDir:  dataDir,
		Peers:    f.peers,
		Join:     len(f.join) > 0 && len(f.peers) == 0,
		Logger:   lg,
	})
	if err != nil {
		return nil, err
	}
	node := &arbiterNode{arbiter: arb}

	if f.gossipPort > 0 {
		nd, err := discovery.New(discovery.Config{
			NodeID:    f.nodeID,
			BindAddr:  f.bind,
			BindPort:  f.gossipPort,
			RaftAddr:  arb.RaftAddr(),
			JoinAddrs: f.join,
			Logger:    lg,
		})
		if err != nil {
			node.Close()
			return nil, err
		}
		nd.OnJoin(func(nodeID, raftAddr string) {
			if !arb.IsLeader() {
				return
			}
			if err := arb.AddPeer(nodeID, raftAddr); err != nil {
				lg.Warn("Failed to add discovered arbiter: node_id=%s err=%v", nodeID, err)
			}
		})
		nd.OnLeave(func(nodeID string) {
			if !arb.IsLeader() {
				return
			}
			if err := arb.RemovePeer(nodeID); err != nil {
				lg.Warn("Failed to remove departed arbiter: node_id=%s err=%v", nodeID, err)
			}
		})
		node.discovery = nd
	}

	srv, err := umbilical.NewServer(umbilical.ServerConfig{
		NodeID:  f.nodeID,
		Addr:    net.JoinHostPort(f.bind, strconv.Itoa(f.rpcPort)),
		Arbiter: arb,
		Token:   []byte(os.Getenv(jobTokenEnv)),
		Logger:  lg,
	})
	if err != nil {
		node.Close()
		return nil, err
	}
	if err := srv.Start(); err != nil {
		node.Close()
		return nil, err
	}
	node.server = srv
	return node, nil
}

func waitForSignal() os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return <-ch
}

func runArbiter(lg *logger.Logger, f arbiterFlags) error {
	node, err := startArbiterNode(lg, f)
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.arbiter.WaitForLeader(30 * time.Second); err != nil {
		lg.Warn("%v", err)
	}
	lg.Info("Arbiter %s ready: umbilical=%s leader=%s", f.nodeID, node.server.Addr(), node.arbiter.GetLeader())

	sig := waitForSignal()
	lg.Info("Received %s, shutting down", sig)
	return nil
}

func startCluster(lg *logger.Logger) error {
	lg.Info("Starting 3-node commit arbiter cluster...")

	nodes := []arbiterFlags{
		{nodeID: "arbiter-1", raftPort: 9001, rpcPort: 8081},
		{nodeID: "arbiter-2", raftPort: 9002, rpcPort: 8082},
		{nodeID: "arbiter-3", raftPort: 9003, rpcPort: 8083},
	}

	var peers []string
	for i := range nodes {
		nodes[i].bind = "127.0.0.1"
		nodes[i].dataDir = fmt.Sprintf("/tmp/distcommit-%s", nodes[i].nodeID)
		peers = append(peers, fmt.Sprintf("%s@127.0.0.1:%d", nodes[i].nodeID, nodes[i].raftPort))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []*arbiterNode
		errs    []error
	)
	for _, n := range nodes {
		n.peers = peers
		wg.Add(1)
		go func(n arbiterFlags) {
			defer wg.Done()
			os.RemoveAll(n.dataDir)

			node, err := startArbiterNode(lg, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n.nodeID, err))
				return
			}
			started = append(started, node)
		}(n)
	}
	wg.Wait()

	defer func() {
		for _, n := range started {
			n.Close()
		}
	}()
	if len(errs) > 0 {
		return errs[0]
	}

	if err := started[0].arbiter.WaitForLeader(10 * time.Second); err != nil {
		return err
	}
	for _, n := range nodes {
		lg.Info("  %s: umbilical=127.0.0.1:%d status=http://127.0.0.1:%d%s", n.nodeID, n.rpcPort, n.rpcPort, umbilical.StatusPath)
	}

	sig := waitForSignal()
	lg.Info("Received %s, shutting down", sig)
	return nil
}
