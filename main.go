package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"DistCommit/internal/logger"
)

func main() {
	mode := flag.String("mode", "cluster", "Mode: 'cluster' for a local 3-node arbiter group, 'arbiter' for one arbiter node, 'attempt' to run one task attempt")
	logLevel := flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")

	arb := arbiterFlags{}
	flag.StringVar(&arb.nodeID, "node-id", "arbiter-1", "Arbiter node id")
	flag.StringVar(&arb.bind, "bind", "127.0.0.1", "Bind address")
	flag.IntVar(&arb.raftPort, "raft-port", 9001, "Raft transport port")
	flag.IntVar(&arb.gossipPort, "gossip-port", 7946, "Memberlist gossip port")
	flag.IntVar(&arb.rpcPort, "rpc-port", 8081, "Umbilical RPC port")
	flag.StringVar(&arb.dataDir, "data-dir", "", "Raft data directory (default /tmp/distcommit-<node-id>)")
	join := flag.String("join", "", "Comma separated gossip addresses of running arbiters")
	peers := flag.String("peers", "", "Comma separated initial voters nodeID@host:port")

	att := attemptFlags{}
	arbiters := flag.String("arbiter", "127.0.0.1:8081", "Comma separated umbilical addresses of the arbiters")
	flag.StringVar(&att.kind, "kind", "m", "Task kind: m or r")
	flag.Int64Var(&att.clusterTS, "job-ts", 0, "Job cluster timestamp (default now)")
	flag.IntVar(&att.jobSeq, "job-seq", 1, "Job sequence number")
	flag.IntVar(&att.taskIndex, "task", 0, "Task index")
	flag.IntVar(&att.attemptNum, "attempt", 0, "Attempt number")
	flag.StringVar(&att.pattern, "pattern", "", "Grep pattern (map attempts)")
	input := flag.String("input", "", "Comma separated input files or directories")
	flag.StringVar(&att.outputDir, "output", "", "Output directory")
	workDirs := flag.String("work-dirs", os.TempDir(), "Comma separated local scratch roots")
	flag.StringVar(&att.confFile, "conf", "", "Attempt configuration file (JSON)")
	flag.IntVar(&att.partitions, "partitions", 1, "Number of reduce partitions")
	flag.Parse()

	lg := logger.New(*logLevel)
	arb.join = splitList(*join)
	arb.peers = splitList(*peers)
	att.arbiters = splitList(*arbiters)
	att.inputs = splitList(*input)
	att.workDirs = splitList(*workDirs)

	var err error
	switch *mode {
	case "cluster":
		err = startCluster(lg)
	case "arbiter":
		err = runArbiter(lg, arb)
	case "attempt":
		err = runAttempt(lg, att)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
	if err != nil {
		lg.Error("%v", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
