package test

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"DistCommit/internal/config"
	"DistCommit/internal/types"
)

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestArbiterUnreachableExhaustsQueries(t *testing.T) {
	outDir := t.TempDir()
	u := newUmbilicalClient(t, deadAddr(t))
	a := launch(t, u, 0, outDir, map[string]string{config.CommitMaxQueryFailures: "2"})
	out := stage(t, a, outDir, "orphan")

	err := a.Done(context.Background(), out)
	if !errors.Is(err, types.ErrAuthorizationQuery) {
		t.Fatalf("err = %v, want ErrAuthorizationQuery", err)
	}
	if a.State() != types.StateFailed || !a.IsDone() {
		t.Fatalf("state=%s done=%v", a.State(), a.IsDone())
	}
	if _, err := os.Stat(out.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("staged output survived an unanswered commit query")
	}
	t.Logf("✓ attempt failed after exhausting authorization queries")
}

func TestClientSkipsUnreachableArbiter(t *testing.T) {
	arb, srv := startArbiter(t, t.TempDir())
	defer arb.Close()
	defer srv.Close(context.Background())

	outDir := t.TempDir()
	// the client rotates past the dead address to the live arbiter
	u := newUmbilicalClient(t, deadAddr(t), srv.Addr())
	a := launch(t, u, 0, outDir, nil)
	out := stage(t, a, outDir, "rotated")

	if err := a.Done(context.Background(), out); err != nil {
		t.Fatalf("Done: %v", err)
	}
	waitCommitted(t, arb, a)
	t.Logf("✓ commit authorized after skipping an unreachable arbiter")
}

func TestLedgerSurvivesArbiterRestart(t *testing.T) {
	dataDir := t.TempDir()
	arb, srv := startArbiter(t, dataDir)

	outDir := t.TempDir()
	u := newUmbilicalClient(t, srv.Addr())
	a := launch(t, u, 0, outDir, nil)
	if err := a.Done(context.Background(), stage(t, a, outDir, "durable")); err != nil {
		t.Fatalf("Done: %v", err)
	}
	waitCommitted(t, arb, a)

	srv.Close(context.Background())
	if err := arb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restarted, srv2 := startArbiter(t, dataDir)
	defer restarted.Close()
	defer srv2.Close(context.Background())

	// committed log entries are replayed once the restarted node leads again
	waitCommitted(t, restarted, a)

	ok, err := restarted.CanCommit(types.NewAttemptID(clusterTS, 1, types.ReduceTask, 0, 1).String())
	if err != nil || ok {
		t.Fatalf("late attempt after restart: ok=%v err=%v", ok, err)
	}
	t.Logf("✓ commit ledger recovered from %s", dataDir)
}
