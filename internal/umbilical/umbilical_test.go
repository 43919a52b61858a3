package umbilical

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"DistCommit/internal/logger"
	"DistCommit/internal/types"
)

type fakeArbiter struct {
	mu      sync.Mutex
	leader  bool
	grant   map[string]bool
	block   chan struct{}
	calls   int
	reports []types.AttemptReport
}

func (f *fakeArbiter) CanCommit(attemptID string) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.leader {
		return false, errors.New("not the leader")
	}
	return f.grant[attemptID], nil
}

func (f *fakeArbiter) StatusUpdate(r types.AttemptReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leader {
		return errors.New("not the leader")
	}
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeArbiter) IsLeader() bool    { return f.leader }
func (f *fakeArbiter) GetLeader() string { return "arbiter-1" }
func (f *fakeArbiter) Ledger() *types.LedgerState {
	return &types.LedgerState{Tasks: map[string]*types.TaskCommit{}, Version: 7}
}

func quiet() *logger.Logger { return logger.NewWithOutput("ERROR", io.Discard) }

func startServer(t *testing.T, arb Arbiter, token []byte) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{NodeID: "arbiter-1", Addr: "127.0.0.1:0", Arbiter: arb, Token: token, Logger: quiet()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newClient(t *testing.T, token []byte, timeout time.Duration, addrs ...string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{Addrs: addrs, Token: token, Timeout: timeout, Logger: quiet()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

const attemptID = "attempt_1_0001_m_000000_0"

func TestCanCommitRoundTrip(t *testing.T) {
	arb := &fakeArbiter{leader: true, grant: map[string]bool{attemptID: true}}
	s := startServer(t, arb, []byte("tok"))
	c := newClient(t, []byte("tok"), time.Second, s.Addr())

	ok, err := c.CanCommit(context.Background(), attemptID)
	if err != nil || !ok {
		t.Fatalf("CanCommit = %v, %v", ok, err)
	}
	ok, err = c.CanCommit(context.Background(), "attempt_1_0001_m_000000_1")
	if err != nil || ok {
		t.Fatalf("CanCommit other attempt = %v, %v", ok, err)
	}

	report := types.AttemptReport{AttemptID: attemptID, State: types.StateRunning, Counters: map[string]int64{"X": 1}}
	if err := c.StatusUpdate(context.Background(), report); err != nil {
		t.Fatalf("StatusUpdate: %v", err)
	}
	if len(arb.reports) != 1 || arb.reports[0].Counters["X"] != 1 {
		t.Fatalf("reports = %+v", arb.reports)
	}
	t.Logf("✓ rpc round trip")
}

func TestTokenMismatchRejected(t *testing.T) {
	arb := &fakeArbiter{leader: true, grant: map[string]bool{attemptID: true}}
	s := startServer(t, arb, []byte("right"))
	c := newClient(t, []byte("wrong"), time.Second, s.Addr())

	if _, err := c.CanCommit(context.Background(), attemptID); err == nil {
		t.Fatalf("wrong token accepted")
	}
	if arb.calls != 0 {
		t.Fatalf("arbiter consulted for an unauthenticated call")
	}
}

func TestClientMovesToLeader(t *testing.T) {
	follower := startServer(t, &fakeArbiter{leader: false}, nil)
	leader := startServer(t, &fakeArbiter{leader: true, grant: map[string]bool{attemptID: true}}, nil)
	c := newClient(t, nil, time.Second, follower.Addr(), leader.Addr())

	for i := 0; i < 2; i++ {
		ok, err := c.CanCommit(context.Background(), attemptID)
		if err != nil || !ok {
			t.Fatalf("CanCommit #%d = %v, %v", i, ok, err)
		}
	}
	if c.next != 1 {
		t.Fatalf("client did not stick to the leader")
	}
}

func TestAllArbitersDown(t *testing.T) {
	c := newClient(t, nil, 200*time.Millisecond, "127.0.0.1:1")
	if _, err := c.CanCommit(context.Background(), attemptID); err == nil {
		t.Fatalf("expected error with no arbiter")
	}
}

func TestCallTimesOut(t *testing.T) {
	arb := &fakeArbiter{leader: true, block: make(chan struct{})}
	defer close(arb.block)
	s := startServer(t, arb, nil)
	c := newClient(t, nil, 100*time.Millisecond, s.Addr())

	start := time.Now()
	_, err := c.CanCommit(context.Background(), attemptID)
	if !errors.Is(err, errCallTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honored")
	}
}

func TestCallHonorsContext(t *testing.T) {
	arb := &fakeArbiter{leader: true, block: make(chan struct{})}
	defer close(arb.block)
	s := startServer(t, arb, nil)
	c := newClient(t, nil, 10*time.Second, s.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.CanCommit(ctx, attemptID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := startServer(t, &fakeArbiter{leader: true}, nil)

	resp, err := http.Get("http://" + s.Addr() + StatusPath)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()

	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.NodeID != "arbiter-1" || !st.IsLeader || st.Ledger == nil || st.Ledger.Version != 7 {
		t.Fatalf("status = %+v", st)
	}
}
