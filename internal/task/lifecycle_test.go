package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DistCommit/internal/accounting"
	"DistCommit/internal/config"
	"DistCommit/internal/logger"
	"DistCommit/internal/output"
	"DistCommit/internal/types"
)

type answer struct {
	ok  bool
	err error
}

// fakeUmbilical answers canCommit from a script, repeating the last answer.
type fakeUmbilical struct {
	mu      sync.Mutex
	script  []answer
	calls   int
	reports []types.AttemptReport
}

func (u *fakeUmbilical) CanCommit(ctx context.Context, attemptID string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := u.calls
	u.calls++
	if len(u.script) == 0 {
		return true, nil
	}
	if n >= len(u.script) {
		n = len(u.script) - 1
	}
	return u.script[n].ok, u.script[n].err
}

func (u *fakeUmbilical) StatusUpdate(ctx context.Context, r types.AttemptReport) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reports = append(u.reports, r)
	return nil
}

func (u *fakeUmbilical) canCommitCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *fakeUmbilical) lastReport(t *testing.T) types.AttemptReport {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.reports) == 0 {
		t.Fatalf("no status report sent")
	}
	return u.reports[len(u.reports)-1]
}

type countingTree struct {
	updates atomic.Int32
}

func (c *countingTree) Update() error {
	c.updates.Add(1)
	return nil
}

func (c *countingTree) CumulativeCPUMillis() int64 { return 100 }
func (c *countingTree) RSSBytes() int64            { return 1 << 20 }
func (c *countingTree) VirtualBytes() int64        { return 1 << 22 }

// flushes excludes the baseline sample taken by Initialize.
func (c *countingTree) flushes() int { return int(c.updates.Load()) - 1 }

type fakeOutput struct {
	commitErr error
	commits   atomic.Int32
	aborts    atomic.Int32
}

func (o *fakeOutput) IsCommitRequired() bool            { return true }
func (o *fakeOutput) Commit(ctx context.Context) error { o.commits.Add(1); return o.commitErr }
func (o *fakeOutput) Abort(ctx context.Context) error  { o.aborts.Add(1); return nil }

type harness struct {
	attempt *Attempt
	tree    *countingTree
	u       *fakeUmbilical
	spec    Spec
}

func instantSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func payload(t *testing.T, kv map[string]string) []byte {
	t.Helper()
	b, err := json.Marshal(kv)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func newHarness(t *testing.T, kind types.TaskKind, conf map[string]string, opts Options) *harness {
	t.Helper()
	h := &harness{tree: &countingTree{}, u: &fakeUmbilical{}}
	if opts.Logger == nil {
		opts.Logger = logger.NewWithOutput("ERROR", io.Discard)
	}
	if opts.ProcessTree == nil {
		opts.ProcessTree = func(*config.Conf) (accounting.ProcessTree, error) { return h.tree, nil }
	}
	if opts.Sleeper == nil {
		opts.Sleeper = instantSleep
	}
	h.attempt = NewAttempt(kind, opts)
	h.spec = Spec{
		ClusterTimestamp: 1700000000000,
		JobSequence:      7,
		TaskIndex:        3,
		AttemptNumber:    1,
		DAGAttemptNumber: 2,
		VertexName:       "grep",
		Payload:          payload(t, conf),
		WorkDirs:         []string{t.TempDir()},
		LocalResourceDir: t.TempDir(),
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.attempt.Initialize(context.Background(), NewContext(h.spec, h.u)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.attempt.InitTask(context.Background()); err != nil {
		t.Fatalf("InitTask: %v", err)
	}
}

func TestInitTaskTransitionsOnce(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.start(t)

	for i := 0; i < 2; i++ {
		if err := h.attempt.InitTask(context.Background()); err != nil {
			t.Fatalf("InitTask #%d: %v", i+2, err)
		}
	}

	hist := h.attempt.History()
	if len(hist) != 1 || hist[0] != (types.StateChange{From: types.StateUnassigned, To: types.StateRunning}) {
		t.Fatalf("history = %v, want one UNASSIGNED->RUNNING", hist)
	}
	if h.attempt.State() != types.StateRunning {
		t.Fatalf("state = %s", h.attempt.State())
	}
	t.Logf("✓ initTask idempotent")
}

func TestInitializeDerivesIdentityAndConfiguration(t *testing.T) {
	h := newHarness(t, types.ReduceTask, map[string]string{
		config.CacheFiles:           "hdfs://nn:8020/apps/lib.jar#dep.jar,hdfs://nn:8020/data/dict.txt",
		config.DAGCredentialsBinary: "/tmp/creds",
	}, Options{})
	h.start(t)

	a := h.attempt
	if got := a.ID().String(); got != "attempt_1700000000000_0007_r_000003_1" {
		t.Fatalf("id = %s", got)
	}
	if a.OutputName() != "part-00003" {
		t.Fatalf("output name = %s", a.OutputName())
	}

	conf := a.Conf()
	want := map[string]string{
		config.TaskAttemptID:        "attempt_1700000000000_0007_r_000003_1",
		config.TaskID:               "task_1700000000000_0007_r_000003",
		config.TaskPartition:        "3",
		config.JobID:                "job_1700000000000_0007",
		config.ApplicationAttemptID: "2",
		config.VertexName:           "grep",
		config.CredentialsBinary:    "/tmp/creds",
		config.JobLocalDir:          filepath.Join(h.spec.WorkDirs[0], WorkDirName),
	}
	for k, v := range want {
		if got := conf.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	local := conf.GetStrings(config.CacheLocalFiles)
	if len(local) != 2 ||
		local[0] != filepath.Join(h.spec.LocalResourceDir, "dep.jar") ||
		local[1] != filepath.Join(h.spec.LocalResourceDir, "dict.txt") {
		t.Fatalf("localized cache files = %v", local)
	}
	if info, err := os.Stat(conf.Get(config.JobLocalDir)); err != nil || !info.IsDir() {
		t.Fatalf("work dir not created: %v", err)
	}
}

func TestInitializeReusesExistingWorkDir(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	existing := filepath.Join(h.spec.WorkDirs[0], WorkDirName)
	if err := os.Mkdir(existing, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	h.start(t)
	if got := h.attempt.Conf().Get(config.JobLocalDir); got != existing {
		t.Fatalf("job local dir = %s, want %s", got, existing)
	}
}

func TestInitializeFailsWhenLocalDirIsFile(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	root := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(root, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.spec.WorkDirs = []string{root}

	err := h.attempt.Initialize(context.Background(), NewContext(h.spec, h.u))
	if !errors.Is(err, types.ErrInitialization) {
		t.Fatalf("err = %v, want ErrInitialization", err)
	}
	if err := h.attempt.InitTask(context.Background()); err == nil {
		t.Fatalf("InitTask must fail after a failed Initialize")
	}
}

func TestInitializeRejectsBadPayload(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.spec.Payload = []byte("{not json")
	if err := h.attempt.Initialize(context.Background(), NewContext(h.spec, h.u)); !errors.Is(err, types.ErrInitialization) {
		t.Fatalf("err = %v, want ErrInitialization", err)
	}
}

func TestInitializeWithoutProcessTree(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{
		ProcessTree: func(*config.Conf) (accounting.ProcessTree, error) {
			return nil, accounting.ErrProcessTreeUnavailable
		},
	})
	h.start(t)
	if err := h.attempt.Done(context.Background(), nil); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if _, ok := h.attempt.CounterSet().Lookup("CPU_MILLISECONDS"); ok {
		t.Fatalf("CPU counter must not be set without a process tree")
	}
}

func TestDoneCommitsAfterNegativeAnswers(t *testing.T) {
	h := newHarness(t, types.ReduceTask, nil, Options{})
	h.u.script = []answer{{ok: false}, {ok: false}, {ok: true}}
	h.start(t)

	outDir := t.TempDir()
	out := output.NewFileOutput(h.attempt.FS(), outDir, h.attempt.ID())
	w, err := out.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	w.Write("error", "3")

	if err := h.attempt.Done(context.Background(), out); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if h.u.canCommitCalls() != 3 {
		t.Fatalf("canCommit calls = %d, want 3", h.u.canCommitCalls())
	}
	if h.attempt.State() != types.StateCommitted {
		t.Fatalf("state = %s", h.attempt.State())
	}
	b, err := os.ReadFile(filepath.Join(outDir, "part-00003"))
	if err != nil || string(b) != "error\t3\n" {
		t.Fatalf("published output = %q, %v", b, err)
	}
	if n := h.tree.flushes(); n != 2 {
		t.Fatalf("flushes = %d, want 2", n)
	}
	if h.attempt.CounterSet().Value("FILE_BYTES_WRITTEN") == 0 {
		t.Fatalf("storage counters not flushed")
	}

	last := h.u.lastReport(t)
	if !last.Done || last.State != types.StateCommitted {
		t.Fatalf("final report = %+v", last)
	}
	t.Logf("✓ committed after 2 negative answers")
}

func TestDoneWithoutCommitRequired(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.start(t)

	out := output.NewFileOutput(h.attempt.FS(), t.TempDir(), h.attempt.ID())
	if err := h.attempt.Done(context.Background(), out); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if h.u.canCommitCalls() != 0 {
		t.Fatalf("arbiter queried for an output with nothing to commit")
	}
	if h.attempt.State() != types.StateCommitted {
		t.Fatalf("state = %s", h.attempt.State())
	}
}

func TestDoneCommitFailureFlushesTwice(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.start(t)

	cause := errors.New("disk full")
	out := &fakeOutput{commitErr: cause}
	err := h.attempt.Done(context.Background(), out)
	if !errors.Is(err, types.ErrCommit) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrCommit wrapping cause", err)
	}
	if out.aborts.Load() != 1 {
		t.Fatalf("aborts = %d, want 1", out.aborts.Load())
	}
	if h.attempt.State() != types.StateFailed {
		t.Fatalf("state = %s, want FAILED", h.attempt.State())
	}
	if n := h.tree.flushes(); n != 2 {
		t.Fatalf("flushes = %d, want 2", n)
	}
	if !h.attempt.IsDone() {
		t.Fatalf("done flag not set")
	}
}

func TestDoneQueryExhaustedFails(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	broken := errors.New("connection refused")
	h.u.script = []answer{{err: broken}, {err: broken}, {err: broken}, {ok: true}}
	h.start(t)

	out := &fakeOutput{}
	err := h.attempt.Done(context.Background(), out)
	if !errors.Is(err, types.ErrAuthorizationQuery) {
		t.Fatalf("err = %v, want ErrAuthorizationQuery", err)
	}
	if h.u.canCommitCalls() != 3 {
		t.Fatalf("canCommit calls = %d, want 3", h.u.canCommitCalls())
	}
	if out.commits.Load() != 0 || out.aborts.Load() != 1 {
		t.Fatalf("commits=%d aborts=%d", out.commits.Load(), out.aborts.Load())
	}
	if h.attempt.State() != types.StateFailed {
		t.Fatalf("state = %s", h.attempt.State())
	}
	if n := h.tree.flushes(); n != 2 {
		t.Fatalf("flushes = %d, want 2", n)
	}
}

func TestDoneCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, types.MapTask, nil, Options{
		Sleeper: func(sctx context.Context, d time.Duration) error {
			cancel()
			return sctx.Err()
		},
	})
	h.u.script = []answer{{ok: false}}
	h.start(t)

	out := &fakeOutput{}
	err := h.attempt.Done(ctx, out)
	if !errors.Is(err, types.ErrCommitCancelled) {
		t.Fatalf("err = %v, want ErrCommitCancelled", err)
	}
	if out.commits.Load() != 0 || out.aborts.Load() != 1 {
		t.Fatalf("commits=%d aborts=%d", out.commits.Load(), out.aborts.Load())
	}
	if h.attempt.State() != types.StateAborted {
		t.Fatalf("state = %s, want ABORTED", h.attempt.State())
	}
	if last := h.u.lastReport(t); !last.Done {
		t.Fatalf("final update not sent after cancellation")
	}
}

func TestDoneDeniedAfterCeiling(t *testing.T) {
	h := newHarness(t, types.MapTask, map[string]string{config.CommitMaxDenials: "4"}, Options{})
	h.u.script = []answer{{ok: false}}
	h.start(t)

	out := &fakeOutput{}
	err := h.attempt.Done(context.Background(), out)
	if !errors.Is(err, types.ErrCommitDenied) {
		t.Fatalf("err = %v, want ErrCommitDenied", err)
	}
	if h.u.canCommitCalls() != 4 {
		t.Fatalf("canCommit calls = %d, want 4", h.u.canCommitCalls())
	}
	if h.attempt.State() != types.StateAborted || out.aborts.Load() != 1 {
		t.Fatalf("state=%s aborts=%d", h.attempt.State(), out.aborts.Load())
	}
}

func TestDoneOnlyOnce(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.start(t)
	if err := h.attempt.Done(context.Background(), nil); err != nil {
		t.Fatalf("Done: %v", err)
	}
	err := h.attempt.Done(context.Background(), nil)
	if err == nil {
		t.Fatalf("second Done must fail")
	}
	if h.attempt.State() != types.StateCommitted {
		t.Fatalf("state changed by second Done: %s", h.attempt.State())
	}
}

func TestDoneBeforeInitTask(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	if err := h.attempt.Initialize(context.Background(), NewContext(h.spec, h.u)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.attempt.Done(context.Background(), nil); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestStatusUpdateGatedByDone(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.start(t)

	if err := h.attempt.StatusUpdate(context.Background()); err != nil {
		t.Fatalf("StatusUpdate: %v", err)
	}
	h.attempt.Done(context.Background(), nil)

	h.u.mu.Lock()
	before := len(h.u.reports)
	h.u.mu.Unlock()

	if err := h.attempt.StatusUpdate(context.Background()); err != nil {
		t.Fatalf("StatusUpdate after done: %v", err)
	}
	h.u.mu.Lock()
	after := len(h.u.reports)
	h.u.mu.Unlock()
	if after != before {
		t.Fatalf("status update sent after done")
	}
}

func TestStatusIsTruncated(t *testing.T) {
	h := newHarness(t, types.MapTask, map[string]string{config.StatusLengthLimit: "10"}, Options{})
	h.start(t)

	h.attempt.TaskContext().SetStatus("abcdefghijklmno")
	if got := h.attempt.Status(); got != "abcdefghij" {
		t.Fatalf("status = %q, want %q", got, "abcdefghij")
	}
	h.attempt.SetStatus("short")
	if got := h.attempt.Status(); got != "short" {
		t.Fatalf("status = %q", got)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
		cut   bool
	}{
		{"abcdefghijklmno", 10, "abcdefghij", true},
		{"abc", 10, "abc", false},
		{"héllo wörld", 5, "héllo", true},
		{"anything", 0, "anything", false},
	}
	for _, c := range cases {
		got, cut := NormalizeStatus(c.in, c.limit)
		if got != c.want || cut != c.cut {
			t.Errorf("NormalizeStatus(%q, %d) = %q, %v", c.in, c.limit, got, cut)
		}
	}
}

func TestTaskCleanupWithoutDone(t *testing.T) {
	outDir := t.TempDir()
	h := newHarness(t, types.MapTask, nil, Options{})
	h.attempt.SetCommitter(&output.FileCommitter{FS: h.attempt.FS(), Dir: outDir})
	h.start(t)

	out := output.NewFileOutput(h.attempt.FS(), outDir, h.attempt.ID())
	w, _ := out.Writer()
	w.Write("k", "v")
	w.Close()

	if err := h.attempt.TaskCleanup(context.Background()); err != nil {
		t.Fatalf("TaskCleanup: %v", err)
	}
	if _, err := os.Stat(out.WorkDir()); !os.IsNotExist(err) {
		t.Fatalf("staged output not removed")
	}
	if h.attempt.State() != types.StateAborted || !h.attempt.IsDone() {
		t.Fatalf("state=%s done=%v", h.attempt.State(), h.attempt.IsDone())
	}
	if r := h.u.lastReport(t); r.State != types.StateRunning {
		t.Fatalf("cleanup status update state = %s", r.State)
	}
}

func TestTaskCleanupBeforeInitTask(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.attempt.SetCommitter(&output.FileCommitter{FS: h.attempt.FS(), Dir: t.TempDir()})
	if err := h.attempt.Initialize(context.Background(), NewContext(h.spec, h.u)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.attempt.TaskCleanup(context.Background()); err != nil {
		t.Fatalf("TaskCleanup: %v", err)
	}
	if h.attempt.State() != types.StateAborted {
		t.Fatalf("state = %s", h.attempt.State())
	}
}

func TestTaskCleanupKeepsTerminalState(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.start(t)
	h.attempt.Done(context.Background(), nil)
	h.attempt.TaskCleanup(context.Background())
	if h.attempt.State() != types.StateCommitted {
		t.Fatalf("cleanup after commit changed state to %s", h.attempt.State())
	}
}

func TestCredentials(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{Credentials: StaticCredentials("s3cret")})
	h.start(t)
	if string(h.attempt.Secret()) != "s3cret" {
		t.Fatalf("secret = %q", h.attempt.Secret())
	}

	h = newHarness(t, types.MapTask, nil, Options{Credentials: StaticCredentials(nil)})
	h.start(t)
	if h.attempt.Secret() != nil {
		t.Fatalf("expected no secret")
	}
}

func TestReporterFlushesUntilDone(t *testing.T) {
	h := newHarness(t, types.MapTask, nil, Options{})
	h.start(t)

	stop := h.attempt.StartReporter(context.Background(), 5*time.Millisecond)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for h.tree.flushes() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.tree.flushes() < 2 {
		t.Fatalf("reporter did not flush")
	}
	if r := h.u.lastReport(t); r.Done || r.State != types.StateRunning {
		t.Fatalf("periodic report = %+v", r)
	}
	stop()

	if err := h.attempt.Done(context.Background(), nil); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if r := h.u.lastReport(t); !r.Done {
		t.Fatalf("final report = %+v", r)
	}
}

// slowUmbilical delays every non-final report so a periodic send can still be
// in flight when Done sends the final one.
type slowUmbilical struct {
	*fakeUmbilical
	delay time.Duration
}

func (u slowUmbilical) StatusUpdate(ctx context.Context, r types.AttemptReport) error {
	if !r.Done {
		time.Sleep(u.delay)
	}
	return u.fakeUmbilical.StatusUpdate(ctx, r)
}

func TestFinalReportArrivesLastWithReporterRunning(t *testing.T) {
	for run := 0; run < 3; run++ {
		h := newHarness(t, types.MapTask, nil, Options{})
		h.u.script = []answer{{ok: false}, {ok: true}}
		slow := slowUmbilical{fakeUmbilical: h.u, delay: 20 * time.Millisecond}
		if err := h.attempt.Initialize(context.Background(), NewContext(h.spec, slow)); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		if err := h.attempt.InitTask(context.Background()); err != nil {
			t.Fatalf("InitTask: %v", err)
		}

		stop := h.attempt.StartReporter(context.Background(), time.Millisecond)
		time.Sleep(5 * time.Millisecond)

		if err := h.attempt.Done(context.Background(), &fakeOutput{}); err != nil {
			t.Fatalf("Done: %v", err)
		}
		stop()

		r := h.u.lastReport(t)
		if !r.Done || r.State != types.StateCommitted {
			t.Fatalf("run %d: last report state=%s done=%v, want the final report last", run, r.State, r.Done)
		}
		if err := h.attempt.StatusUpdate(context.Background()); err != nil {
			t.Fatalf("StatusUpdate after done: %v", err)
		}
		if r := h.u.lastReport(t); !r.Done {
			t.Fatalf("run %d: report sent after the final one: %+v", run, r)
		}
	}
	t.Logf("✓ final report is the last one the runtime sees")
}

func TestCommitPolicyFromConfiguration(t *testing.T) {
	h := newHarness(t, types.MapTask, map[string]string{
		config.CommitBackoff:          "250ms",
		config.CommitMaxQueryFailures: "5",
		config.CommitMaxDenials:       "2",
	}, Options{})
	h.start(t)

	p := h.attempt.committer.Policy()
	if p.Backoff != 250*time.Millisecond || p.MaxQueryFailures != 5 || p.MaxDenials != 2 {
		t.Fatalf("policy = %+v", p)
	}

	h = newHarness(t, types.MapTask, nil, Options{})
	h.start(t)
	if p := h.attempt.committer.Policy(); p.Backoff != config.DefaultCommitBackoff ||
		p.MaxQueryFailures != config.DefaultCommitMaxQueryFailures || p.MaxDenials != 0 {
		t.Fatalf("default policy = %+v", p)
	}
}
