package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dispatch/internal/chain"
	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/gate"
	"github.com/aristath/dispatch/internal/metrics"
	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/poller"
	"github.com/aristath/dispatch/internal/scheduler"
	"github.com/aristath/dispatch/internal/starter"
)

// fakeExec passes every command except those listed in fail, which fail
// the given number of times (-1 means always).
type fakeExec struct {
	mu    sync.Mutex
	fail  map[string]int
	calls []string
}

func (f *fakeExec) Exec(_ context.Context, command, _ string, _ time.Duration) (gate.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)

	n, ok := f.fail[command]
	if !ok || n == 0 {
		return gate.ExecResult{Output: "ok"}, nil
	}
	if n > 0 {
		f.fail[command] = n - 1
	}
	return gate.ExecResult{ExitCode: 1, Output: "FAIL: " + command + "\nexpected 2, got 3\n"}, nil
}

func (f *fakeExec) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// worker reports each started item straight to the store, failing the keys
// in fail.
type worker struct {
	store persistence.Store
	fail  map[string]bool

	mu       sync.Mutex
	requests []starter.Request
}

func (w *worker) Start(ctx context.Context, req starter.Request) error {
	w.mu.Lock()
	w.requests = append(w.requests, req)
	w.mu.Unlock()

	if w.fail[req.Key] {
		return w.store.ReportItem(ctx, req.Key, poller.StateFailed, "", "agent gave up")
	}
	return w.store.ReportItem(ctx, req.Key, poller.StateCompleted, "ref-"+req.Key, "")
}

func (w *worker) Requests() []starter.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]starter.Request(nil), w.requests...)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.ItemTimeout = config.Duration(2 * time.Second)
	return cfg
}

type harness struct {
	store  *persistence.SQLiteStore
	worker *worker
	exec   *fakeExec
	bus    *events.Bus
	runner *Runner
}

func newHarness(t *testing.T, cfg *config.Config, m *metrics.Metrics) *harness {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	h := &harness{
		store:  store,
		worker: &worker{store: store, fail: map[string]bool{}},
		exec:   &fakeExec{fail: map[string]int{}},
		bus:    bus,
	}
	h.runner, err = NewRunner(cfg, Deps{
		Starter:      h.worker,
		Waiter:       poller.New(store, poller.WithInterval(cfg.PollInterval.Std())),
		Store:        store,
		GateExecutor: h.exec,
		Bus:          bus,
		Metrics:      m,
	})
	require.NoError(t, err)
	return h
}

func TestRunner_RunBatch(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.worker.fail["2"] = true
	ctx := context.Background()

	items := []*scheduler.WorkItem{
		{ID: "1", Title: "one"},
		{ID: "2", Title: "two"},
		{ID: "3", Title: "three", Labels: []string{"database"}},
	}
	report, err := h.runner.RunBatch(ctx, items)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Completed)
	assert.Equal(t, 1, report.Summary.Failed)
	assert.Equal(t, scheduler.StatusFailed, items[1].Status)
	assert.Equal(t, "agent gave up", items[1].Error)
	assert.Equal(t, "ref-3", items[2].Reference)

	// Every item was registered before it was started.
	stored, err := h.store.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, rec := range stored {
		assert.True(t, rec.State.Terminal(), "item %s", rec.Key)
	}

	for _, req := range h.worker.Requests() {
		assert.Equal(t, "main", req.BaseBranch)
		assert.Equal(t, "dispatch/"+req.Key, req.Branch)
	}
}

func TestRunner_RunBatchRerunResetsState(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	h.worker.fail["1"] = true
	_, err := h.runner.RunBatch(ctx, []*scheduler.WorkItem{{ID: "1", Title: "x"}})
	require.NoError(t, err)

	h.worker.fail["1"] = false
	items := []*scheduler.WorkItem{{ID: "1", Title: "x"}}
	report, err := h.runner.RunBatch(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Completed)

	history, err := h.store.History(ctx, "1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, poller.StateFailed, history[0].State)
	assert.Equal(t, poller.StateCompleted, history[1].State)
}

func TestRunner_RunChain(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	c, err := h.runner.RunChain(ctx, "auth", []scheduler.WorkItem{
		{ID: "ui", Title: "UI", DependsOn: []string{"api"}},
		{ID: "api", Title: "API"},
	})
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, c.Status)
	require.Len(t, c.Items, 2)
	assert.Equal(t, "api", c.Items[0].ID())
	assert.Equal(t, "ui", c.Items[1].ID())

	reqs := h.worker.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "main", reqs[0].BaseBranch)
	assert.Equal(t, "dispatch/api", reqs[1].BaseBranch)
	assert.Equal(t, c.ID, reqs[1].ChainID)

	stored, err := h.store.LoadChain(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, stored.Status)

	items, err := h.store.ListItems(ctx)
	require.NoError(t, err)
	for _, rec := range items {
		assert.Equal(t, c.ID, rec.ChainID)
	}
}

func TestRunner_RunChainRejectsCycles(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.runner.RunChain(context.Background(), "x", []scheduler.WorkItem{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	assert.ErrorContains(t, err, "cycle")
	assert.Empty(t, h.worker.Requests())
}

func TestRunner_ResumeChain(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	c := chain.New("resume", "main", []scheduler.WorkItem{{ID: "1"}, {ID: "2"}})
	c.Items[0].Status = scheduler.StatusCompleted
	c.Items[0].Branch = "dispatch/1"
	require.NoError(t, h.store.SaveChain(ctx, c))

	resumed, err := h.runner.ResumeChain(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, resumed.Status)

	reqs := h.worker.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "2", reqs[0].Key)
	assert.Equal(t, "dispatch/1", reqs[0].BaseBranch)

	_, err = h.runner.ResumeChain(ctx, "missing")
	assert.ErrorIs(t, err, chain.ErrNotFound)
}

func TestRunner_NoStarter(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	r, err := NewRunner(testConfig(), Deps{Waiter: poller.New(store), Store: store})
	require.NoError(t, err)

	_, err = r.RunBatch(context.Background(), []*scheduler.WorkItem{{ID: "1"}})
	assert.ErrorIs(t, err, ErrNoStarter)
	_, err = r.RunChain(context.Background(), "x", []scheduler.WorkItem{{ID: "1"}})
	assert.ErrorIs(t, err, ErrNoStarter)
	_, err = r.ResumeChain(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoStarter)
	_, err = r.RunGates(context.Background())
	assert.Error(t, err)
}

func TestNewRunner_Errors(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewRunner(nil, Deps{})
	assert.Error(t, err)

	_, err = NewRunner(testConfig(), Deps{Store: store})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.RunGates = true
	cfg.Gates = []config.GateConfig{{Name: "test", Command: "go test", Required: true}}
	_, err = NewRunner(cfg, Deps{Waiter: poller.New(store), Store: store})
	assert.ErrorContains(t, err, "gate executor")
}

func gatedConfig() *config.Config {
	cfg := testConfig()
	cfg.RunGates = true
	cfg.GateRetries = 1
	cfg.PipelineRetries = 1
	cfg.Gates = []config.GateConfig{
		{Name: "lint", Command: "make lint", Required: false},
		{Name: "test", Command: "make test", Required: true},
	}
	return cfg
}

func TestRunner_GatesVerifyItems(t *testing.T) {
	h := newHarness(t, gatedConfig(), nil)
	h.exec.fail["make test"] = -1
	results := h.bus.Subscribe(events.TopicGate, 8)

	items := []*scheduler.WorkItem{{ID: "1", Title: "x"}}
	report, err := h.runner.RunBatch(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.Failed)
	assert.Contains(t, items[0].Error, `required gate "test" failed after 1 pipeline attempts`)
	assert.Contains(t, items[0].Error, "expected 2, got 3")
	assert.Equal(t, []string{"make lint", "make test"}, h.exec.Calls())

	select {
	case e := <-results:
		res, ok := e.(events.GateResultEvent)
		require.True(t, ok)
		assert.False(t, res.AllPassed)
		assert.Equal(t, "test", res.FailedGate)
	case <-time.After(time.Second):
		t.Fatal("no gate result published")
	}
}

func TestRunner_GatesPassInChain(t *testing.T) {
	h := newHarness(t, gatedConfig(), nil)
	h.exec.fail["make lint"] = -1 // optional

	c, err := h.runner.RunChain(context.Background(), "x", []scheduler.WorkItem{{ID: "1"}, {ID: "2"}})
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, c.Status)
	assert.Len(t, h.exec.Calls(), 4)
}

func TestRunner_RunGates(t *testing.T) {
	h := newHarness(t, gatedConfig(), nil)

	pr, err := h.runner.RunGates(context.Background())
	require.NoError(t, err)
	assert.True(t, pr.AllPassed)
	assert.Len(t, pr.Results, 2)

	cfg := testConfig()
	cfg.Gates = nil
	h = newHarness(t, cfg, nil)
	_, err = h.runner.RunGates(context.Background())
	assert.ErrorContains(t, err, "invalid gate pipeline")
}

func TestRunner_GateOptionsFromConfig(t *testing.T) {
	cfg := gatedConfig()
	cfg.Gates[1].Timeout = config.Duration(time.Minute)
	cfg.WorkDir = "/tmp/work"
	h := newHarness(t, cfg, nil)

	gates := h.runner.Gates()
	require.Len(t, gates, 2)
	assert.False(t, gates[0].Required)
	assert.Equal(t, time.Minute, gates[1].Timeout)

	opts := h.runner.GateOptions()
	assert.Equal(t, 1, opts.MaxRetries)
	assert.Equal(t, "/tmp/work", opts.WorkDir)
	assert.Equal(t, 10*time.Minute, opts.Timeout)
}

func TestRunner_RecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarness(t, gatedConfig(), m)

	_, err := h.runner.RunBatch(context.Background(), []*scheduler.WorkItem{
		{ID: "1"},
		{ID: "2", Labels: []string{"migration"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsStarted.WithLabelValues("safe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsStarted.WithLabelValues("conflicting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ItemsInFlight.WithLabelValues("safe")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateAttempts.WithLabelValues("test", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsFinished.WithLabelValues("conflicting", "completed")))
}

func TestRegisteringStarter_FailsWhenStoreFails(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	called := false
	s := &registeringStarter{
		inner: starter.Func(func(context.Context, starter.Request) error {
			called = true
			return nil
		}),
		store: store,
	}
	err = s.Start(context.Background(), starter.Request{Key: "1"})
	assert.ErrorContains(t, err, "failed to register item 1")
	assert.False(t, called)
}

func TestDiagnostic(t *testing.T) {
	assert.Equal(t, ": last", diagnostic("first\nlast\n\n"))
	assert.Empty(t, diagnostic("  \n"))
	long := strings.Repeat("x", 500)
	assert.Less(t, len(diagnostic(long)), 300)
}
