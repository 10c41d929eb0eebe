package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aristath/dispatch/internal/chain"
	"github.com/aristath/dispatch/internal/orchestrator"
	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/scheduler"
)

// sandbox isolates a test from the user's config and database.
func sandbox(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(orchestrator.DatabaseEnv, "")
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfigInitAndShow(t *testing.T) {
	sandbox(t)

	out, err := execute(t, "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(".dispatch", "config.json"))

	_, err = execute(t, "", "config", "init")
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "", "config", "init", "--force")
	require.NoError(t, err)

	out, err = execute(t, "", "config", "show", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"concurrency": 3`)
	assert.Contains(t, out, `"poll_interval": "5s"`)

	out, err = execute(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "concurrency: 3")
}

func TestConfigFlagAndYAML(t *testing.T) {
	sandbox(t)

	_, err := execute(t, "", "config", "init", "custom.yaml")
	require.NoError(t, err)
	data, err := os.ReadFile("custom.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "concurrency: 3")

	writeFile(t, "custom.yaml", "concurrency: 7\nlog:\n  level: warn\n")
	out, err := execute(t, "", "--config", "custom.yaml", "--log-format", "json", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "concurrency: 7")
	assert.Contains(t, out, "level: warn")
	assert.Contains(t, out, "format: json")
}

func TestDatabaseOverrides(t *testing.T) {
	sandbox(t)
	opts := &rootOptions{}

	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ".dispatch/dispatch.db", cfg.DatabasePath)

	t.Setenv(orchestrator.DatabaseEnv, "/tmp/env.db")
	cfg, err = opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.DatabasePath)

	opts.database = "/tmp/flag.db"
	cfg, err = opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flag.db", cfg.DatabasePath)
}

func TestClassify(t *testing.T) {
	sandbox(t)
	writeFile(t, "items.json", `[
		{"id": "1", "title": "Add login page"},
		{"id": "2", "title": "Add users table", "labels": ["database"]},
		{"id": "3", "title": "Bump go.mod deps"}
	]`)

	out, err := execute(t, "", "classify", "items.json")
	require.NoError(t, err)
	assert.Contains(t, out, "Safe (1)")
	assert.Contains(t, out, "Conflicting (2)")

	out, err = execute(t, "", "classify", "--labels", "ui", "items.json")
	require.NoError(t, err)
	assert.Contains(t, out, "Safe (2)")
	assert.Contains(t, out, "Conflicting (1)")

	writeFile(t, "dupes.json", `[{"id": "1"}, {"id": "1"}]`)
	_, err = execute(t, "", "classify", "dupes.json")
	assert.Error(t, err)
}

func seedStore(t *testing.T, path string, fn func(*persistence.SQLiteStore)) {
	t.Helper()
	store, err := persistence.NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()
	fn(store)
}

func TestItemReportAndStatus(t *testing.T) {
	dir := sandbox(t)
	db := filepath.Join(dir, "state.db")
	seedStore(t, db, func(s *persistence.SQLiteStore) {
		require.NoError(t, s.UpsertItem(context.Background(), &scheduler.WorkItem{ID: "7", Title: "Fix login"}, ""))
	})

	out, err := execute(t, "", "--db", db, "item", "report", "7", "running")
	require.NoError(t, err)
	assert.Equal(t, "7 running\n", out)

	_, err = execute(t, "", "--db", db, "item", "report", "7", "completed", "--reference", "pr-12")
	require.NoError(t, err)

	out, err = execute(t, "", "--db", db, "item", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "7 Fix login")
	assert.Contains(t, out, "pr-12")

	out, err = execute(t, "", "--db", db, "item", "status", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "completed pr-12")

	_, err = execute(t, "", "--db", db, "item", "report", "7", "exploded")
	assert.ErrorContains(t, err, "unknown state")

	_, err = execute(t, "", "--db", db, "item", "report", "ghost", "completed")
	assert.ErrorIs(t, err, persistence.ErrItemNotFound)

	_, err = execute(t, "", "--db", db, "item", "status", "ghost")
	assert.ErrorIs(t, err, persistence.ErrItemNotFound)
}

func TestItemReportUsesEnvironmentDatabase(t *testing.T) {
	dir := sandbox(t)
	db := filepath.Join(dir, "worker.db")
	seedStore(t, db, func(s *persistence.SQLiteStore) {
		require.NoError(t, s.UpsertItem(context.Background(), &scheduler.WorkItem{ID: "1"}, ""))
	})
	t.Setenv(orchestrator.DatabaseEnv, db)

	_, err := execute(t, "", "item", "report", "1", "failed", "--error", "tests failed")
	require.NoError(t, err)

	seedStore(t, db, func(s *persistence.SQLiteStore) {
		rec, ok, err := s.Lookup(context.Background(), "1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "tests failed", rec.Error)
	})
}

func TestChainListAndShow(t *testing.T) {
	dir := sandbox(t)
	db := filepath.Join(dir, "state.db")

	out, err := execute(t, "", "--db", db, "chain", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no chains")

	c := chain.New("release", "main", []scheduler.WorkItem{{ID: "1", Title: "API"}, {ID: "2", Title: "UI"}})
	c.Items[0].Status = scheduler.StatusCompleted
	c.Items[1].Status = scheduler.StatusSkipped
	c.Items[1].Error = "skipped: predecessor 1 failed"
	seedStore(t, db, func(s *persistence.SQLiteStore) {
		require.NoError(t, s.SaveChain(context.Background(), c))
	})

	out, err = execute(t, "", "--db", db, "chain", "list")
	require.NoError(t, err)
	assert.Contains(t, out, c.ID)
	assert.Contains(t, out, "release")
	assert.Contains(t, out, "1/2 completed")

	out, err = execute(t, "", "--db", db, "chain", "show", c.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Chain release")
	assert.Contains(t, out, "1. 1 API")
	assert.Contains(t, out, "skipped: predecessor 1 failed")

	_, err = execute(t, "", "--db", db, "chain", "show", "missing")
	assert.ErrorIs(t, err, chain.ErrNotFound)
}

func TestGatesRun(t *testing.T) {
	dir := sandbox(t)
	writeFile(t, "pass.yaml", `
database_path: `+filepath.Join(dir, "state.db")+`
gate_retries: 1
pipeline_retries: 1
gates:
  - name: build
    command: "true"
    required: true
  - name: lint
    command: "echo style >&2; exit 1"
    required: false
`)

	out, err := execute(t, "", "--config", "pass.yaml", "gates", "run")
	require.NoError(t, err)
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "optional")
	assert.Contains(t, out, "gates passed")

	writeFile(t, "fail.yaml", `
database_path: `+filepath.Join(dir, "state.db")+`
gate_retries: 1
pipeline_retries: 1
gates:
  - name: test
    command: "echo 'FAIL TestLogin'; exit 1"
    required: true
`)
	out, err = execute(t, "", "--config", "fail.yaml", "gates", "run")
	assert.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out, "gates failed: test")
	assert.Contains(t, out, "FAIL TestLogin")
}

func TestRunWithoutStarter(t *testing.T) {
	dir := sandbox(t)
	writeFile(t, "items.yaml", "- id: \"1\"\n  title: one\n")

	_, err := execute(t, "", "--db", filepath.Join(dir, "state.db"), "run", "items.yaml")
	assert.ErrorIs(t, err, orchestrator.ErrNoStarter)
}

func TestRunRejectsInvalidOverrides(t *testing.T) {
	dir := sandbox(t)
	writeFile(t, "items.json", `[{"id": "1"}]`)

	_, err := execute(t, "", "--db", filepath.Join(dir, "state.db"), "run", "--concurrency", "0", "items.json")
	assert.ErrorContains(t, err, "concurrency must be at least 1")
}

func TestReadItems(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		want    []string
		docName string
	}{
		{"json list", "a.json", `[{"id": "1"}, {"id": "2", "depends_on": ["1"]}]`, []string{"1", "2"}, ""},
		{"json document", "b.json", `{"name": "auth", "items": [{"id": "x"}]}`, []string{"x"}, "auth"},
		{"yaml list", "c.yaml", "- id: a\n- id: b\n", []string{"a", "b"}, ""},
		{"yaml document", "d.yml", "name: rel\nitems:\n  - id: z\n    labels: [database]\n", []string{"z"}, "rel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, filepath.Join(dir, tt.file), tt.content)
			doc, err := readItems(path, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.docName, doc.Name)

			var ids []string
			for _, item := range doc.Items {
				ids = append(ids, item.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	t.Run("stdin sniffing", func(t *testing.T) {
		doc, err := readItems("-", strings.NewReader("- id: s\n"))
		require.NoError(t, err)
		require.Len(t, doc.Items, 1)

		doc, err = readItems("-", strings.NewReader(`[{"id": "j"}]`))
		require.NoError(t, err)
		assert.Equal(t, "j", doc.Items[0].ID)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := readItems(filepath.Join(dir, "missing.json"), nil)
		assert.Error(t, err)

		_, err = readItems(writeFile(t, filepath.Join(dir, "empty.json"), "  \n"), nil)
		assert.ErrorContains(t, err, "empty")

		_, err = readItems(writeFile(t, filepath.Join(dir, "none.json"), `{"items": []}`), nil)
		assert.ErrorContains(t, err, "no items")

		_, err = readItems(writeFile(t, filepath.Join(dir, "bad.json"), `{"items": [`), nil)
		assert.ErrorContains(t, err, "failed to parse")
	})
}

func TestChainName(t *testing.T) {
	assert.Equal(t, "release", chainName("plans/release.yaml"))
	assert.Equal(t, "stdin", chainName("-"))
}

func TestShortError(t *testing.T) {
	assert.Equal(t, "first", shortError("  first\nsecond"))
	long := strings.Repeat("x", 300)
	assert.Len(t, shortError(long), maxErrorWidth)
}

func TestRenderReport(t *testing.T) {
	var b bytes.Buffer
	items := []*scheduler.WorkItem{
		{ID: "1", Title: "ok", Status: scheduler.StatusCompleted, Reference: "pr-1"},
		{ID: "2", Title: "bad", Status: scheduler.StatusFailed, Error: "timeout"},
	}
	renderReport(&b, &scheduler.Report{Items: items, Summary: scheduler.Summarize(items)})

	out := b.String()
	assert.Contains(t, out, "Batch run")
	assert.Contains(t, out, "pr-1")
	assert.Contains(t, out, "timeout")
	assert.Contains(t, out, "1 completed, 1 failed, 0 skipped of 2")
}

func TestStopMetricsLogsShutdownFailure(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err == nil {
			resp.Body.Close()
		}
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the handler")
	}

	core, logs := observer.New(zap.WarnLevel)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stopMetrics(ctx, srv, zap.New(core))

	entries := logs.FilterMessage("metrics server shutdown failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, context.Canceled.Error(), entries[0].ContextMap()["error"])
}
