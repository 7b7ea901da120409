package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/piwardrive/piwardrive/internal/config"
	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/health"
	"github.com/piwardrive/piwardrive/internal/scheduler"
	"github.com/piwardrive/piwardrive/internal/store"
	"github.com/piwardrive/piwardrive/internal/taskqueue"
)

// setHome points PW_HOME at a fresh directory, optionally seeding config.json.
func setHome(t *testing.T, configJSON string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PW_HOME", home)
	if configJSON != "" {
		if err := os.WriteFile(filepath.Join(home, "config.json"), []byte(configJSON), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func seedHealth(t *testing.T, home string, n int) {
	t.Helper()
	st, err := store.Open(filepath.Join(home, "state.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	for i := 1; i <= n; i++ {
		rec := store.HealthRecord{Timestamp: fmt.Sprintf("2026-08-24T10:00:%02dZ", i)}
		if err := st.SaveHealth(rec); err != nil {
			t.Fatalf("save health: %v", err)
		}
	}
	if err := st.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestSyncRequiresDestination(t *testing.T) {
	setHome(t, "")
	err := runSync(nil)
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("kind = %v, want validation", errs.KindOf(err))
	}
}

func TestSyncDrainsBacklogThenStops(t *testing.T) {
	var uploads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	home := setHome(t, fmt.Sprintf(`{"remote_sync_url": %q, "remote_sync_batch_max": 2}`, srv.URL))
	seedHealth(t, home, 5)

	if err := runSync(nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// 5 rows in batches of 2 drain in three uploads.
	if got := uploads.Load(); got != 3 {
		t.Fatalf("uploads = %d, want 3", got)
	}

	// -once sends a single batch even with a multi-batch backlog.
	seedHealth(t, home, 4)
	if err := runSync([]string{"-once"}); err != nil {
		t.Fatalf("sync -once: %v", err)
	}
	if got := uploads.Load(); got != 4 {
		t.Fatalf("uploads after -once = %d, want 4", got)
	}
}

func TestTilesRequiresKnownSubcommand(t *testing.T) {
	setHome(t, "")
	if err := runTiles(nil); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("no subcommand: kind = %v, want validation", errs.KindOf(err))
	}
	if err := runTiles([]string{"shrink"}); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("unknown subcommand: kind = %v, want validation", errs.KindOf(err))
	}
	if err := runTiles([]string{"prefetch"}); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("prefetch without -bbox: kind = %v, want validation", errs.KindOf(err))
	}
}

func TestExportLogsWritesTail(t *testing.T) {
	home := setHome(t, "")
	logPath := filepath.Join(home, "app.log")
	content := "one\ntwo\nthree\nfour\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	var uploaded atomic.Pointer[string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read upload: %v", err)
		}
		s := string(body)
		uploaded.Store(&s)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outPath := filepath.Join(home, "export.txt")
	err := runExportLogs([]string{
		"-path", logPath, "-n", "2", "-output", outPath, "-upload", srv.URL,
	})
	if err != nil {
		t.Fatalf("export-logs: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "three\nfour\n"
	if string(got) != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if up := uploaded.Load(); up == nil || *up != want {
		t.Fatalf("uploaded = %v, want %q", up, want)
	}
}

func TestExportLogsValidation(t *testing.T) {
	home := setHome(t, `{"log_paths": []}`)

	err := runExportLogs([]string{"-n", "0", "-path", "x"})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("zero lines: kind = %v, want validation", errs.KindOf(err))
	}

	// No -path and nothing configured.
	err = runExportLogs([]string{"-output", filepath.Join(home, "out.txt")})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("no log paths: kind = %v, want validation", errs.KindOf(err))
	}
}

func TestExportLogsRejectedUploadIsPermanent(t *testing.T) {
	home := setHome(t, "")
	logPath := filepath.Join(home, "app.log")
	if err := os.WriteFile(logPath, []byte("line\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := runExportLogs([]string{
		"-path", logPath, "-output", filepath.Join(home, "out.txt"), "-upload", srv.URL,
	})
	if errs.KindOf(err) != errs.KindPermanentProtocol {
		t.Fatalf("kind = %v, want permanent protocol", errs.KindOf(err))
	}
}

func TestRegisterJobsIncludesStoreVacuum(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	runtime := &atomic.Pointer[config.Config]{}
	runtime.Store(config.NewDefaultConfig())
	q := taskqueue.New(taskqueue.Options{
		Name:    "polls",
		Metrics: taskqueue.NewMetrics(prometheus.NewRegistry()),
	})
	t.Cleanup(func() { q.Shutdown(time.Second) })

	app := &appRuntime{
		envCfg:     &config.EnvConfig{},
		runtimeCfg: runtime,
		store:      st,
		queue:      q,
		sched:      scheduler.New(q),
		collector: health.NewCollector(health.Options{
			Config: func() *config.Config { return runtime.Load() },
		}),
	}
	t.Cleanup(app.sched.Stop)

	if err := app.registerJobs(); err != nil {
		t.Fatalf("register jobs: %v", err)
	}

	var names []string
	for _, js := range app.sched.Status() {
		names = append(names, js.Name)
	}
	found := false
	for _, n := range names {
		if n == jobStoreVacuum {
			found = true
		}
	}
	if !found {
		t.Fatalf("jobs = %v, missing %s", names, jobStoreVacuum)
	}
}
