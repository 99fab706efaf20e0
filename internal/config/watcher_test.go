package config_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/balcao/internal/config"
)

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	// Explicit mtimes keep the test independent of filesystem timestamp
	// resolution.
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange,
		config.WithInterval(10*time.Millisecond),
		config.WithWatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, minimalYAML, time.Now())

	w := startWatcher(t, path, nil)
	if cfg := w.Current(); cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML, time.Now())
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_ReloadsAndKeepsLastGood(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeFile(t, path, minimalYAML, base)

	changes := make(chan config.ConfigDiff, 4)
	w := startWatcher(t, path, func(old, new *config.Config) {
		changes <- config.Diff(old, new)
	})

	// A broken edit is ignored.
	writeFile(t, path, watcherInvalidYAML, base.Add(time.Minute))
	select {
	case d := <-changes:
		t.Fatalf("invalid file triggered onChange: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Fatal("invalid edit replaced the current configuration")
	}

	// A valid edit is applied.
	writeFile(t, path, minimalYAML+"admission:\n  max_cpu_percent: 60\n", base.Add(2*time.Minute))
	select {
	case d := <-changes:
		if !d.AdmissionChanged {
			t.Errorf("diff = %+v, want AdmissionChanged", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}
	if got := w.Current().Admission.MaxCPU; got != 60 {
		t.Errorf("Current().Admission.MaxCPU = %v, want 60", got)
	}

	// Touching without a content change does not fire.
	writeFile(t, path, minimalYAML+"admission:\n  max_cpu_percent: 60\n", base.Add(3*time.Minute))
	select {
	case d := <-changes:
		t.Fatalf("touch triggered onChange: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_ReloadForcesRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	mtime := time.Now().Add(-time.Hour)
	writeFile(t, path, minimalYAML, mtime)

	changes := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(prev, next *config.Config) { changes <- struct{}{} },
		config.WithInterval(time.Hour),
		config.WithWatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Same mtime, so polling alone would never notice the edit.
	writeFile(t, path, minimalYAML+"admission:\n  max_cpu_percent: 70\n", mtime)
	w.Reload()
	w.Reload()
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("Reload did not apply the edit")
	}
	if got := w.Current().Admission.MaxCPU; got != 70 {
		t.Errorf("MaxCPU = %v, want 70", got)
	}
	if got := w.Version(); got != 2 {
		t.Errorf("Version() = %d, want 2", got)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, minimalYAML, time.Now())
	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}
