package toolkit_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/toolkit"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	limit := time.Now().Add(deadline)
	for time.Now().Before(limit) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWatcher_LoadsExistingAndNewModules(t *testing.T) {
	h := newTestHost(t, nil)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "tes_analyzer.wasm"), emptyModule, 0o644); err != nil {
		t.Fatalf("write wasm: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := toolkit.NewWatcher(dir, h, logger)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return h.HasModule("tes_analyzer") })

	// A module dropped in later hot-loads too.
	if err := os.WriteFile(filepath.Join(dir, "pattern_synthesis.wasm"), emptyModule, 0o644); err != nil {
		t.Fatalf("write second wasm: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return h.HasModule("pattern_synthesis") })
}

func TestWatcher_IgnoresNonWASMFiles(t *testing.T) {
	h := newTestHost(t, nil)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := toolkit.NewWatcher(dir, h, logger)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if h.HasModule("README") {
		t.Fatal("non-wasm file was loaded")
	}
}
