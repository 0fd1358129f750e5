package toolkit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/toolkit"
)

// stubGates satisfies autonomy.Checker with one canned answer.
type stubGates struct {
	err error
}

func (s stubGates) AllowCapability(string) error                 { return s.err }
func (s stubGates) AllowPath(string) error                       { return s.err }
func (s stubGates) AllowHTTPURL(string) error                    { return s.err }
func (s stubGates) AllowServerTool(string, string, string) error { return s.err }
func (s stubGates) Version() string                              { return "gates-test" }

func (s stubGates) Mode() string {
	if s.err != nil {
		return "safe"
	}
	return "autonomous"
}

// Minimal valid WASM binary: magic + version, no sections.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestHost(t *testing.T, gateErr error) *toolkit.Host {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := toolkit.NewHost(context.Background(), toolkit.Config{
		Gates:  stubGates{err: gateErr},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new toolkit host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHost_LoadsModuleWithDefaultManifest(t *testing.T) {
	h := newTestHost(t, nil)

	path := filepath.Join(t.TempDir(), "tes_analyzer.wasm")
	if err := os.WriteFile(path, emptyModule, 0o644); err != nil {
		t.Fatalf("write wasm: %v", err)
	}
	if err := h.LoadModuleFromFile(context.Background(), path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !h.HasModule("tes_analyzer") {
		t.Fatal("module not registered under filename stem")
	}
	m, ok := h.Modules()["tes_analyzer"]
	if !ok || m.Entry != "analyze" {
		t.Errorf("manifest = %+v, want default entry analyze", m)
	}
}

func TestHost_SidecarManifestOverridesDefaults(t *testing.T) {
	h := newTestHost(t, nil)
	dir := t.TempDir()

	wasmPath := filepath.Join(dir, "pattern_synthesis.wasm")
	if err := os.WriteFile(wasmPath, emptyModule, 0o644); err != nil {
		t.Fatalf("write wasm: %v", err)
	}
	manifest := `{"name": "pattern_synthesis", "version": "0.3.0", "entry": "synthesize"}`
	if err := os.WriteFile(filepath.Join(dir, "pattern_synthesis.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if err := h.LoadModuleFromFile(context.Background(), wasmPath); err != nil {
		t.Fatalf("load: %v", err)
	}
	m := h.Modules()["pattern_synthesis"]
	if m.Version != "0.3.0" || m.Entry != "synthesize" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestHost_RejectsInvalidWASM(t *testing.T) {
	h := newTestHost(t, nil)

	path := filepath.Join(t.TempDir(), "garbage.wasm")
	if err := os.WriteFile(path, []byte("not wasm at all"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := h.LoadModuleFromFile(context.Background(), path); err == nil {
		t.Fatal("loading invalid wasm succeeded")
	}
}

func TestHost_AnalyzeRefusedInSafeMode(t *testing.T) {
	h := newTestHost(t, shared.ErrSafeMode)

	_, err := h.Analyze(context.Background(), "tes_analyzer", []byte(`{}`))
	if !errors.Is(err, shared.ErrSafeMode) {
		t.Fatalf("err = %v, want safe-mode refusal", err)
	}
}

func TestHost_AnalyzeUnknownModule(t *testing.T) {
	h := newTestHost(t, nil)

	_, err := h.Analyze(context.Background(), "phantom", []byte(`{}`))
	var fault *toolkit.Fault
	if !errors.As(err, &fault) || fault.Reason != toolkit.FaultModuleNotFound {
		t.Fatalf("err = %v, want %s", err, toolkit.FaultModuleNotFound)
	}
}

func TestHost_AnalyzeNeedsExports(t *testing.T) {
	h := newTestHost(t, nil)

	path := filepath.Join(t.TempDir(), "bare.wasm")
	if err := os.WriteFile(path, emptyModule, 0o644); err != nil {
		t.Fatalf("write wasm: %v", err)
	}
	if err := h.LoadModuleFromFile(context.Background(), path); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := h.Analyze(context.Background(), "bare", []byte(`{}`))
	var fault *toolkit.Fault
	if !errors.As(err, &fault) || fault.Reason != toolkit.FaultNoExport {
		t.Fatalf("err = %v, want %s", err, toolkit.FaultNoExport)
	}
}

func TestDiscoverModules(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.wasm", "b.wasm", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	modules, err := toolkit.DiscoverModules(dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(modules) != 2 {
		t.Errorf("found %d modules, want 2", len(modules))
	}
}
