package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/shared"
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

func newTestWorkspace(t *testing.T, gateErr error) *Workspace {
	t.Helper()
	ws, err := New(filepath.Join(t.TempDir(), "workspace"), stubGates{err: gateErr})
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return ws
}

func TestWorkspace_WriteReadRoundTrip(t *testing.T) {
	ws := newTestWorkspace(t, nil)

	content := "duty log opened\nline two\n"
	if err := ws.Write("notes/duty.md", content); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ws.Read("notes/duty.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != content {
		t.Errorf("read mismatch: got %q want %q", got, content)
	}

	// Overwrite replaces atomically.
	if err := ws.Write("notes/duty.md", "replaced"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = ws.Read("notes/duty.md")
	if err != nil {
		t.Fatalf("read after overwrite: %v", err)
	}
	if got != "replaced" {
		t.Errorf("expected replaced content, got %q", got)
	}
}

func TestWorkspace_PathTraversalBlocked(t *testing.T) {
	ws := newTestWorkspace(t, nil)

	for _, p := range []string{
		"../etc/passwd",
		"../../etc/shadow",
		"foo/../../..",
		"/etc/passwd",
	} {
		if err := ws.Write(p, "evil"); err == nil {
			t.Errorf("Write(%q) should have been blocked", p)
		}
		if _, err := ws.Read(p); err == nil {
			t.Errorf("Read(%q) should have been blocked", p)
		}
	}

	if err := ws.Write("safe/file.txt", "ok"); err != nil {
		t.Fatalf("safe write failed: %v", err)
	}
}

func TestWorkspace_SymlinkEscapeBlocked(t *testing.T) {
	ws := newTestWorkspace(t, nil)

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(ws.Root(), "escape")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	if _, err := ws.Read("escape/secret.txt"); err == nil {
		t.Fatal("read through symlink escape should have been blocked")
	} else if !strings.Contains(err.Error(), "traversal") {
		t.Errorf("expected traversal error, got %v", err)
	}
	if err := ws.Write("escape/planted.txt", "x"); err == nil {
		t.Fatal("write through symlink escape should have been blocked")
	}
}

func TestWorkspace_MutationsRefusedByGates(t *testing.T) {
	ws := newTestWorkspace(t, shared.ErrSafeMode)

	// Seed a file directly so reads have something to find.
	if err := os.WriteFile(filepath.Join(ws.Root(), "present.txt"), []byte("here"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := ws.Write("denied.txt", "x"); !errors.Is(err, shared.ErrSafeMode) {
		t.Errorf("write: expected safe mode refusal, got %v", err)
	}
	if err := ws.Edit("present.txt", "here", "there"); !errors.Is(err, shared.ErrSafeMode) {
		t.Errorf("edit: expected safe mode refusal, got %v", err)
	}
	if err := ws.Delete("present.txt"); !errors.Is(err, shared.ErrSafeMode) {
		t.Errorf("delete: expected safe mode refusal, got %v", err)
	}

	// Reads stay open; only mutations are gated.
	if _, err := ws.Read("present.txt"); err != nil {
		t.Errorf("read should not be gated: %v", err)
	}
	if got := ws.Changes(); got.Count() != 0 || got.Bytes != 0 {
		t.Errorf("refused mutations were accounted: %+v", got)
	}
}

func TestWorkspace_EditRequiresUniqueMatch(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	if err := ws.Write("config.txt", "mode: safe\nmode: safe\nquorum: 2\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := ws.Edit("config.txt", "mode: safe", "mode: autonomous"); err == nil {
		t.Fatal("ambiguous edit should have been refused")
	} else if !strings.Contains(err.Error(), "must be unique") {
		t.Errorf("unexpected ambiguity error: %v", err)
	}
	if err := ws.Edit("config.txt", "warp: 9", "warp: 10"); err == nil {
		t.Fatal("edit of missing text should have failed")
	}

	if err := ws.Edit("config.txt", "quorum: 2", "quorum: 3"); err != nil {
		t.Fatalf("unique edit: %v", err)
	}
	got, err := ws.Read("config.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(got, "quorum: 3") {
		t.Errorf("edit did not land: %q", got)
	}
}

func TestWorkspace_ChangesAccounting(t *testing.T) {
	ws := newTestWorkspace(t, nil)

	if err := ws.Write("b.txt", "22"); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if err := ws.Write("a.txt", "1"); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := ws.Append("a.txt", "11"); err != nil {
		t.Fatalf("append a: %v", err)
	}

	got := ws.Changes()
	if got.Count() != 2 {
		t.Fatalf("expected 2 files touched, got %d (%v)", got.Count(), got.Files)
	}
	if got.Files[0] != "a.txt" || got.Files[1] != "b.txt" {
		t.Errorf("expected sorted files [a.txt b.txt], got %v", got.Files)
	}
	if got.Bytes != 5 {
		t.Errorf("expected 5 bytes footprint, got %d", got.Bytes)
	}

	// A fresh instance over the same root starts a clean window.
	fresh, err := New(ws.Root(), stubGates{})
	if err != nil {
		t.Fatalf("reopen workspace: %v", err)
	}
	if got := fresh.Changes(); got.Count() != 0 {
		t.Errorf("fresh instance inherited accounting: %+v", got)
	}
}

func TestWorkspace_ApplyBatch(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	ctx := context.Background()

	cs, err := ws.Apply(ctx, []Change{
		{Op: "write", Path: "report.md", Content: "status: green\n"},
		{Op: "append", Path: "report.md", Content: "crew: 4\n"},
		{Op: "edit", Path: "report.md", OldText: "green", NewText: "amber"},
		{Op: "write", Path: "tmp.txt", Content: "scratch"},
		{Op: "delete", Path: "tmp.txt"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cs.Count() != 2 {
		t.Errorf("expected 2 files in change set, got %v", cs.Files)
	}

	got, err := ws.Read("report.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "status: amber\ncrew: 4\n" {
		t.Errorf("unexpected final content %q", got)
	}
	if _, err := ws.Read("tmp.txt"); err == nil {
		t.Error("deleted file still readable")
	}

	if _, err := ws.Apply(ctx, []Change{{Op: "transmute", Path: "x"}}); err == nil {
		t.Error("unknown op should fail")
	}
}

func TestWorkspace_ApplyStopsAtFirstFailure(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	ctx := context.Background()

	_, err := ws.Apply(ctx, []Change{
		{Op: "write", Path: "kept.txt", Content: "stays"},
		{Op: "edit", Path: "missing.txt", OldText: "a", NewText: "b"},
		{Op: "write", Path: "never.txt", Content: "unreached"},
	})
	if err == nil {
		t.Fatal("expected mid-batch failure")
	}
	if _, readErr := ws.Read("kept.txt"); readErr != nil {
		t.Errorf("change before the failure should persist: %v", readErr)
	}
	if _, readErr := ws.Read("never.txt"); readErr == nil {
		t.Error("change after the failure should not have run")
	}
}

func TestWorkspace_ListAndSearch(t *testing.T) {
	ws := newTestWorkspace(t, nil)

	if err := ws.Write("alpha.txt", "the quick brown fox\n"); err != nil {
		t.Fatalf("write alpha: %v", err)
	}
	if err := ws.Write("sub/beta.txt", "nothing here\nthe QUICK fox again\n"); err != nil {
		t.Fatalf("write beta: %v", err)
	}

	entries, err := ws.List(".")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["alpha.txt"] || !names["sub"] {
		t.Errorf("expected alpha.txt and sub in listing, got %v", entries)
	}

	hits, err := ws.Search("quick")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	paths := map[string]bool{}
	for _, h := range hits {
		paths[h.Path] = true
		if h.Line < 1 {
			t.Errorf("hit line should be >= 1: %+v", h)
		}
	}
	if !paths["alpha.txt"] || !paths[filepath.Join("sub", "beta.txt")] {
		t.Errorf("unexpected hit paths: %v", paths)
	}
}

func TestWorkspace_ReadCapsSize(t *testing.T) {
	ws := newTestWorkspace(t, nil)

	big := make([]byte, maxReadBytes+1)
	if err := os.WriteFile(filepath.Join(ws.Root(), "big.bin"), big, 0o644); err != nil {
		t.Fatalf("seed big file: %v", err)
	}
	if _, err := ws.Read("big.bin"); err == nil {
		t.Fatal("oversized read should have been refused")
	} else if !strings.Contains(err.Error(), "too large") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWorkspace_DeleteRefusesDirectories(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	if err := ws.Write("dir/file.txt", "x"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.Delete("dir"); err == nil {
		t.Fatal("directory delete should have been refused")
	}
	if err := ws.Delete("dir/file.txt"); err != nil {
		t.Fatalf("file delete: %v", err)
	}
}
