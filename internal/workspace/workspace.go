// Package workspace is the sandboxed area leased work may touch. Every
// path is confined under the station's workspace/ root with symlink
// resolution, mutations pass the workspace.write gate, and each
// Workspace instance accounts the files and bytes it changed so the
// overseer can report the footprint in heartbeat rows. Cycles that run
// concurrently open their own instance over the shared root; accounting
// is per instance.
package workspace

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
)

const (
	maxReadBytes   = 1 * 1024 * 1024 // 1 MB
	maxWriteBytes  = 4 * 1024 * 1024 // 4 MB
	maxListEntries = 500
	maxSearchDepth = 6
	maxSearchHits  = 100
)

// Entry describes a single directory entry.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// SearchHit describes a single search match.
type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// ChangeSet sums what one accounting window touched: workspace-relative
// paths and the byte footprint written.
type ChangeSet struct {
	Files []string `json:"files"`
	Bytes int64    `json:"bytes"`
}

// Count returns how many files the window touched.
func (c ChangeSet) Count() int { return len(c.Files) }

// Change is one requested mutation in an Apply batch.
type Change struct {
	Op      string `json:"op"` // write | edit | append | delete
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`  // write, append
	OldText string `json:"old_text,omitempty"` // edit
	NewText string `json:"new_text,omitempty"` // edit
}

// Workspace is a sandboxed file surface rooted at the station's
// workspace directory.
type Workspace struct {
	root  string
	gates autonomy.Checker

	mu      sync.Mutex
	touched map[string]int64 // rel path -> bytes written
}

// New creates a Workspace over root, creating the directory if needed.
// The root is symlink-resolved once so later escapes cannot ride on it.
func New(root string, gates autonomy.Checker) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: eval symlinks on root: %w", err)
	}
	return &Workspace{
		root:    resolved,
		gates:   gates,
		touched: make(map[string]int64),
	}, nil
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string { return w.root }

// Changes snapshots this instance's accounting window: files sorted,
// bytes totalled.
func (w *Workspace) Changes() ChangeSet {
	w.mu.Lock()
	defer w.mu.Unlock()
	cs := ChangeSet{Files: make([]string, 0, len(w.touched))}
	for rel, n := range w.touched {
		cs.Files = append(cs.Files, rel)
		cs.Bytes += n
	}
	sort.Strings(cs.Files)
	return cs
}

func (w *Workspace) note(rel string, n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touched[rel] += n
}

// resolve confines path to the workspace root. Relative paths join the
// root; absolute paths must already live under it. Symlinks are
// resolved (walking up to the deepest existing ancestor for paths that
// do not exist yet) before the containment check.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: empty path")
	}

	cleaned := filepath.Clean(path)
	full := cleaned
	if !filepath.IsAbs(cleaned) {
		full = filepath.Join(w.root, cleaned)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("workspace: resolve symlinks: %w", err)
		}
	}

	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path traversal blocked: %s", path)
	}
	return resolved, nil
}

// evalSymlinksPartial walks up from abs until it finds an existing
// ancestor, resolves symlinks there, then re-appends the missing
// segments.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

func (w *Workspace) rel(resolved string) string {
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return resolved
	}
	return rel
}

// allowWrite runs the workspace.write gate plus the gates path rules.
// Refusals are audited.
func (w *Workspace) allowWrite(resolved string) error {
	if err := w.gates.AllowCapability(autonomy.CapWorkspaceWrite); err != nil {
		audit.Record("deny", autonomy.CapWorkspaceWrite, "missing_capability", w.gates.Version(), w.rel(resolved))
		return err
	}
	if err := w.gates.AllowPath(resolved); err != nil {
		audit.Record("deny", autonomy.CapWorkspaceWrite, "path_denied", w.gates.Version(), w.rel(resolved))
		return err
	}
	return nil
}

// Read returns a file's contents, capped at 1 MB.
func (w *Workspace) Read(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("workspace: %s is a directory", w.rel(resolved))
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("workspace: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: read: %w", err)
	}
	return string(data), nil
}

// Write stores content atomically (temp file in the target directory,
// then rename), creating parents as needed.
func (w *Workspace) Write(path, content string) error {
	if len(content) > maxWriteBytes {
		return fmt.Errorf("workspace: content too large: %d bytes (max %d)", len(content), maxWriteBytes)
	}
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := w.allowWrite(resolved); err != nil {
		return err
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ws-*.tmp")
	if err != nil {
		return fmt.Errorf("workspace: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("workspace: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("workspace: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("workspace: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("workspace: rename: %w", err)
	}

	w.note(w.rel(resolved), int64(len(content)))
	return nil
}

// Edit replaces oldText with newText in a file. The oldText must appear
// exactly once; ambiguous or missing matches refuse rather than guess.
func (w *Workspace) Edit(path, oldText, newText string) error {
	if oldText == "" {
		return fmt.Errorf("workspace: empty old text")
	}
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := w.allowWrite(resolved); err != nil {
		return err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("workspace: read for edit: %w", err)
	}
	content := string(data)
	switch count := strings.Count(content, oldText); {
	case count == 0:
		return fmt.Errorf("workspace: old text not found in %s", w.rel(resolved))
	case count > 1:
		return fmt.Errorf("workspace: old text appears %d times in %s (must be unique)", count, w.rel(resolved))
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if len(updated) > maxWriteBytes {
		return fmt.Errorf("workspace: edited content too large: %d bytes (max %d)", len(updated), maxWriteBytes)
	}

	tmp := resolved + ".tmp"
	if err := os.WriteFile(tmp, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("workspace: write temp: %w", err)
	}
	if err := os.Rename(tmp, resolved); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("workspace: rename: %w", err)
	}

	w.note(w.rel(resolved), int64(len(updated)))
	return nil
}

// Append adds content to the end of a file, creating it if absent.
func (w *Workspace) Append(path, content string) error {
	if len(content) > maxWriteBytes {
		return fmt.Errorf("workspace: content too large: %d bytes (max %d)", len(content), maxWriteBytes)
	}
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := w.allowWrite(resolved); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: open append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("workspace: append: %w", err)
	}

	w.note(w.rel(resolved), int64(len(content)))
	return nil
}

// Delete removes a single file. Directories are refused.
func (w *Workspace) Delete(path string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := w.allowWrite(resolved); err != nil {
		return err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("workspace: cannot delete directory %s", w.rel(resolved))
	}
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("workspace: remove: %w", err)
	}

	w.note(w.rel(resolved), 0)
	return nil
}

// List returns directory entries, capped at 500.
func (w *Workspace) List(dir string) ([]Entry, error) {
	resolved, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: read dir: %w", err)
	}

	var out []Entry
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		out = append(out, Entry{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
			Size:  size,
		})
	}
	return out, nil
}

// Search runs a case-insensitive substring search over the workspace's
// text files: up to 6 levels deep, binary files skipped, at most 100
// hits.
func (w *Workspace) Search(query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("workspace: empty search query")
	}

	lowered := strings.ToLower(query)
	var hits []SearchHit

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}

		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if d.IsDir() {
			if depth > maxSearchDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth > maxSearchDepth {
			return nil
		}
		if info, infoErr := d.Info(); infoErr != nil || info.Size() > maxReadBytes {
			return nil
		}

		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !utf8.ValidString(line) {
				return nil // binary-looking file, skip entirely
			}
			if strings.Contains(strings.ToLower(line), lowered) {
				hits = append(hits, SearchHit{
					Path:    rel,
					Line:    lineNum,
					Content: clip(line, 200),
				})
				if len(hits) >= maxSearchHits {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: search walk: %w", err)
	}
	return hits, nil
}

// Apply runs a batch of changes in order. The whole batch is refused up
// front when the workspace.write gate says no; a mid-batch failure
// stops there (no rollback — the cycle reports failed and the change
// set says what landed). Returns this instance's accumulated changes.
func (w *Workspace) Apply(ctx context.Context, changes []Change) (ChangeSet, error) {
	if err := w.gates.AllowCapability(autonomy.CapWorkspaceWrite); err != nil {
		audit.Record("deny", autonomy.CapWorkspaceWrite, "missing_capability", w.gates.Version(), fmt.Sprintf("%d change(s)", len(changes)))
		return w.Changes(), err
	}

	for i, c := range changes {
		if err := ctx.Err(); err != nil {
			return w.Changes(), err
		}
		var err error
		switch c.Op {
		case "write":
			err = w.Write(c.Path, c.Content)
		case "edit":
			err = w.Edit(c.Path, c.OldText, c.NewText)
		case "append":
			err = w.Append(c.Path, c.Content)
		case "delete":
			err = w.Delete(c.Path)
		default:
			err = fmt.Errorf("workspace: unknown change op %q", c.Op)
		}
		if err != nil {
			return w.Changes(), fmt.Errorf("apply change %d (%s %s): %w", i, c.Op, c.Path, err)
		}
	}
	return w.Changes(), nil
}

// clip shortens s to at most maxLen bytes.
func clip(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
