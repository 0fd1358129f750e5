package heartbeat

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultMaxBytes = 16 << 20

// Writer appends rows to the heartbeat ledger. Safe for concurrent use;
// every append is flushed and fsynced before returning.
type Writer struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	logger   *slog.Logger
	f        *os.File
	size     int64
}

// NewWriter opens (or creates) the ledger at path. A fresh file gets the
// header row immediately so readers never see a headerless ledger.
func NewWriter(path string, maxBytes int64, logger *slog.Logger) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{path: path, maxBytes: maxBytes, logger: logger}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open heartbeat ledger: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat heartbeat ledger: %w", err)
	}
	w.f = f
	w.size = info.Size()
	if w.size == 0 {
		if err := w.writeRecord(Columns); err != nil {
			return err
		}
	}
	return nil
}

// Append validates, writes and fsyncs one row, rotating first when the
// ledger has reached its size cap.
func (w *Writer) Append(row Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.New("heartbeat writer closed")
	}
	record, err := row.record()
	if err != nil {
		return err
	}
	if w.size >= w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	return w.writeRecord(record)
}

func (w *Writer) writeRecord(record []string) error {
	cw := csv.NewWriter(w.f)
	if err := cw.Write(record); err != nil {
		return fmt.Errorf("write heartbeat row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush heartbeat row: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync heartbeat ledger: %w", err)
	}
	if info, err := w.f.Stat(); err == nil {
		w.size = info.Size()
	}
	return nil
}

// rotate renames the full ledger aside with a date suffix and reopens a
// fresh file with its own header.
func (w *Writer) rotate() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close ledger for rotation: %w", err)
	}
	w.f = nil
	rotated := rotatedPath(w.path, time.Now().UTC())
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("rotate heartbeat ledger: %w", err)
	}
	w.logger.Info("rotated heartbeat ledger", "to", filepath.Base(rotated), "bytes", w.size)
	return w.open()
}

func rotatedPath(path string, now time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	stamp := now.Format("20060102-150405")
	candidate := fmt.Sprintf("%s-%s%s", base, stamp, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%s.%d%s", base, stamp, i, ext)
	}
}

// Path returns the ledger location the writer was opened with.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
