package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is an append-only audit trail: one line per committed operation.
// The operation is already durable in the Store when Append runs, so an
// Append error is reported but never undoes it.
type Journal interface {
	Append(line string) error
}

type NopWAL struct{}

func NewNopWAL() *NopWAL                { return &NopWAL{} }
func (w *NopWAL) Append(_ string) error { return nil }

type FileWAL struct {
	mu    sync.Mutex
	f     *os.File
	lines uint64
}

func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.f, line); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	w.lines++
	return nil
}

// Lines returns how many lines this process appended
func (w *FileWAL) Lines() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

var _ Journal = (*NopWAL)(nil)
var _ Journal = (*FileWAL)(nil)
