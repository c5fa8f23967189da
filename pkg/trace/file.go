package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by Export after Close.
var ErrClosed = errors.New("trace: exporter closed")

// FileExporter appends records to a JSON Lines file and rotates it by
// size: path.1 is the newest rotated file, path.N the oldest kept.
type FileExporter struct {
	path     string
	maxSize  int64
	maxFiles int

	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	closed bool
}

// Option configures a FileExporter.
type Option func(*FileExporter)

// WithMaxSize sets the size that triggers rotation (default 10MB).
func WithMaxSize(bytes int64) Option {
	return func(f *FileExporter) { f.maxSize = bytes }
}

// WithMaxFiles sets how many rotated files are kept (default 5).
func WithMaxFiles(n int) Option {
	return func(f *FileExporter) { f.maxFiles = n }
}

// NewFileExporter opens path for appending. An empty path returns a
// NoopExporter.
func NewFileExporter(path string, opts ...Option) (Exporter, error) {
	if path == "" {
		return NoopExporter{}, nil
	}
	f := &FileExporter{path: path, maxSize: 10 << 20, maxFiles: 5}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxFiles < 1 {
		f.maxFiles = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileExporter) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	f.file = file
	f.enc = json.NewEncoder(file)
	return nil
}

// Export writes record as one line and rotates when the file has grown
// past the size limit.
func (f *FileExporter) Export(_ context.Context, record *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if err := f.enc.Encode(record); err != nil {
		return fmt.Errorf("failed to write trace record: %w", err)
	}

	info, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat trace file: %w", err)
	}
	if info.Size() < f.maxSize {
		return nil
	}
	return f.rotate()
}

// rotate shifts path.N-1 to path.N down to path to path.1 and reopens an
// empty file. The caller holds the lock.
func (f *FileExporter) rotate() error {
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}

	oldest := fmt.Sprintf("%s.%d", f.path, f.maxFiles)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to drop %s: %w", oldest, err)
	}
	for i := f.maxFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", f.path, i)
		to := fmt.Sprintf("%s.%d", f.path, i+1)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to shift %s: %w", from, err)
		}
	}
	if err := os.Rename(f.path, f.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate trace file: %w", err)
	}
	return f.open()
}

// Close syncs and closes the file. Closing twice is a no-op.
func (f *FileExporter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return f.file.Close()
}
