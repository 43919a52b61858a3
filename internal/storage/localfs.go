package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const SchemeFile = "file"

// LocalFS is the local filesystem with I/O accounted into a Statistics entry
// of the "file" scheme.
type LocalFS struct {
	stats *Statistics
}

func NewLocalFS(reg *Registry) *LocalFS {
	return &LocalFS{stats: reg.Statistics(SchemeFile, "LocalFS")}
}

func (fs *LocalFS) Statistics() *Statistics {
	return fs.stats
}

type countingReader struct {
	f     *os.File
	stats *Statistics
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	r.stats.IncrementBytesRead(int64(n))
	return n, err
}

func (r *countingReader) Close() error {
	return r.f.Close()
}

type countingWriter struct {
	f     *os.File
	stats *Statistics
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.stats.IncrementBytesWritten(int64(n))
	return n, err
}

// Close syncs before closing so a later rename publishes durable content.
func (w *countingWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to sync %s: %w", w.f.Name(), err)
	}
	return w.f.Close()
}

func (fs *LocalFS) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fs.stats.IncrementReadOps(1)
	return &countingReader{f: f, stats: fs.stats}, nil
}

// Create creates or truncates path, creating parent directories as needed.
func (fs *LocalFS) Create(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent of %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	fs.stats.IncrementWriteOps(1)
	return &countingWriter{f: f, stats: fs.stats}, nil
}

func (fs *LocalFS) ReadDir(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	fs.stats.IncrementLargeReadOps(1)
	return entries, nil
}

func (fs *LocalFS) Stat(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err == nil {
		fs.stats.IncrementReadOps(1)
	}
	return info, err
}

func (fs *LocalFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Rename moves src onto dst, replacing a pre-existing dst file.
func (fs *LocalFS) Rename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dst, err)
	}
	err := os.Rename(src, dst)
	if err != nil {
		// Some platforms refuse to rename over an existing file.
		if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
		}
		if err = os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
		}
	}
	fs.stats.IncrementWriteOps(1)
	return nil
}

func (fs *LocalFS) RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	fs.stats.IncrementWriteOps(1)
	return nil
}

// Mkdir creates a single directory. A directory that already exists, for
// example because a concurrent creator won the race, is not an error.
func (fs *LocalFS) Mkdir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	err := os.Mkdir(path, 0755)
	if err != nil && errors.Is(err, os.ErrExist) {
		info, statErr := os.Stat(path)
		if statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("%s exists and is not a directory", path)
	}
	if err == nil {
		fs.stats.IncrementWriteOps(1)
	}
	return err
}
