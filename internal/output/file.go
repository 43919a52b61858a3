// Package output provides a directory-backed attempt output. Records are
// written under <dir>/_temporary/<attempt>/ and published to <dir> by an
// atomic rename on commit.
package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"DistCommit/internal/storage"
	"DistCommit/internal/types"
)

const TemporaryDir = "_temporary"

// TaskContext is what the legacy committer path receives on abort.
type TaskContext interface {
	AttemptID() types.AttemptID
}

// Committer is the legacy output-committer surface used on task cleanup.
type Committer interface {
	AbortTask(ctx context.Context, tc TaskContext) error
}

// RecordWriter writes key/value records to the attempt output.
type RecordWriter interface {
	Write(key, value string) error
	Close() error
}

// FileOutput is a file output of one attempt.
type FileOutput struct {
	fs       *storage.LocalFS
	dir      string
	attempt  types.AttemptID
	mu       sync.Mutex
	writers  []*lineWriter
	finished bool
}

func NewFileOutput(fs *storage.LocalFS, dir string, attempt types.AttemptID) *FileOutput {
	return &FileOutput{fs: fs, dir: dir, attempt: attempt}
}

// Dir is the final output directory.
func (o *FileOutput) Dir() string { return o.dir }

// WorkDir is the attempt-private staging directory.
func (o *FileOutput) WorkDir() string {
	return attemptDir(o.dir, o.attempt)
}

func attemptDir(dir string, attempt types.AttemptID) string {
	return filepath.Join(dir, TemporaryDir, attempt.String())
}

// Writer opens the task's partition file for writing.
func (o *FileOutput) Writer() (RecordWriter, error) {
	return o.NamedWriter(o.attempt.Task.OutputName())
}

// NamedWriter opens an additional file in the staging directory.
func (o *FileOutput) NamedWriter(name string) (RecordWriter, error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid output name %q", name)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return nil, errors.New("output already committed or aborted")
	}

	wc, err := o.fs.Create(filepath.Join(o.WorkDir(), name))
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", name, err)
	}
	w := &lineWriter{wc: wc, buf: bufio.NewWriter(wc)}
	o.writers = append(o.writers, w)
	return w, nil
}

// IsCommitRequired reports whether the attempt staged any output file.
func (o *FileOutput) IsCommitRequired() bool {
	entries, err := o.fs.ReadDir(o.WorkDir())
	return err == nil && len(entries) > 0
}

func (o *FileOutput) closeWriters() error {
	var errs []error
	for _, w := range o.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.writers = nil
	return errors.Join(errs...)
}

// Commit publishes every staged file into the output directory.
func (o *FileOutput) Commit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return errors.New("output already committed or aborted")
	}

	if err := o.closeWriters(); err != nil {
		return fmt.Errorf("failed to close output writers: %w", err)
	}

	work := o.WorkDir()
	entries, err := o.fs.ReadDir(work)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", work, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := o.fs.Rename(filepath.Join(work, e.Name()), filepath.Join(o.dir, e.Name())); err != nil {
			return err
		}
	}
	if err := o.fs.RemoveAll(work); err != nil {
		return fmt.Errorf("failed to remove %s: %w", work, err)
	}
	o.finished = true
	return nil
}

// Abort discards everything the attempt staged.
func (o *FileOutput) Abort(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	closeErr := o.closeWriters()
	o.finished = true
	if err := o.fs.RemoveAll(o.WorkDir()); err != nil {
		return fmt.Errorf("failed to remove %s: %w", o.WorkDir(), err)
	}
	return closeErr
}

// FileCommitter aborts attempts of a FileOutput rooted at Dir.
type FileCommitter struct {
	FS  *storage.LocalFS
	Dir string
}

func (c *FileCommitter) AbortTask(ctx context.Context, tc TaskContext) error {
	if tc == nil {
		return errors.New("task context is required")
	}
	return c.FS.RemoveAll(attemptDir(c.Dir, tc.AttemptID()))
}

type lineWriter struct {
	mu     sync.Mutex
	wc     io.WriteCloser
	buf    *bufio.Writer
	closed bool
}

func (w *lineWriter) Write(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("writer closed")
	}
	if _, err := w.buf.WriteString(key); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\t'); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(value); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.wc.Close()
		return err
	}
	return w.wc.Close()
}
