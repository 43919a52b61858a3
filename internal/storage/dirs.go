package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoLocalDir means no configured local directory holds the requested path.
var ErrNoLocalDir = errors.New("no local directory found")

// DirAllocator hands out scratch paths under a set of local root directories.
type DirAllocator struct {
	fs   *LocalFS
	dirs []string
	next int
}

func NewDirAllocator(fs *LocalFS, dirs []string) *DirAllocator {
	return &DirAllocator{fs: fs, dirs: dirs}
}

// PathToRead returns the first existing <dir>/<name>.
func (a *DirAllocator) PathToRead(name string) (string, error) {
	for _, dir := range a.dirs {
		p := filepath.Join(dir, name)
		if _, err := a.fs.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %v", ErrNoLocalDir, name, a.dirs)
}

// PathForWrite picks a root able to hold name, rotating between usable roots.
func (a *DirAllocator) PathForWrite(name string) (string, error) {
	if len(a.dirs) == 0 {
		return "", fmt.Errorf("%w: no local dirs configured", ErrNoLocalDir)
	}
	var lastErr error
	for i := 0; i < len(a.dirs); i++ {
		dir := a.dirs[(a.next+i)%len(a.dirs)]
		if err := os.MkdirAll(dir, 0755); err != nil {
			lastErr = err
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			lastErr = fmt.Errorf("%s is not a directory", dir)
			continue
		}
		a.next = (a.next + i + 1) % len(a.dirs)
		return filepath.Join(dir, name), nil
	}
	return "", fmt.Errorf("no writable local dir for %s: %w", name, lastErr)
}

// ResolveDir returns an existing <dir>/<name> or creates one. Losing a
// creation race to another process is treated as success.
func (a *DirAllocator) ResolveDir(name string) (string, error) {
	p, err := a.PathToRead(name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNoLocalDir) {
		return "", err
	}

	p, err = a.PathForWrite(name)
	if err != nil {
		return "", err
	}
	if err := a.fs.Mkdir(p); err != nil {
		return "", fmt.Errorf("mkdirs failed to create %s: %w", p, err)
	}
	return p, nil
}
