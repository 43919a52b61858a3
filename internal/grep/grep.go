// Package grep is a regex grep expressed as map and reduce functions: map
// emits (line, file) for matching lines, reduce lists the files of each line.
package grep

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

type Grep struct {
	re *regexp.Regexp
}

func New(pattern string) (*Grep, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return &Grep{re: re}, nil
}

func (g *Grep) Pattern() string { return g.re.String() }

// Map emits (line, filename) for a matching line.
func (g *Grep) Map(filename, line string, emit func(key, value string)) error {
	if g.re.MatchString(line) {
		emit(line, filename)
	}
	return nil
}

// Reduce renders the distinct files a line was found in and its hit count.
func (g *Grep) Reduce(line string, files []string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("line %q has no occurrences", line)
	}
	distinct := slices.Clone(files)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)
	return fmt.Sprintf("[%s] count=%d", strings.Join(distinct, ", "), len(files)), nil
}

// CollectFiles expands files and directories into the regular files below
// them, sorted.
func CollectFiles(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("no input paths")
	}
	var files []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read input %s: %w", root, err)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no input files under %v", paths)
	}
	slices.Sort(files)
	return files, nil
}
