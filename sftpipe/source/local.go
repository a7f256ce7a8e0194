package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/yargevad/filepathx"
)

// localFiles expands a file, directory or ** glob into dataset files in
// lexical order. Directories honor ignoreFile at their root; exclude
// patterns apply relative to the directory or the static glob prefix.
func localFiles(location, ignoreFile string, exclude []string) ([]file, error) {
	var (
		matches []string
		base    string
		err     error
	)

	switch {
	case strings.ContainsAny(location, "*?["):
		base = globBase(location)
		matches, err = filepathx.Glob(location)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", location, err)
		}
	default:
		fi, statErr := os.Stat(location)
		if statErr != nil {
			return nil, statErr
		}
		if !fi.IsDir() {
			return []file{localFile(location)}, nil
		}
		base = location
		matches, err = filepathx.Glob(filepath.Join(location, "**", "*"))
		if err != nil {
			return nil, err
		}
	}

	ignored, err := loadIgnore(base, ignoreFile, exclude)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, m := range matches {
		if !supported(m) {
			continue
		}
		if fi, err := os.Stat(m); err != nil || fi.IsDir() {
			continue
		}
		if ignored != nil {
			rel, err := filepath.Rel(base, m)
			if err == nil && ignored.MatchesPath(filepath.ToSlash(rel)) {
				continue
			}
		}
		paths = append(paths, m)
	}
	sort.Strings(paths)

	files := make([]file, len(paths))
	for i, p := range paths {
		files[i] = localFile(p)
	}
	return files, nil
}

func localFile(path string) file {
	return file{name: path, open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

// loadIgnore compiles the ignore file at dir together with extra patterns.
// It returns nil when there is nothing to ignore.
func loadIgnore(dir, ignoreFile string, extra []string) (*ignore.GitIgnore, error) {
	ignorePath := filepath.Join(dir, ignoreFile)
	if _, err := os.Stat(ignorePath); err == nil {
		ignored, err := ignore.CompileIgnoreFileAndLines(ignorePath, extra...)
		if err != nil {
			return nil, fmt.Errorf("error reading %s file: %w", ignoreFile, err)
		}
		return ignored, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error checking for %s file: %w", ignoreFile, err)
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return ignore.CompileIgnoreLines(extra...), nil
}

// globBase returns the directory part of a pattern before its first meta
// character
func globBase(pattern string) string {
	i := strings.IndexAny(pattern, "*?[")
	if i < 0 {
		return filepath.Dir(pattern)
	}
	dir := pattern[:i]
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return filepath.Clean(dir)
	}
	return filepath.Dir(dir)
}
