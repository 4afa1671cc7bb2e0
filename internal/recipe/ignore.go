package recipe

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DockerignoreFile is read from the root of the build context.
const DockerignoreFile = ".dockerignore"

// LoadDockerignore returns the patterns in dir/.dockerignore, relative to
// dir. Negated patterns are not supported and are dropped. A missing file
// yields no patterns.
func LoadDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, DockerignoreFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		p := path.Clean(strings.TrimPrefix(filepath.ToSlash(line), "/"))
		if p == "." {
			continue
		}
		out = append(out, p)
	}
	return out, sc.Err()
}

// rebasePatterns turns context-relative patterns into patterns relative to
// the source directory. Patterns outside source are dropped; leading "**"
// patterns apply at any depth and are kept.
func rebasePatterns(patterns []string, source string) []string {
	source = path.Clean(filepath.ToSlash(source))
	if source == "." {
		return patterns
	}
	var out []string
	for _, p := range patterns {
		switch {
		case strings.HasPrefix(p, source+"/"):
			out = append(out, strings.TrimPrefix(p, source+"/"))
		case strings.HasPrefix(p, "**"):
			out = append(out, p)
		}
	}
	return out
}

// pathPatterns returns literal patterns for the host paths that lie under
// src, such as the output tarball or the cache directory.
func pathPatterns(src string, paths []string) []string {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return nil
	}
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absSrc, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, glob.QuoteMeta(filepath.ToSlash(rel)))
	}
	return out
}
