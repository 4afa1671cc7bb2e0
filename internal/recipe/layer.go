package recipe

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// matchers compiles exclude patterns; '/' separates path segments so
// "*.pyc" stays within a directory and "**" crosses them.
func matchers(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(rel string, globs []glob.Glob) bool {
	for _, g := range globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// DirLayer tars src so that its contents appear under dest in the image.
// Entries are sorted, timestamps are zeroed and ownership is root, so the
// same tree always produces the same layer digest.
func DirLayer(src, dest string, exclude []string) (v1.Layer, error) {
	globs, err := matchers(exclude)
	if err != nil {
		return nil, err
	}
	data, err := tarDir(src, dest, globs)
	if err != nil {
		return nil, err
	}
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, tarball.WithCompressedCaching)
}

func tarDir(src, dest string, globs []glob.Glob) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	root := strings.Trim(path.Clean("/"+dest), "/")
	if err := writeParents(tw, root); err != nil {
		return nil, err
	}

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			// root itself was written by writeParents
			return nil
		}
		if matchAny(rel, globs) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return writeTarEntry(tw, p, path.Join(root, rel), d)
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeParents emits a directory entry for each segment of root.
func writeParents(tw *tar.Writer, root string) error {
	if root == "" {
		return nil
	}
	cur := ""
	for _, seg := range strings.Split(root, "/") {
		cur = path.Join(cur, seg)
		if err := tw.WriteHeader(dirHeader(cur, 0o755)); err != nil {
			return err
		}
	}
	return nil
}

func dirHeader(name string, perm fs.FileMode) *tar.Header {
	return normalize(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     int64(perm),
	})
}

func normalize(h *tar.Header) *tar.Header {
	h.ModTime = time.Unix(0, 0)
	h.AccessTime = time.Time{}
	h.ChangeTime = time.Time{}
	h.Uid, h.Gid = 0, 0
	h.Uname, h.Gname = "", ""
	h.Format = tar.FormatPAX
	return h
}

func writeTarEntry(tw *tar.Writer, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	mode := info.Mode()

	switch {
	case mode.IsDir():
		return tw.WriteHeader(dirHeader(name, mode.Perm()))
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		return tw.WriteHeader(normalize(&tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     name,
			Linkname: target,
			Mode:     int64(mode.Perm()),
		}))
	case mode.IsRegular():
		hdr := normalize(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     int64(mode.Perm()),
			Size:     info.Size(),
		})
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	default:
		return fmt.Errorf("%s: unsupported file type %s", name, mode.Type())
	}
}
