package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/domain"
)

// URLPrefix is the path under which stored images are served.
const URLPrefix = "/images/"

// DefaultPerPage is the gallery page size.
const DefaultPerPage = 50

// AllowedTypes lists the accepted upload content types.
var AllowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// Image is a stored file.
type Image struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Page is one slice of the sorted gallery.
type Page struct {
	Images  []Image `json:"images"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
	Total   int     `json:"total"`
	HasNext bool    `json:"has_next"`
}

// Options configures a Store.
type Options struct {
	Dir           string
	MaxFileSizeMB int
	PerPage       int
}

// Store is a filesystem-backed image store. It is safe for concurrent use.
type Store struct {
	dir      string
	perPage  int
	maxBytes atomic.Int64
	logger   zerolog.Logger

	newName func(ext string) string
}

// New creates the upload directory if needed and returns a Store.
func New(opts Options, logger zerolog.Logger) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("gallery: upload dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("gallery: create upload dir: %w", err)
	}
	if opts.PerPage <= 0 {
		opts.PerPage = DefaultPerPage
	}

	s := &Store{
		dir:     opts.Dir,
		perPage: opts.PerPage,
		logger:  logger.With().Str("component", "gallery").Logger(),
		newName: randomName,
	}
	s.SetMaxFileSizeMB(opts.MaxFileSizeMB)
	return s, nil
}

func randomName(ext string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}

// SetMaxFileSizeMB updates the upload limit. Non-positive values are ignored.
func (s *Store) SetMaxFileSizeMB(mb int) {
	if mb <= 0 {
		return
	}
	s.maxBytes.Store(int64(mb) << 20)
}

// MaxFileSizeBytes returns the current upload limit.
func (s *Store) MaxFileSizeBytes() int64 { return s.maxBytes.Load() }

// Save validates and stores an upload. size is the declared size (-1 if
// unknown); the limit is also enforced while copying.
func (s *Store) Save(ctx context.Context, filename, contentType string, size int64, r io.Reader) (Image, error) {
	if !allowedType(contentType) {
		s.logger.Error().Str("file", filename).Str("content_type", contentType).Msg("unsupported file type")
		return Image{}, fmt.Errorf("%s: %w", contentType, domain.ErrUnsupportedType)
	}

	limit := s.MaxFileSizeBytes()
	if size > limit {
		s.logger.Error().Str("file", filename).Int64("size", size).Msg("file exceeds maximum size")
		return Image{}, fmt.Errorf("%s: %w", filename, domain.ErrFileTooLarge)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Image{}, fmt.Errorf("gallery: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(&ctxReader{ctx: ctx, r: r}, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Image{}, fmt.Errorf("gallery: write upload: %w", err)
	}
	if n > limit {
		s.logger.Error().Str("file", filename).Int64("size", n).Msg("file exceeds maximum size")
		return Image{}, fmt.Errorf("%s: %w", filename, domain.ErrFileTooLarge)
	}

	name := s.newName(extension(filename))
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return Image{}, fmt.Errorf("gallery: store upload: %w", err)
	}
	committed = true

	s.logger.Info().Str("name", name).Int64("size", n).Msg("image uploaded")
	return Image{Name: name, URL: URLPrefix + name, Size: n}, nil
}

func allowedType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return AllowedTypes[mt]
}

// extension keeps the uploaded file's extension, dropping anything that is
// not a plain suffix.
func extension(filename string) string {
	ext := filepath.Ext(filepath.Base(strings.ReplaceAll(filename, `\`, "/")))
	for _, r := range ext[min(1, len(ext)):] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

// List returns the requested page of stored images. Pages below 1 are
// treated as page 1; pages past the end are empty.
func (s *Store) List(page int) (Page, error) {
	if page < 1 {
		page = 1
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Page{}, fmt.Errorf("gallery: list: %w", err)
	}

	// os.ReadDir returns entries sorted by filename.
	files := make([]fs.DirEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, e)
	}

	total := len(files)
	start := (page - 1) * s.perPage
	end := start + s.perPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	images := make([]Image, 0, end-start)
	for _, e := range files[start:end] {
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		images = append(images, Image{Name: e.Name(), URL: URLPrefix + e.Name(), Size: size})
	}

	return Page{
		Images:  images,
		Page:    page,
		PerPage: s.perPage,
		Total:   total,
		HasNext: end < total,
	}, nil
}

// Path resolves a stored image name to its file path.
func (s *Store) Path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	p := filepath.Join(s.dir, name)
	info, err := os.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", name, domain.ErrNotFound)
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", name, domain.ErrNotFound)
	}
	return p, nil
}

// Delete removes one stored image.
func (s *Store) Delete(name string) error {
	p, err := s.Path(name)
	if err != nil {
		s.logger.Error().Str("name", name).Err(err).Msg("delete failed")
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, domain.ErrNotFound)
		}
		return fmt.Errorf("gallery: delete %s: %w", name, err)
	}
	s.logger.Info().Str("name", name).Msg("image deleted")
	return nil
}

// DeleteMany removes each name, reporting which were deleted and which were
// not found. Invalid names count as not found.
func (s *Store) DeleteMany(names []string) (deleted, notFound []string, err error) {
	deleted = []string{}
	notFound = []string{}
	for _, name := range names {
		derr := s.Delete(name)
		switch {
		case derr == nil:
			deleted = append(deleted, name)
		case errors.Is(derr, domain.ErrNotFound), errors.Is(derr, domain.ErrInvalidName):
			notFound = append(notFound, name)
		default:
			return deleted, notFound, derr
		}
	}
	return deleted, notFound, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) ||
		strings.HasPrefix(name, ".") ||
		filepath.Base(name) != name {
		return fmt.Errorf("%q: %w", name, domain.ErrInvalidName)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
