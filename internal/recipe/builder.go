package recipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/domain"
)

// Result is the outcome of a successful build.
type Result struct {
	Image       v1.Image
	Artifact    *Artifact
	ImageDigest v1.Hash
}

// Builder runs the dependency stage and then the runtime stage.
type Builder struct {
	cache     *Cache
	installer Installer
	resolve   BaseResolver
	ignore    []string
	logger    zerolog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBaseResolver overrides how non-scratch base images are obtained.
func WithBaseResolver(r BaseResolver) BuilderOption {
	return func(b *Builder) { b.resolve = r }
}

// WithIgnorePaths keeps host paths, such as the output tarball, out of the
// source layer when they lie inside the source directory.
func WithIgnorePaths(paths ...string) BuilderOption {
	return func(b *Builder) { b.ignore = append(b.ignore, paths...) }
}

// NewBuilder returns a Builder using cache and installer.
func NewBuilder(cache *Cache, installer Installer, logger zerolog.Logger, opts ...BuilderOption) *Builder {
	b := &Builder{
		cache:     cache,
		installer: installer,
		resolve:   RemoteBase,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the runtime image for contextDir. If the dependency stage
// fails the runtime stage is never started. The cache directory is never
// part of the source layer.
func (b *Builder) Build(ctx context.Context, r Recipe, contextDir string) (*Result, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(contextDir, filepath.FromSlash(r.Dependencies.Manifest))
	m, err := LoadManifest(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest %s does not exist", domain.ErrInvalidRecipe, manifestPath)
		}
		return nil, err
	}
	b.logger.Info().
		Str("manifest", m.Name).
		Str("format", string(m.Format)).
		Int("requirements", len(m.Requirements)).
		Msg("manifest loaded")

	deps := &DependencyStage{
		Spec:      r.Dependencies,
		Context:   contextDir,
		Cache:     b.cache,
		Installer: b.installer,
		Logger:    b.logger,
	}
	art, err := deps.Run(ctx, m)
	if err != nil {
		return nil, err
	}

	rt := &RuntimeStage{
		Spec:    r.Runtime,
		Context: contextDir,
		Resolve: b.resolve,
		Ignore:  append([]string{b.cache.Root()}, b.ignore...),
		Logger:  b.logger,
	}
	img, err := rt.Assemble(ctx, art)
	if err != nil {
		return nil, err
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, err
	}
	return &Result{Image: img, Artifact: art, ImageDigest: digest}, nil
}

// WriteTarball saves img as a docker-loadable tarball tagged tag. The file
// appears only once fully written.
func WriteTarball(path, tag string, img v1.Image) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".image-*.tar")
	if err != nil {
		return err
	}
	tmp := f.Name()
	f.Close()
	defer os.Remove(tmp)

	if err := crane.Save(img, tag, tmp); err != nil {
		return fmt.Errorf("save %s: %w", tag, err)
	}
	return os.Rename(tmp, path)
}
