package recipe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/domain"
	"github.com/bft-labs/imgship/internal/logging"
)

// Artifact is the installed-package directory produced by the dependency
// stage. Dir is immutable once returned.
type Artifact struct {
	Dir      string
	Prefix   string
	Digest   string
	Key      string
	CacheHit bool
}

// InstallRequest is one installer invocation. Args and Env are already
// expanded against the paths the command sees.
type InstallRequest struct {
	Manifest *Manifest
	Args     []string
	Env      []string
	// Image is the builder image, dependencies.base_image.
	Image string
	// Dir is the build context on the host.
	Dir string
	// Staging is the host directory everything must be installed into.
	Staging string
	// Prefix is where the command sees Staging: Staging itself for a local
	// install, the dependency prefix inside a builder container.
	Prefix string
	Logger zerolog.Logger
}

// Installer resolves a manifest into req.Staging.
type Installer interface {
	Install(ctx context.Context, req InstallRequest) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context, req InstallRequest) error

func (f InstallerFunc) Install(ctx context.Context, req InstallRequest) error {
	return f(ctx, req)
}

// NewInstaller returns the installer for a dependencies.installer mode.
// A container installer holds a daemon connection; close it through
// io.Closer when done.
func NewInstaller(mode string) (Installer, error) {
	switch mode {
	case InstallerContainer:
		inst, err := NewDockerInstaller()
		if err != nil {
			return nil, err
		}
		return inst, nil
	case InstallerLocal:
		return ExecInstaller{}, nil
	}
	return nil, fmt.Errorf("%w: unknown installer %q", domain.ErrInvalidRecipe, mode)
}

// hostEnv lists the host variables a local install inherits.
var hostEnv = []string{"PATH", "HOME", "TMPDIR", "GOPATH", "GOCACHE", "GOMODCACHE", "GOPROXY"}

// ExecInstaller runs req.Args as a host process for toolchains that cannot
// run in a builder container. Only PATH, HOME, TMPDIR and the Go cache
// variables are taken from the host environment.
type ExecInstaller struct{}

func (ExecInstaller) Install(ctx context.Context, req InstallRequest) error {
	if len(req.Args) == 0 {
		return errors.New("empty install command")
	}
	cmd := exec.CommandContext(ctx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = localEnv(req.Env)

	stdout := logging.NewLineWriter(req.Logger, "stdout")
	stderr := logging.NewLineWriter(req.Logger, "stderr")
	cmd.Stdout, cmd.Stderr = stdout, stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", req.Args[0], err)
	}
	return nil
}

func localEnv(env []string) []string {
	out := make([]string, 0, len(hostEnv)+len(env))
	for _, k := range hostEnv {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	return append(out, env...)
}

// DependencyStage installs a manifest into a relocatable directory, reusing
// the cache when nothing the install depends on has changed.
type DependencyStage struct {
	Spec      DependencySpec
	Context   string
	Cache     *Cache
	Installer Installer
	Logger    zerolog.Logger
}

// Key derives the cache key from the manifest bytes, base image, prefix,
// install command, env and key files. Application source is not part of it.
func (s *DependencyStage) Key(m *Manifest) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "manifest %s\n", m.Digest())
	fmt.Fprintf(h, "base %q\n", s.Spec.BaseImage)
	fmt.Fprintf(h, "installer %q\n", s.Spec.Installer)
	fmt.Fprintf(h, "prefix %q\n", s.Spec.Prefix)
	for _, a := range s.Spec.Install {
		fmt.Fprintf(h, "arg %q\n", a)
	}

	keys := make([]string, 0, len(s.Spec.Env))
	for k := range s.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env %q=%q\n", k, s.Spec.Env[k])
	}

	files, err := s.keyFiles()
	if err != nil {
		return "", err
	}
	for _, rel := range files {
		sum, err := fileSum(filepath.Join(s.Context, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "file %q %s\n", rel, sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// keyFiles lists context files matching KeyFiles, sorted, skipping .git.
func (s *DependencyStage) keyFiles() ([]string, error) {
	if len(s.Spec.KeyFiles) == 0 {
		return nil, nil
	}
	globs, err := matchers(s.Spec.KeyFiles)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRecipe, err)
	}

	var out []string
	err = filepath.WalkDir(s.Context, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.Context, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchAny(rel, globs) {
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// Run returns the installed-package directory for m. On a cache hit the
// installer is not invoked. On failure nothing is committed and the error
// wraps domain.ErrDependencyResolution.
func (s *DependencyStage) Run(ctx context.Context, m *Manifest) (*Artifact, error) {
	key, err := s.Key(m)
	if err != nil {
		return nil, err
	}
	log := s.Logger.With().Str("stage", "dependencies").Str("key", key[:12]).Logger()

	if e, ok, err := s.Cache.Lookup(key); err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	} else if ok {
		log.Info().Str("digest", e.Digest).Msg("dependency cache hit")
		return s.artifact(key, e, true), nil
	}

	staging, err := s.Cache.Stage()
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	// consumed by Commit on success
	defer os.RemoveAll(staging)

	data := s.templateData(staging)
	args, err := expandArgs(s.Spec.Install, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRecipe, err)
	}
	env, err := expandEnv(s.Spec.Env, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRecipe, err)
	}

	log.Info().
		Int("requirements", len(m.Requirements)).
		Strs("args", args).
		Msg("installing dependencies")

	err = s.Installer.Install(ctx, InstallRequest{
		Manifest: m,
		Args:     args,
		Env:      env,
		Image:    s.Spec.BaseImage,
		Dir:      s.Context,
		Staging:  staging,
		Prefix:   data.Prefix,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDependencyResolution, err)
	}

	digest, err := TreeDigest(staging)
	if err != nil {
		return nil, fmt.Errorf("digest staging dir: %w", err)
	}
	if err := s.Cache.Commit(key, staging, Entry{Digest: digest, ManifestDigest: m.Digest()}); err != nil {
		return nil, fmt.Errorf("commit dependencies: %w", err)
	}

	e, ok, err := s.Cache.Lookup(key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("cache entry %s missing after commit", key)
	}
	log.Info().Str("digest", e.Digest).Msg("dependencies installed")
	return s.artifact(key, e, false), nil
}

// templateData names the paths as the install command sees them. A builder
// container sees the context at /build and staging at the real prefix,
// exactly like the Dockerfile dependencies stage.
func (s *DependencyStage) templateData(staging string) TemplateData {
	if s.Spec.Installer == InstallerLocal {
		return TemplateData{Manifest: s.Spec.Manifest, Prefix: staging, Context: s.Context}
	}
	return TemplateData{
		Manifest: path.Join(buildDir, s.Spec.Manifest),
		Prefix:   s.Spec.Prefix,
		Context:  buildDir,
	}
}

func (s *DependencyStage) artifact(key string, e Entry, hit bool) *Artifact {
	return &Artifact{
		Dir:      s.Cache.Path(key),
		Prefix:   s.Spec.Prefix,
		Digest:   e.Digest,
		Key:      key,
		CacheHit: hit,
	}
}
