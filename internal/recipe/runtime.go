package recipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/domain"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// BaseResolver returns the base image for ref.
type BaseResolver func(ctx context.Context, ref string) (v1.Image, error)

// RemoteBase pulls ref from its registry.
func RemoteBase(ctx context.Context, ref string) (v1.Image, error) {
	img, err := crane.Pull(ref, crane.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}
	return img, nil
}

// RuntimeStage assembles the final image from a dependency artifact and the
// application source.
type RuntimeStage struct {
	Spec    RuntimeSpec
	Context string
	Resolve BaseResolver
	// Ignore lists host paths never copied into the source layer.
	Ignore []string
	Logger zerolog.Logger
}

// Assemble appends the dependency layer, then the source layer, and sets
// PATH, the exposed port, the working directory and the command. The source
// layer leaves out runtime.exclude, the context's .dockerignore patterns
// and s.Ignore.
func (s *RuntimeStage) Assemble(ctx context.Context, art *Artifact) (v1.Image, error) {
	if len(s.Spec.Command) == 0 {
		return nil, fmt.Errorf("%w: runtime command is empty", domain.ErrInvalidRecipe)
	}
	if s.Spec.Port < 1 || s.Spec.Port > 65535 {
		return nil, fmt.Errorf("%w: runtime port out of range: %d", domain.ErrInvalidRecipe, s.Spec.Port)
	}
	src := filepath.Join(s.Context, filepath.FromSlash(s.Spec.Source))
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: source %s does not exist", domain.ErrInvalidRecipe, src)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: source %s is not a directory", domain.ErrInvalidRecipe, src)
	}

	log := s.Logger.With().Str("stage", "runtime").Logger()

	base, err := s.base(ctx)
	if err != nil {
		return nil, err
	}

	deps, err := DirLayer(art.Dir, art.Prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("dependency layer: %w", err)
	}
	exclude, err := s.excludes(src)
	if err != nil {
		return nil, err
	}
	app, err := DirLayer(src, s.Spec.Workdir, exclude)
	if err != nil {
		return nil, fmt.Errorf("source layer: %w", err)
	}

	img, err := mutate.Append(base,
		mutate.Addendum{
			Layer:   deps,
			History: v1.History{CreatedBy: "COPY --from=dependencies " + art.Prefix + " " + art.Prefix},
		},
		mutate.Addendum{
			Layer:   app,
			History: v1.History{CreatedBy: "COPY " + s.Spec.Source + " " + s.Spec.Workdir},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("append layers: %w", err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	binDir := path.Join(art.Prefix, s.Spec.BinDir)
	cfg := cf.Config
	cfg.Env = withPath(cf.Config.Env, binDir)
	cfg.ExposedPorts = map[string]struct{}{s.Spec.ExposedPort(): {}}
	cfg.WorkingDir = s.Spec.Workdir
	cfg.Entrypoint = nil
	cfg.Cmd = append([]string(nil), s.Spec.Command...)

	img, err = mutate.Config(img, cfg)
	if err != nil {
		return nil, fmt.Errorf("set config: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("image digest: %w", err)
	}
	log.Info().
		Str("digest", digest.String()).
		Str("path", binDir).
		Strs("cmd", cfg.Cmd).
		Msg("runtime image assembled")
	return img, nil
}

func (s *RuntimeStage) excludes(src string) ([]string, error) {
	ignored, err := LoadDockerignore(s.Context)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", DockerignoreFile, err)
	}
	out := append([]string(nil), s.Spec.Exclude...)
	out = append(out, rebasePatterns(ignored, s.Spec.Source)...)
	return append(out, pathPatterns(src, s.Ignore)...), nil
}

func (s *RuntimeStage) base(ctx context.Context) (v1.Image, error) {
	ref := s.Spec.BaseImage
	if ref == "" || ref == Scratch {
		return mutate.ConfigFile(empty.Image, &v1.ConfigFile{
			Architecture: goruntime.GOARCH,
			OS:           "linux",
			RootFS:       v1.RootFS{Type: "layers"},
			Config:       v1.Config{Env: []string{"PATH=" + defaultPath}},
		})
	}
	resolve := s.Resolve
	if resolve == nil {
		resolve = RemoteBase
	}
	return resolve(ctx, ref)
}

// withPath returns env with dir prepended to PATH, adding PATH if absent.
func withPath(env []string, dir string) []string {
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			found = true
			if v == "" {
				kv = "PATH=" + dir
			} else {
				kv = "PATH=" + dir + ":" + v
			}
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+dir+":"+defaultPath)
	}
	return out
}
