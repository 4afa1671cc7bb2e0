package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gobwas/glob"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/bft-labs/imgship/internal/domain"
)

// Scratch selects an empty base image.
const Scratch = "scratch"

// DefaultPort is the single port the runtime image declares.
const DefaultPort = 8000

// Installer modes.
const (
	// InstallerContainer runs the install command inside
	// dependencies.base_image with the staging directory mounted at the
	// prefix.
	InstallerContainer = "container"
	// InstallerLocal runs the install command on the host. The prefix
	// template then names the host staging directory.
	InstallerLocal = "local"
)

// Recipe describes both build stages.
type Recipe struct {
	Dependencies DependencySpec `toml:"dependencies"`
	Runtime      RuntimeSpec    `toml:"runtime"`
}

// DependencySpec configures the dependency stage.
type DependencySpec struct {
	// Manifest is relative to the build context.
	Manifest  string `toml:"manifest"`
	BaseImage string `toml:"base_image"`

	// Prefix is the absolute path the packages are installed for, both in
	// the builder and in the runtime image.
	Prefix string `toml:"prefix"`

	// Install and Env values are templates; see TemplateData.
	Install []string          `toml:"install"`
	Env     map[string]string `toml:"env"`

	// Installer is InstallerContainer or InstallerLocal.
	Installer string `toml:"installer"`

	// KeyFiles are extra context globs whose contents join the cache key,
	// for installers that read more than the manifest.
	KeyFiles []string `toml:"key_files"`
}

// RuntimeSpec configures the runtime stage.
type RuntimeSpec struct {
	BaseImage string `toml:"base_image"`
	Workdir   string `toml:"workdir"`
	// Source is relative to the build context.
	Source string `toml:"source"`
	// BinDir is relative to the dependency prefix and prepended to PATH.
	BinDir  string   `toml:"bin_dir"`
	Port    int      `toml:"port"`
	Command []string `toml:"command"`
	Exclude []string `toml:"exclude"`
}

// DefaultRecipe packages an ASGI application: pip installs the manifest
// into the user base, and uvicorn serves main:app on 0.0.0.0:8000.
func DefaultRecipe() Recipe {
	return Recipe{
		Dependencies: DependencySpec{
			Manifest:  "requirements.txt",
			BaseImage: "python:3.11-slim",
			Installer: InstallerContainer,
			Prefix:    "/root/.local",
			Install:   []string{"pip", "install", "--user", "--no-cache-dir", "-r", "{{ .Manifest }}"},
			Env:       map[string]string{"PYTHONUSERBASE": "{{ .Prefix }}"},
		},
		Runtime: RuntimeSpec{
			BaseImage: "python:3.11-slim",
			Workdir:   "/app",
			Source:    ".",
			BinDir:    "bin",
			Port:      DefaultPort,
			Command:   []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"},
		},
	}
}

// SelfRecipe packages imgship itself with the host Go toolchain. The
// installed binary depends on the Go sources, so they are part of the
// dependency cache key.
func SelfRecipe() Recipe {
	return Recipe{
		Dependencies: DependencySpec{
			Manifest:  "go.mod",
			BaseImage: "golang:1.22",
			Installer: InstallerLocal,
			Prefix:    "/opt/imgship",
			Install:   []string{"go", "install", "-trimpath", "./cmd/imgship"},
			Env: map[string]string{
				"GOBIN":       "{{ .Prefix }}/bin",
				"GOOS":        "linux",
				"CGO_ENABLED": "0",
			},
			KeyFiles: []string{"go.sum", "**.go", "internal/server/templates/*", "internal/server/static/*"},
		},
		Runtime: RuntimeSpec{
			BaseImage: Scratch,
			Workdir:   "/app",
			Source:    ".",
			BinDir:    "bin",
			Port:      DefaultPort,
			Command:   []string{"imgship", "serve", "--app", "main:app", "--addr", "0.0.0.0:8000"},
			Exclude:   []string{".git", ".git/**"},
		},
	}
}

// LoadRecipe overlays a TOML file on DefaultRecipe. Unknown keys are errors.
// A [dependencies.env] table replaces the default env rather than adding to it.
func LoadRecipe(p string) (Recipe, error) {
	r := DefaultRecipe()
	data, err := os.ReadFile(p)
	if err != nil {
		return r, err
	}
	defaultEnv := r.Dependencies.Env
	r.Dependencies.Env = nil

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return r, fmt.Errorf("%s: %w: %w", p, domain.ErrInvalidRecipe, err)
	}
	if r.Dependencies.Env == nil {
		r.Dependencies.Env = defaultEnv
	}
	return r, nil
}

// Validate reports every problem at once, wrapped in ErrInvalidRecipe.
func (r Recipe) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	d := r.Dependencies
	if d.Manifest == "" {
		add("dependencies.manifest is required")
	}
	if !path.IsAbs(d.Prefix) {
		add("dependencies.prefix must be absolute, got %q", d.Prefix)
	}
	if len(d.Install) == 0 {
		add("dependencies.install is required")
	}
	if d.Installer != InstallerContainer && d.Installer != InstallerLocal {
		add("dependencies.installer must be %q or %q, got %q", InstallerContainer, InstallerLocal, d.Installer)
	}
	if d.Installer == InstallerContainer && (d.BaseImage == "" || d.BaseImage == Scratch) {
		add("dependencies.base_image is required for the container installer")
	}
	for _, k := range d.KeyFiles {
		if _, err := glob.Compile(k, '/'); err != nil {
			add("dependencies.key_files %q: %v", k, err)
		}
	}

	rt := r.Runtime
	if !path.IsAbs(rt.Workdir) {
		add("runtime.workdir must be absolute, got %q", rt.Workdir)
	}
	if rt.Source == "" {
		add("runtime.source is required")
	}
	if path.IsAbs(rt.BinDir) || strings.HasPrefix(path.Clean(rt.BinDir), "..") {
		add("runtime.bin_dir must be relative to the prefix, got %q", rt.BinDir)
	}
	if rt.Port < 1 || rt.Port > 65535 {
		add("runtime.port out of range: %d", rt.Port)
	}
	if len(rt.Command) == 0 || rt.Command[0] == "" {
		add("runtime.command is required")
	}
	for _, x := range rt.Exclude {
		if _, err := glob.Compile(x, '/'); err != nil {
			add("runtime.exclude %q: %v", x, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidRecipe, errors.Join(errs...))
}

// BinPath is the directory prepended to PATH in the runtime image.
func (r Recipe) BinPath() string {
	return path.Join(r.Dependencies.Prefix, r.Runtime.BinDir)
}

// ExposedPort is the port in image config form, e.g. "8000/tcp".
func (rt RuntimeSpec) ExposedPort() string {
	return fmt.Sprintf("%d/tcp", rt.Port)
}
