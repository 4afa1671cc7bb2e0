package recipe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/imgship/internal/domain"
)

// fakePip installs one file per requirement into req.Staging.
type fakePip struct {
	calls atomic.Int32
	last  InstallRequest
}

func (f *fakePip) Install(_ context.Context, req InstallRequest) error {
	f.calls.Add(1)
	f.last = req
	if err := os.MkdirAll(filepath.Join(req.Staging, "bin"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(req.Staging, "bin", "uvicorn"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		return err
	}
	for _, r := range req.Manifest.Requirements {
		p := filepath.Join(req.Staging, "lib", "site-packages", r.Name, "__init__.py")
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte("# "+r.Name+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func newStage(t *testing.T, ctxDir string, inst Installer) *DependencyStage {
	t.Helper()
	return &DependencyStage{
		Spec:      DefaultRecipe().Dependencies,
		Context:   ctxDir,
		Cache:     NewCache(t.TempDir()),
		Installer: inst,
		Logger:    zerolog.Nop(),
	}
}

func mustManifest(t *testing.T, data string) *Manifest {
	t.Helper()
	m, err := ParseManifest("requirements.txt", []byte(data))
	require.NoError(t, err)
	return m
}

func TestDependencyStage_InstallsAndCaches(t *testing.T) {
	inst := &fakePip{}
	s := newStage(t, t.TempDir(), inst)
	m := mustManifest(t, "fastapi\nuvicorn\n")

	art, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, art.CacheHit)
	assert.Equal(t, "/root/.local", art.Prefix)
	assert.Equal(t, s.Cache.Path(art.Key), art.Dir)
	assert.FileExists(t, filepath.Join(art.Dir, "lib", "site-packages", "fastapi", "__init__.py"))
	assert.EqualValues(t, 1, inst.calls.Load())

	digest, err := TreeDigest(art.Dir)
	require.NoError(t, err)
	assert.Equal(t, digest, art.Digest)

	again, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, art.Key, again.Key)
	assert.Equal(t, art.Digest, again.Digest)
	assert.EqualValues(t, 1, inst.calls.Load(), "installer not re-run on cache hit")
}

func TestDependencyStage_TemplatesArgsAndEnv(t *testing.T) {
	inst := &fakePip{}
	ctxDir := t.TempDir()
	s := newStage(t, ctxDir, inst)

	_, err := s.Run(context.Background(), mustManifest(t, "flask\n"))
	require.NoError(t, err)

	req := inst.last
	assert.Equal(t, []string{"pip", "install", "--user", "--no-cache-dir", "-r", "/build/requirements.txt"}, req.Args)
	assert.Equal(t, []string{"PYTHONUSERBASE=/root/.local"}, req.Env)
	assert.Equal(t, "python:3.11-slim", req.Image)
	assert.Equal(t, "/root/.local", req.Prefix)
	assert.Equal(t, ctxDir, req.Dir)
	assert.Equal(t, filepath.Join(s.Cache.Root(), "staging"), filepath.Dir(req.Staging))
}

func TestDependencyStage_LocalInstallSeesStaging(t *testing.T) {
	inst := &fakePip{}
	ctxDir := t.TempDir()
	s := newStage(t, ctxDir, inst)
	s.Spec.Installer = InstallerLocal

	_, err := s.Run(context.Background(), mustManifest(t, "flask\n"))
	require.NoError(t, err)

	req := inst.last
	assert.Equal(t, []string{"pip", "install", "--user", "--no-cache-dir", "-r", "requirements.txt"}, req.Args)
	assert.Equal(t, []string{"PYTHONUSERBASE=" + req.Staging}, req.Env)
	assert.Equal(t, req.Staging, req.Prefix)
}

func TestDependencyStage_KeyIncludesInstaller(t *testing.T) {
	s := newStage(t, t.TempDir(), &fakePip{})
	m := mustManifest(t, "flask\n")

	k1, err := s.Key(m)
	require.NoError(t, err)
	s.Spec.Installer = InstallerLocal
	k2, err := s.Key(m)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDependencyStage_KeyIgnoresSource(t *testing.T) {
	ctxDir := t.TempDir()
	writeTree(t, ctxDir, map[string]string{"main.py": "v1"})
	s := newStage(t, ctxDir, &fakePip{})
	m := mustManifest(t, "flask\n")

	k1, err := s.Key(m)
	require.NoError(t, err)
	writeTree(t, ctxDir, map[string]string{"main.py": "v2", "new.py": ""})
	k2, err := s.Key(m)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := s.Key(mustManifest(t, "flask==3.0\n"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "manifest change")

	s.Spec.BaseImage = "python:3.12-slim"
	k4, err := s.Key(m)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "base image change")
}

func TestDependencyStage_KeyFiles(t *testing.T) {
	ctxDir := t.TempDir()
	writeTree(t, ctxDir, map[string]string{
		"go.sum":          "a",
		"main.go":         "package main",
		"internal/x/x.go": "package x",
		"README.md":       "readme",
	})
	s := newStage(t, ctxDir, &fakePip{})
	s.Spec.KeyFiles = []string{"go.sum", "**.go"}
	m := mustManifest(t, "")

	files, err := s.keyFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"go.sum", "internal/x/x.go", "main.go"}, files)

	k1, err := s.Key(m)
	require.NoError(t, err)
	writeTree(t, ctxDir, map[string]string{"README.md": "changed"})
	k2, err := s.Key(m)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	writeTree(t, ctxDir, map[string]string{"internal/x/x.go": "package x // changed"})
	k3, err := s.Key(m)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDependencyStage_InstallerFailure(t *testing.T) {
	boom := errors.New("ResolutionImpossible: flask==9.9 conflicts with flask==1.0")
	var seenStaging string
	s := newStage(t, t.TempDir(), InstallerFunc(func(_ context.Context, req InstallRequest) error {
		seenStaging = req.Staging
		writeTree(t, req.Staging, map[string]string{"partial": "x"})
		return boom
	}))
	m := mustManifest(t, "flask\n")

	_, err := s.Run(context.Background(), m)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDependencyResolution)
	assert.ErrorIs(t, err, boom)

	_, statErr := os.Stat(seenStaging)
	assert.True(t, os.IsNotExist(statErr), "staging removed")

	key, err := s.Key(m)
	require.NoError(t, err)
	_, ok, err := s.Cache.Lookup(key)
	require.NoError(t, err)
	assert.False(t, ok, "nothing committed")
}

func TestDependencyStage_BadTemplate(t *testing.T) {
	inst := &fakePip{}
	s := newStage(t, t.TempDir(), inst)
	s.Spec.Install = []string{"pip", "{{ .Nope }}"}

	_, err := s.Run(context.Background(), mustManifest(t, "flask\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidRecipe)
	assert.Zero(t, inst.calls.Load())
}

func TestExecInstaller(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	staging := t.TempDir()

	err := ExecInstaller{}.Install(context.Background(), InstallRequest{
		Args:    []string{"sh", "-c", `mkdir -p "$TARGET/bin" && echo installed > "$TARGET/bin/tool" && echo done`},
		Env:     []string{"TARGET=" + staging},
		Dir:     t.TempDir(),
		Staging: staging,
		Prefix:  staging,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(staging, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "installed\n", string(data))

	err = ExecInstaller{}.Install(context.Background(), InstallRequest{
		Args:   []string{"sh", "-c", "echo 'no matching distribution' >&2; exit 1"},
		Dir:    t.TempDir(),
		Logger: zerolog.Nop(),
	})
	assert.Error(t, err)

	assert.Error(t, ExecInstaller{}.Install(context.Background(), InstallRequest{}))
}

func TestExecInstaller_DropsHostEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	t.Setenv("IMGSHIP_TEST_SECRET", "hunter2")
	out := filepath.Join(t.TempDir(), "env")

	err := ExecInstaller{}.Install(context.Background(), InstallRequest{
		Args:   []string{"sh", "-c", `env > "$OUT"`},
		Env:    []string{"OUT=" + out},
		Dir:    t.TempDir(),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "IMGSHIP_TEST_SECRET")
	assert.Contains(t, string(data), "PATH=")
}

func TestNewInstaller(t *testing.T) {
	inst, err := NewInstaller(InstallerLocal)
	require.NoError(t, err)
	assert.IsType(t, ExecInstaller{}, inst)

	_, err = NewInstaller("chroot")
	assert.ErrorIs(t, err, domain.ErrInvalidRecipe)
}
