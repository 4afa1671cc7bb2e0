// Package imgship packages web applications into two-stage runtime images
// and ships the image gallery application those images run.
//
// Example usage:
//
//	res, err := imgship.Build(ctx, imgship.DefaultRecipe(), ".", cacheDir, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := imgship.WriteTarball("image.tar", "gallery:latest", res.Image); err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := imgship.DefaultConfig()
//	cfg.Addr = "127.0.0.1:8000"
//	if err := imgship.Serve(ctx, cfg, logger); err != nil {
//	    log.Fatal(err)
//	}
package imgship

import (
	"context"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/cliconfig"
	"github.com/bft-labs/imgship/internal/launch"
	"github.com/bft-labs/imgship/internal/recipe"
)

// Config holds the configuration for Serve.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = cliconfig.Config

// Recipe describes both build stages.
type Recipe = recipe.Recipe

// Result is the outcome of Build.
type Result = recipe.Result

// DefaultConfig returns a Config serving main:app on 0.0.0.0:8000.
func DefaultConfig() Config {
	return cliconfig.DefaultConfig()
}

// DefaultRecipe returns the ASGI application recipe.
func DefaultRecipe() Recipe {
	return recipe.DefaultRecipe()
}

// Serve validates cfg and serves cfg.App until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return launch.New(cfg, logger).Run(ctx)
}

// Build runs both stages for contextDir, caching dependencies under cacheDir.
// The install command runs where r.Dependencies.Installer says: in a builder
// container by default, on the host for InstallerLocal.
func Build(ctx context.Context, r Recipe, contextDir, cacheDir string, logger zerolog.Logger) (*Result, error) {
	inst, err := recipe.NewInstaller(r.Dependencies.Installer)
	if err != nil {
		return nil, err
	}
	if c, ok := inst.(io.Closer); ok {
		defer c.Close()
	}
	b := recipe.NewBuilder(recipe.NewCache(cacheDir), inst, logger)
	return b.Build(ctx, r, contextDir)
}

// WriteTarball saves img as a docker-loadable tarball.
func WriteTarball(path, tag string, img v1.Image) error {
	return recipe.WriteTarball(path, tag, img)
}
