package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bft-labs/imgship/internal/cliconfig"
	"github.com/bft-labs/imgship/internal/logging"
	"github.com/bft-labs/imgship/internal/recipe"
)

// RecipeFileName is looked up in the build context when --recipe is unset.
const RecipeFileName = "imgship.recipe.toml"

type recipeFlags struct {
	path string
	self bool
}

func (f *recipeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "recipe", "", "recipe file (default: <context>/"+RecipeFileName+" if present)")
	cmd.Flags().BoolVar(&f.self, "self", false, "use the built-in recipe that packages imgship itself")
}

func (f *recipeFlags) load(contextDir string) (recipe.Recipe, error) {
	switch {
	case f.path != "":
		return recipe.LoadRecipe(f.path)
	case f.self:
		return recipe.SelfRecipe(), nil
	}
	p := filepath.Join(contextDir, RecipeFileName)
	if cliconfig.FileExists(p) {
		return recipe.LoadRecipe(p)
	}
	return recipe.DefaultRecipe(), nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "imgship")
	}
	return filepath.Join(os.TempDir(), "imgship-cache")
}

func newBuildCmd() *cobra.Command {
	var (
		rf         recipeFlags
		contextDir string
		output     string
		tag        string
		cacheDir   string
		installer  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the runtime image and write it as a tarball",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closer, err := logging.New(logging.Options{Level: logLevel})
			if err != nil {
				return err
			}
			defer closer.Close()

			r, err := rf.load(contextDir)
			if err != nil {
				return err
			}
			if installer != "" {
				r.Dependencies.Installer = installer
			}

			inst, err := recipe.NewInstaller(r.Dependencies.Installer)
			if err != nil {
				return err
			}
			if c, ok := inst.(io.Closer); ok {
				defer c.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b := recipe.NewBuilder(recipe.NewCache(cacheDir), inst, log, recipe.WithIgnorePaths(output))
			res, err := b.Build(ctx, r, contextDir)
			if err != nil {
				return err
			}
			if err := recipe.WriteTarball(output, tag, res.Image); err != nil {
				return err
			}

			log.Info().
				Str("output", output).
				Str("tag", tag).
				Str("digest", res.ImageDigest.String()).
				Bool("dependency_cache_hit", res.Artifact.CacheHit).
				Msg("image written")
			return nil
		},
	}

	rf.register(cmd)
	f := cmd.Flags()
	f.StringVar(&contextDir, "context", ".", "build context directory")
	f.StringVarP(&output, "output", "o", "image.tar", "image tarball path")
	f.StringVarP(&tag, "tag", "t", "imgship-app:latest", "image tag recorded in the tarball")
	f.StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "dependency stage cache directory")
	f.StringVar(&installer, "installer", "", "override dependencies.installer: container or local")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func newDockerfileCmd() *cobra.Command {
	var (
		rf         recipeFlags
		contextDir string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "dockerfile",
		Short: "Print the equivalent two-stage Dockerfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rf.load(contextDir)
			if err != nil {
				return err
			}
			out, err := recipe.RenderDockerfile(r)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = io.WriteString(cmd.OutOrStdout(), out)
				return err
			}
			return os.WriteFile(output, []byte(out), 0o644)
		},
	}

	rf.register(cmd)
	cmd.Flags().StringVar(&contextDir, "context", ".", "build context directory")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func newManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <file>",
		Short: "Parse a dependency manifest and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := recipe.LoadManifest(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(m); err != nil {
				return fmt.Errorf("encode manifest: %w", err)
			}
			return nil
		},
	}
}
