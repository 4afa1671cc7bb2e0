package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/imgship/internal/cliconfig"
	"github.com/bft-labs/imgship/internal/launch"
	"github.com/bft-labs/imgship/internal/logging"
)

func newServeCmd() *cobra.Command {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the application named by --app on --addr",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			dotenv, err := cliconfig.LoadEnvFile(cfg.EnvFile)
			if err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			if err := cliconfig.ApplyEnvConfig(&cfg, changed, dotenv); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			log, closer, err := logging.New(logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel})
			if err != nil {
				return err
			}
			defer closer.Close()
			log.Info().Interface("config", cfg).Msg("configuration")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []launch.Option{launch.WithChangedFlags(changed)}
			if cliconfig.FileExists(cfgFile) {
				opts = append(opts, launch.WithConfigPath(cfgFile))
			}
			return launch.New(cfg, log, opts...).Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.imgship/config.toml)")
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	f.StringVar(&cfg.App, "app", cfg.App, "application to serve, module:attribute")
	f.StringVar(&cfg.UploadDir, "upload-dir", cfg.UploadDir, "directory storing uploaded images")
	f.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "serve static assets from this directory instead of the embedded ones")
	f.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory for app.log")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "dotenv file read before the process environment")
	f.IntVar(&cfg.MaxFileSizeMB, "max-file-size", cfg.MaxFileSizeMB, "maximum upload size in MB")
	f.IntVar(&cfg.PerPage, "per-page", cfg.PerPage, "images per gallery page")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	f.BoolVar(&cfg.Watch, "watch", cfg.Watch, "reload max-file-size when the config file changes")
	return cmd
}
