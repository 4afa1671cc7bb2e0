package main

import (
	"github.com/spf13/cobra"

	"github.com/bft-labs/imgship/internal/logging"
	"github.com/bft-labs/imgship/internal/recipe"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the dependency stage cache",
	}
	cmd.AddCommand(newCachePruneCmd())
	return cmd
}

func newCachePruneCmd() *cobra.Command {
	def := recipe.DefaultPruneConfig()
	var (
		cacheDir string
		highMB   int64
		lowMB    int64
		keep     []string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove the oldest dependency trees once the cache exceeds --high-mb",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.Logger()
			res, err := recipe.NewCache(cacheDir).Prune(recipe.PruneConfig{
				HighWatermark: highMB << 20,
				LowWatermark:  lowMB << 20,
				Keep:          keep,
			})
			if err != nil {
				return err
			}
			log.Info().
				Int64("before_bytes", res.Before).
				Int64("after_bytes", res.After).
				Strs("removed", res.Removed).
				Msg("cache pruned")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "dependency stage cache directory")
	f.Int64Var(&highMB, "high-mb", def.HighWatermark>>20, "prune when the cache is larger than this many MiB")
	f.Int64Var(&lowMB, "low-mb", def.LowWatermark>>20, "prune down to this many MiB")
	f.StringSliceVar(&keep, "keep", nil, "cache keys never removed")
	return cmd
}
