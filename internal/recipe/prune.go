package recipe

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PruneConfig bounds the size of the dependency cache.
type PruneConfig struct {
	// HighWatermark is the size in bytes above which pruning begins.
	// Default: 2 GiB
	HighWatermark int64
	// LowWatermark is the target size in bytes after pruning.
	// Default: 1.5 GiB
	LowWatermark int64
	// Keep lists keys that are never removed.
	Keep []string
}

// DefaultPruneConfig returns a PruneConfig with a 2 GiB high and 1.5 GiB
// low watermark.
func DefaultPruneConfig() PruneConfig {
	return PruneConfig{
		HighWatermark: 2 << 30,
		LowWatermark:  3 << 29,
	}
}

// withDefaults fills unset watermarks from DefaultPruneConfig and keeps the
// low watermark at or below the high one.
func (cfg PruneConfig) withDefaults() PruneConfig {
	def := DefaultPruneConfig()
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = def.HighWatermark
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = def.LowWatermark
	}
	if cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark
	}
	return cfg
}

// PruneResult reports what Prune did.
type PruneResult struct {
	Before  int64
	After   int64
	Removed []string
}

type cachedTree struct {
	name  string
	entry Entry
	valid bool
	size  int64
}

// Prune removes entries once the cache exceeds the high watermark until it
// is at or below the low watermark. Leftovers from interrupted commits go
// first, then entries oldest first.
func (c *Cache) Prune(cfg PruneConfig) (PruneResult, error) {
	cfg = cfg.withDefaults()

	var res PruneResult
	deps := filepath.Join(c.root, "deps")
	trees, err := c.trees(deps)
	if err != nil {
		return res, err
	}
	for _, t := range trees {
		res.Before += t.size
	}
	res.After = res.Before
	if res.Before <= cfg.HighWatermark {
		return res, nil
	}

	keep := make(map[string]bool, len(cfg.Keep))
	for _, k := range cfg.Keep {
		keep[k] = true
	}

	sort.SliceStable(trees, func(i, j int) bool {
		if trees[i].valid != trees[j].valid {
			return !trees[i].valid
		}
		return trees[i].entry.CreatedAt.Before(trees[j].entry.CreatedAt)
	})

	for _, t := range trees {
		if res.After <= cfg.LowWatermark {
			break
		}
		if keep[t.name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(deps, t.name)); err != nil {
			return res, err
		}
		res.After -= t.size
		if t.valid {
			res.Removed = append(res.Removed, t.name)
		}
	}
	return res, nil
}

func (c *Cache) trees(deps string) ([]cachedTree, error) {
	ents, err := os.ReadDir(deps)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []cachedTree
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		t := cachedTree{name: e.Name()}
		if !strings.HasPrefix(t.name, ".") {
			if data, err := os.ReadFile(filepath.Join(deps, t.name, entryFileName)); err == nil {
				t.valid = json.Unmarshal(data, &t.entry) == nil && t.entry.Key == t.name
			}
		}
		t.size, err = dirSize(filepath.Join(deps, t.name))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
