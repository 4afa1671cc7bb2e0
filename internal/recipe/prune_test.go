package recipe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitSized(t *testing.T, c *Cache, key string, size int, created time.Time) {
	t.Helper()
	staging, err := c.Stage()
	require.NoError(t, err)
	writeTree(t, staging, map[string]string{"blob": strings.Repeat("x", size)})
	require.NoError(t, c.Commit(key, staging, Entry{Digest: key, CreatedAt: created}))
}

func entrySize(t *testing.T, c *Cache, key string) int64 {
	t.Helper()
	n, err := dirSize(filepath.Join(c.Root(), "deps", key))
	require.NoError(t, err)
	return n
}

func TestCache_PruneBelowHighWatermark(t *testing.T) {
	c := NewCache(t.TempDir())
	commitSized(t, c, "a", 1000, time.Unix(1, 0))

	res, err := c.Prune(PruneConfig{HighWatermark: 1 << 20, LowWatermark: 1 << 19})
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Equal(t, res.Before, res.After)

	_, ok, err := c.Lookup("a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_PruneOldestFirst(t *testing.T) {
	c := NewCache(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	commitSized(t, c, "old", 4000, base)
	commitSized(t, c, "mid", 4000, base.Add(time.Hour))
	commitSized(t, c, "new", 4000, base.Add(2*time.Hour))

	one := entrySize(t, c, "old")
	res, err := c.Prune(PruneConfig{HighWatermark: 2 * one, LowWatermark: one})
	require.NoError(t, err)

	assert.Equal(t, []string{"old", "mid"}, res.Removed)
	assert.Equal(t, 3*one, res.Before)
	assert.Equal(t, one, res.After)

	for key, want := range map[string]bool{"old": false, "mid": false, "new": true} {
		_, ok, err := c.Lookup(key)
		require.NoError(t, err)
		assert.Equal(t, want, ok, key)
	}
}

func TestCache_PruneKeepsPinnedAndDropsLeftovers(t *testing.T) {
	c := NewCache(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	commitSized(t, c, "pinned", 4000, base)
	commitSized(t, c, "other", 4000, base.Add(time.Hour))

	leftover := filepath.Join(c.Root(), "deps", ".commit-123", "tree")
	require.NoError(t, os.MkdirAll(leftover, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(leftover, "blob"), []byte(strings.Repeat("y", 4000)), 0o644))

	one := entrySize(t, c, "pinned")
	res, err := c.Prune(PruneConfig{HighWatermark: one, LowWatermark: one, Keep: []string{"pinned"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"other"}, res.Removed)
	assert.NoDirExists(t, filepath.Join(c.Root(), "deps", ".commit-123"))
	_, ok, err := c.Lookup("pinned")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_PruneEmpty(t *testing.T) {
	res, err := NewCache(t.TempDir()).Prune(DefaultPruneConfig())
	require.NoError(t, err)
	assert.Zero(t, res.Before)
}

func TestPruneConfig_WithDefaults(t *testing.T) {
	def := DefaultPruneConfig()
	tests := []struct {
		name     string
		in       PruneConfig
		wantHigh int64
		wantLow  int64
	}{
		{"zero", PruneConfig{}, def.HighWatermark, def.LowWatermark},
		{"low unset", PruneConfig{HighWatermark: 4 << 30}, 4 << 30, def.LowWatermark},
		{"low unset above high", PruneConfig{HighWatermark: 1 << 20}, 1 << 20, 1 << 20},
		{"low above high", PruneConfig{HighWatermark: 1 << 20, LowWatermark: 2 << 20}, 1 << 20, 1 << 20},
		{"explicit", PruneConfig{HighWatermark: 1 << 20, LowWatermark: 1 << 10}, 1 << 20, 1 << 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.withDefaults()
			assert.Equal(t, tt.wantHigh, got.HighWatermark)
			assert.Equal(t, tt.wantLow, got.LowWatermark)
		})
	}
}
