package recipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	entryFileName = "entry.json"
	treeDirName   = "tree"
)

// Entry describes a committed dependency tree.
type Entry struct {
	Key            string    `json:"key"`
	Digest         string    `json:"digest"`
	ManifestDigest string    `json:"manifest_digest"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cache stores dependency trees under <root>/deps/<key>. Staging
// directories live under the same root so a commit is a rename.
type Cache struct {
	root string
}

// NewCache creates a Cache rooted at dir. Nothing is created until used.
func NewCache(dir string) *Cache {
	return &Cache{root: dir}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

func (c *Cache) entryDir(key string) string {
	return filepath.Join(c.root, "deps", key)
}

// Path returns the tree directory for key, whether or not it exists.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.entryDir(key), treeDirName)
}

// Lookup reports whether key is committed. A directory without a readable
// entry.json or tree is a miss.
func (c *Cache) Lookup(key string) (Entry, bool, error) {
	data, err := os.ReadFile(filepath.Join(c.entryDir(key), entryFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil || e.Key != key {
		return Entry{}, false, nil
	}
	info, err := os.Stat(c.Path(key))
	if err != nil || !info.IsDir() {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Stage creates an empty directory to install into. The caller removes it
// on failure; Commit consumes it on success.
func (c *Cache) Stage() (string, error) {
	dir := filepath.Join(c.root, "staging")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(dir, "stage-*")
}

// Commit moves staging into the cache as key. If another build committed
// the same key first, staging is discarded and the existing entry wins.
func (c *Cache) Commit(key, staging string, e Entry) error {
	deps := filepath.Join(c.root, "deps")
	if err := os.MkdirAll(deps, 0o755); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(deps, ".commit-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := os.Rename(staging, filepath.Join(tmp, treeDirName)); err != nil {
		return fmt.Errorf("move staging: %w", err)
	}

	e.Key = key
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := writeEntry(tmp, e); err != nil {
		return err
	}

	dst := c.entryDir(key)
	if err := os.Rename(tmp, dst); err != nil {
		if _, ok, _ := c.Lookup(key); ok {
			return nil
		}
		// leftover from an interrupted commit
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		return os.Rename(tmp, dst)
	}
	return nil
}

func writeEntry(dir string, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	p := filepath.Join(dir, entryFileName)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
