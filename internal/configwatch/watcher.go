// Package configwatch reloads the imgship config file when it changes.
package configwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/cliconfig"
)

// DefaultDebounce coalesces editors that write a file in several steps.
const DefaultDebounce = 100 * time.Millisecond

// ApplyFunc receives each successfully parsed config file.
type ApplyFunc func(cliconfig.FileConfig)

// Watcher monitors a single config file via its parent directory, so
// atomic replace-by-rename is seen as a Create.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   zerolog.Logger
	Debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// New returns a Watcher for path.
func New(path string, apply ApplyFunc, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		apply:    apply,
		logger:   logger.With().Str("component", "configwatch").Str("path", path).Logger(),
		Debounce: DefaultDebounce,
	}
}

// Run blocks until ctx is done. It returns an error only when the watch
// cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configwatch: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("configwatch: watch %s: %w", dir, err)
	}
	w.logger.Info().Msg("watching config file")

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	fc, err := cliconfig.LoadFileConfig(w.path)
	if err != nil {
		// keep the running config; the next write gets another chance
		w.logger.Error().Err(err).Msg("reload config")
		return
	}
	w.apply(fc)
	w.logger.Info().Msg("config reloaded")
}
