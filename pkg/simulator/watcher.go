package simulator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces editor save bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads a scenario file into a Server when it changes.
type Watcher struct {
	path    string
	server  *Server
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	debouncer *time.Timer
}

// NewWatcher creates a watcher for path feeding server.
func NewWatcher(path string, server *Server, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		server: server,
		logger: logger.With().Str("component", "scenario-watcher").Logger(),
	}
}

// Start watches the scenario's directory until ctx is cancelled. The directory
// is watched rather than the file so that atomic renames are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.watcher = fw

	w.logger.Info().Str("path", w.path).Msg("Watching scenario for changes")

	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debouncer != nil {
				w.debouncer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Scenario file changed")

			w.mu.Lock()
			if w.debouncer != nil {
				w.debouncer.Stop()
			}
			w.debouncer = time.AfterFunc(reloadDebounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload keeps the previous scenario when the new file is invalid.
func (w *Watcher) reload() {
	scenario, err := LoadScenario(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload scenario")
		return
	}
	w.server.SetScenario(scenario)
}
