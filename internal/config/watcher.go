package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultReloadDebounce coalesces the burst of events editors emit when they
// save a file via write-rename.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// freshly validated Config to onChange. A file that fails to load keeps the
// previous configuration in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(*Config)

	done chan struct{}
	wg   sync.WaitGroup

	pendingMu sync.Mutex
	pending   *time.Timer
}

// NewWatcher watches path for changes. The parent directory is watched
// rather than the file itself so rename-based saves keep working.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	return &Watcher{
		path:     absPath,
		watcher:  fsWatcher,
		debounce: DefaultReloadDebounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching for config changes.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	w.pendingMu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pendingMu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous configuration")
		return
	}
	log.Info().Str("path", w.path).Msg("Config file changed, reloading")
	w.onChange(cfg)
}
