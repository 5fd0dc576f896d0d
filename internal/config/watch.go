package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reports changes to one config file.
// It watches the parent directory so that atomic renames by editors are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan struct{}
}

// NewWatcher watches path. The parent directory must exist.
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		if cerr := fw.Close(); cerr != nil {
			// Best-effort close on setup failure.
			_ = cerr
		}
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		watcher:  fw,
		changes:  make(chan struct{}, 1),
	}, nil
}

// Changes delivers one signal per settled burst of edits.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start runs until ctx is done or the underlying watcher fails.
func (w *Watcher) Start(ctx context.Context) error {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return fmt.Errorf("config watcher failed: %w", err)
			}
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}
		}
	}
}

// Close releases the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
