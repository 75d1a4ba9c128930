package inspector

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long FileWatcher waits after the last
// change before reloading.
const DefaultWatchDebounce = 500 * time.Millisecond

// FileWatcher reloads when any of a set of list files changes. It
// watches the parent directories so that editors which replace a file by
// renaming over it are still seen.
type FileWatcher struct {
	// Debounce collapses bursts of events into one reload.
	Debounce time.Duration

	// Logger for watcher events.
	Logger *slog.Logger

	watcher *fsnotify.Watcher
	reload  ReloadFunc
	files   map[string]bool
}

// NewFileWatcher creates a watcher for paths. Run must be called to
// start delivering reloads.
func NewFileWatcher(paths []string, reload ReloadFunc) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	fw := &FileWatcher{
		Debounce: DefaultWatchDebounce,
		Logger:   slog.Default(),
		watcher:  watcher,
		reload:   reload,
		files:    make(map[string]bool),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("resolve %q: %w", p, err)
		}
		fw.files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}

	return fw, nil
}

// Files returns the number of watched files.
func (fw *FileWatcher) Files() int {
	return len(fw.files)
}

// Run delivers reloads until ctx is done. It closes the watcher on
// return.
func (fw *FileWatcher) Run(ctx context.Context) error {
	defer fw.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			if !fw.files[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			fw.Logger.Debug("list file changed", "file", event.Name, "op", event.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(fw.Debounce, func() {
				if err := fw.reload(ctx); err != nil {
					fw.Logger.Error("reload after file change failed", "error", err)
					return
				}
				fw.Logger.Info("lists reloaded after file change")
			})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			fw.Logger.Error("file watcher error", "error", err)
		}
	}
}

// WatchFiles starts a FileWatcher for paths in the background. It stops
// when ctx is done.
func WatchFiles(ctx context.Context, paths []string, reload ReloadFunc, logger *slog.Logger) (*FileWatcher, error) {
	fw, err := NewFileWatcher(paths, reload)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		fw.Logger = logger
	}
	go func() { _ = fw.Run(ctx) }()
	return fw, nil
}
