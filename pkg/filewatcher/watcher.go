// Package filewatcher reports changes to credential and profile files.
package filewatcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher calls its callbacks once per settled change of a watched file.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	dirs     map[string]struct{}
	files    map[string]struct{}
	patterns []string

	callbacksMu sync.RWMutex
	callbacks   []func(file string)

	changesMu sync.Mutex
	changes   map[string]time.Time

	done chan struct{}
}

// New creates a Watcher. Nothing is watched until Start.
func New(opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		dirs:     make(map[string]struct{}),
		files:    make(map[string]struct{}),
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Watcher) addFile(file string) {
	if abs, err := filepath.Abs(file); err == nil {
		file = abs
	}
	file = filepath.Clean(file)
	w.files[file] = struct{}{}
	w.dirs[filepath.Dir(file)] = struct{}{}
}

func (w *Watcher) addDir(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	w.dirs[filepath.Clean(dir)] = struct{}{}
}

// AddCallback registers fn to run with the path of each changed file.
func (w *Watcher) AddCallback(fn func(file string)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	dirs := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.logger.Debug("Watching directory", "dir", dir)
	}

	go w.loop(ctx)
	return nil
}

// Stop stops watching. It must be called at most once.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(event.Name)
			if w.matches(name) {
				w.changesMu.Lock()
				w.changes[name] = time.Now()
				w.changesMu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush reports files that have been quiet for the debounce period.
func (w *Watcher) flush() {
	now := time.Now()
	var settled []string

	w.changesMu.Lock()
	for file, at := range w.changes {
		if now.Sub(at) >= w.debounce {
			settled = append(settled, file)
			delete(w.changes, file)
		}
	}
	w.changesMu.Unlock()

	sort.Strings(settled)
	for _, file := range settled {
		w.logger.Info("File changed", "file", file)
		w.notify(file)
	}
}

func (w *Watcher) notify(file string) {
	w.callbacksMu.RLock()
	defer w.callbacksMu.RUnlock()
	for _, fn := range w.callbacks {
		fn(file)
	}
}

func (w *Watcher) matches(file string) bool {
	if _, ok := w.files[file]; ok {
		return true
	}
	base := filepath.Base(file)
	for _, pattern := range w.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			w.logger.Error("Pattern match error", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
