package filewatcher

import (
	"log/slog"
	"time"
)

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger for the watcher.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithFiles adds files to watch. Their parent directories are watched so
// that files replaced by rename are still seen.
func WithFiles(files ...string) Option {
	return func(w *Watcher) {
		for _, f := range files {
			w.addFile(f)
		}
	}
}

// WithDirs watches whole directories; combine with WithPatterns.
func WithDirs(dirs ...string) Option {
	return func(w *Watcher) {
		for _, d := range dirs {
			w.addDir(d)
		}
	}
}

// WithPatterns also matches any file in a watched directory whose base name
// matches one of the patterns.
func WithPatterns(patterns ...string) Option {
	return func(w *Watcher) {
		w.patterns = append(w.patterns, patterns...)
	}
}

// WithDebounce sets how long a file must stay unchanged before callbacks run.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}
