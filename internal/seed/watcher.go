package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// ReloadRecorder is told about every reload attempt.
type ReloadRecorder interface {
	RecordSeedReload(err error)
}

// ApplyFunc applies a freshly loaded document.
type ApplyFunc func(ctx context.Context, doc Document) error

// Watcher reloads a seed file when it changes on disk.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	recorder ReloadRecorder
	debounce time.Duration
}

type WatcherOption func(*Watcher)

func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithReloadRecorder(recorder ReloadRecorder) WatcherOption {
	return func(w *Watcher) {
		w.recorder = recorder
	}
}

// WithDebounce sets how long the watcher waits after the last event before
// reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("seed path is required")
	}
	if apply == nil {
		return nil, errors.New("apply func is nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve seed path: %w", err)
	}

	w := &Watcher{
		path:     abs,
		apply:    apply,
		logger:   slog.Default(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. The parent directory is watched rather than
// the file so editors that replace the file by rename keep triggering
// reloads.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("seed watcher started", "path", w.path, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("seed watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("file watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("seed file changed", "op", event.Op.String())
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("file watcher errors channel closed")
			}
			w.logger.Error("seed watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	doc, err := LoadFile(w.path)
	if err == nil {
		err = w.apply(ctx, doc)
	}
	if w.recorder != nil {
		w.recorder.RecordSeedReload(err)
	}
	if err != nil {
		w.logger.Error("seed reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("seed reloaded", "path", w.path)
}
