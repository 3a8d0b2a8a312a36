// Package watcher provides file watching with debouncing using fsnotify.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of writes (agents rewrite status files often).
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports changed paths under a set of directories, batched per debounce window.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	filter   func(path string) bool
	onChange func(paths []string)
	logger   *zap.Logger

	closeOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the batching window.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// WithFilter drops events for paths the filter rejects.
func WithFilter(f func(path string) bool) Option { return func(w *Watcher) { w.filter = f } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(w *Watcher) { w.logger = l } }

// New watches dirs and calls onChange with the distinct changed paths.
func New(dirs []string, onChange func(paths []string), opts ...Option) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watcher: onChange is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run delivers batches until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		clear(pending)
		w.onChange(paths)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				flush()
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if w.filter != nil && !w.filter(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				flush()
				return
			}
			w.logger.Warn("file watch error", zap.Error(err))
		case <-timer.C:
			flush()
		}
	}
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}
