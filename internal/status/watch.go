package status

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/watcher"
)

// Watcher keeps a Matcher's record cache fresh by watching the status
// directory. The cache is only used while a Watcher runs.
type Watcher struct {
	m *Matcher
	w *watcher.Watcher
}

// NewWatcher watches the matcher's directory, which must exist.
func NewWatcher(m *Matcher, opts ...watcher.Option) (*Watcher, error) {
	opts = append([]watcher.Option{
		watcher.WithLogger(m.logger),
		watcher.WithFilter(func(path string) bool {
			return classifyFile(filepath.Base(path)) == kindStatus
		}),
	}, opts...)
	sw := &Watcher{m: m}
	w, err := watcher.New([]string{m.cfg.Dir}, sw.changed, opts...)
	if err != nil {
		return nil, err
	}
	sw.w = w
	return sw, nil
}

func (sw *Watcher) changed(paths []string) {
	sw.m.Invalidate()
	sw.m.logger.Debug("status files changed", zap.Int("count", len(paths)))
}

// Run enables caching and blocks until ctx is done.
func (sw *Watcher) Run(ctx context.Context) {
	sw.m.Invalidate()
	sw.m.caching.Store(true)
	defer func() {
		sw.m.caching.Store(false)
		_ = sw.w.Close()
	}()
	sw.w.Run(ctx)
}
