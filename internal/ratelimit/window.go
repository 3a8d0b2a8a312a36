// Package ratelimit provides the per-client sliding window that gates spawn requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Defaults for the spawn window.
const (
	DefaultLimit  = 10
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is set when Allowed is false. It is rounded up to whole
	// seconds and never exceeds the window.
	RetryAfter time.Duration
}

// Window is a sliding-window counter keyed by client address. Every allowed
// request is recorded; rejected requests leave no trace.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time // key -> accepted request times, oldest first
	now    func() time.Time
}

// NewWindow creates a Window admitting limit requests per window per key.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Window{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (w *Window) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// Allow records a request for key if the window has room.
func (w *Window) Allow(key string) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	hits := w.evictLocked(key, now)
	if len(hits) >= w.limit {
		return Decision{RetryAfter: w.retryAfter(hits[0], now)}
	}
	w.hits[key] = append(hits, now)
	return Decision{Allowed: true, Remaining: w.limit - len(hits) - 1}
}

// Remaining reports how many requests key may still make without recording one.
func (w *Window) Remaining(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit - len(w.evictLocked(key, w.now()))
}

// Reset forgets key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	delete(w.hits, key)
	w.mu.Unlock()
}

// Prune drops keys with no hits inside the window and returns how many were dropped.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	dropped := 0
	for key := range w.hits {
		if len(w.evictLocked(key, now)) == 0 {
			dropped++
		}
	}
	return dropped
}

// Keys reports how many clients are currently tracked.
func (w *Window) Keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

// Run prunes idle keys every interval until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = w.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Prune()
		}
	}
}

// evictLocked trims hits older than the window and deletes empty keys.
func (w *Window) evictLocked(key string, now time.Time) []time.Time {
	hits := w.hits[key]
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(w.hits, key)
		return nil
	}
	w.hits[key] = hits
	return hits
}

func (w *Window) retryAfter(oldest, now time.Time) time.Duration {
	wait := oldest.Add(w.window).Sub(now)
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	if wait <= 0 {
		wait = time.Second
	}
	if wait > w.window {
		wait = w.window
	}
	return wait
}

// FormatDelay formats a duration as a human-readable string.
func FormatDelay(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
