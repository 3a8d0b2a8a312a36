// Package registry holds the authoritative in-memory set of live terminal sessions.
//
// Every structural mutation runs under a single mutex; readers are served from
// an immutable snapshot that is swapped atomically after each mutation.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// Handle is the process-level side of a session: a tmux session or a PTY.
type Handle interface {
	Write(ctx context.Context, data []byte) error
	Resize(ctx context.Context, cols, rows int) error
	// Kill destroys the backing process or tmux session.
	Kill(ctx context.Context) error
	// Detach releases local resources while leaving durable backends running.
	Detach() error
}

// Capturer is implemented by handles that can return recent output.
type Capturer interface {
	Capture(ctx context.Context, lines int) (string, error)
}

// Observer receives registry lifecycle notifications. Calls happen outside the lock.
type Observer interface {
	SessionClosed(sess terminal.Session, forced bool)
	SessionCount(n int)
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (obs Observers) SessionClosed(sess terminal.Session, forced bool) {
	for _, o := range obs {
		if o != nil {
			o.SessionClosed(sess, forced)
		}
	}
}

func (obs Observers) SessionCount(n int) {
	for _, o := range obs {
		if o != nil {
			o.SessionCount(n)
		}
	}
}

type entry struct {
	session terminal.Session
	handle  Handle
}

type snapshot struct {
	list []terminal.Session
	byID map[string]int
}

// Registry is the structural store of sessions.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	byExternal map[string]string // external session name -> id

	snap atomic.Pointer[snapshot]

	recovered   chan struct{}
	recoverOnce sync.Once

	now         func() time.Time
	observer    Observer
	logger      *zap.Logger
	killTimeout time.Duration
}

// DefaultKillTimeout bounds a forced close once it has started.
const DefaultKillTimeout = 10 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithKillTimeout bounds the kill issued by a forced close.
func WithKillTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.killTimeout = d
		}
	}
}

// WithObserver installs lifecycle callbacks.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry),
		byExternal:  make(map[string]string),
		recovered:   make(chan struct{}),
		now:         time.Now,
		logger:      zap.NewNop(),
		killTimeout: DefaultKillTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{byID: map[string]int{}})
	return r
}

// Register adds sess with its handle. The session must carry an ID; a
// duplicate ID or external session name is a Conflict.
func (r *Registry) Register(sess terminal.Session, h Handle) error {
	if sess.ID == "" {
		return terminal.ValidationError("id", "session id is required")
	}
	r.mu.Lock()
	if _, exists := r.entries[sess.ID]; exists {
		r.mu.Unlock()
		return terminal.ConflictError(sess.ID, "session id already registered")
	}
	if name := sess.ExternalSessionName; name != "" {
		if owner, exists := r.byExternal[name]; exists {
			r.mu.Unlock()
			r.logger.Debug("external session already registered",
				zap.String("external", name), zap.String("owner", owner))
			return terminal.ConflictError(name, "external session already registered")
		}
		r.byExternal[name] = sess.ID
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = r.now()
	}
	r.entries[sess.ID] = &entry{session: sess.Clone(), handle: h}
	n := r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("session registered",
		zap.String("id", sess.ID),
		zap.String("type", string(sess.Type)),
		zap.String("external", sess.ExternalSessionName),
		zap.Bool("recovered", sess.Recovered))
	r.notifyCount(n)
	return nil
}

// Get returns a copy of the session with id.
func (r *Registry) Get(id string) (terminal.Session, bool) {
	s := r.snap.Load()
	i, ok := s.byID[id]
	if !ok {
		return terminal.Session{}, false
	}
	return s.list[i].Clone(), true
}

// List returns copies of all sessions ordered by creation time.
func (r *Registry) List() []terminal.Session {
	s := r.snap.Load()
	out := make([]terminal.Session, len(s.list))
	for i, sess := range s.list {
		out[i] = sess.Clone()
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.snap.Load().list)
}

// LookupExternal returns the id registered for an external session name.
func (r *Registry) LookupExternal(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExternal[name]
	return id, ok
}

// ExternalNames returns the external session names currently registered.
func (r *Registry) ExternalNames() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.byExternal))
	for name := range r.byExternal {
		out[name] = struct{}{}
	}
	return out
}

// Close removes a session. With force the backing process or tmux session is
// killed first; if the kill fails the session returns to active and an
// ExternalToolError is returned. Without force only the entry is removed and a
// tmux session keeps running as an orphan. Ephemeral handles cannot outlive
// their entry, so Detach kills them.
func (r *Registry) Close(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return terminal.NotFoundError(id)
	}
	if e.session.State == terminal.StateClosing {
		r.mu.Unlock()
		return terminal.ConflictError(id, "session is already closing")
	}

	if !force {
		closed := r.removeLocked(id)
		n := r.publishLocked()
		r.mu.Unlock()

		if e.handle != nil {
			if err := e.handle.Detach(); err != nil {
				r.logger.Warn("detach failed", zap.String("id", id), zap.Error(err))
			}
		}
		r.logger.Info("session detached", zap.String("id", id), zap.String("external", closed.ExternalSessionName))
		r.notifyClosed(closed, false)
		r.notifyCount(n)
		return nil
	}

	e.session.State = terminal.StateClosing
	r.publishLocked()
	h := e.handle
	r.mu.Unlock()

	if h != nil {
		// The session is already closing; a caller that goes away must not
		// leave it reverted to active while the kill lands anyway.
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.killTimeout)
		err := h.Kill(killCtx)
		cancel()
		if err != nil {
			r.mu.Lock()
			if cur, ok := r.entries[id]; ok && cur == e {
				cur.session.State = terminal.StateActive
				r.publishLocked()
			}
			r.mu.Unlock()
			r.logger.Warn("kill failed, session left active", zap.String("id", id), zap.Error(err))
			var te *terminal.Error
			if errors.As(err, &te) {
				return err
			}
			return terminal.ExternalToolError(id, err)
		}
	}

	r.mu.Lock()
	var closed terminal.Session
	removed := false
	if cur, ok := r.entries[id]; ok && cur == e {
		cur.session.State = terminal.StateClosed
		closed = r.removeLocked(id)
		removed = true
	}
	n := r.publishLocked()
	r.mu.Unlock()

	if removed {
		r.logger.Info("session closed", zap.String("id", id), zap.String("external", closed.ExternalSessionName))
		r.notifyClosed(closed, true)
		r.notifyCount(n)
	}
	return nil
}

// Remove drops an entry without touching its handle. Used when the backing
// process has already exited. An entry being closed is left to Close.
func (r *Registry) Remove(id string) (terminal.Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.session.State == terminal.StateClosing {
		r.mu.Unlock()
		return terminal.Session{}, false
	}
	sess := r.removeLocked(id)
	n := r.publishLocked()
	r.mu.Unlock()
	r.notifyCount(n)
	return sess, true
}

// SendInput writes data to an active session.
func (r *Registry) SendInput(ctx context.Context, id string, data []byte) error {
	h, err := r.handleFor(id, true)
	if err != nil {
		return err
	}
	if err := h.Write(ctx, data); err != nil {
		return wrapHandleError(id, err)
	}
	r.Touch(id)
	return nil
}

// Resize changes the terminal dimensions.
func (r *Registry) Resize(ctx context.Context, id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return terminal.ValidationError("size", "cols and rows must be positive")
	}
	h, err := r.handleFor(id, false)
	if err != nil {
		return err
	}
	if err := h.Resize(ctx, cols, rows); err != nil {
		return wrapHandleError(id, err)
	}
	r.Touch(id)
	return nil
}

// Capture returns recent output when the session's handle supports it.
func (r *Registry) Capture(ctx context.Context, id string, lines int) (string, error) {
	h, err := r.handleFor(id, false)
	if err != nil {
		return "", err
	}
	c, ok := h.(Capturer)
	if !ok {
		return "", terminal.ConflictError(id, "session does not support capture")
	}
	out, err := c.Capture(ctx, lines)
	if err != nil {
		return "", wrapHandleError(id, err)
	}
	return out, nil
}

// Touch records activity on a session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.session.LastActivity = r.now()
		r.publishLocked()
	}
}

// MarkRecovered opens the recovery gate. Safe to call more than once.
func (r *Registry) MarkRecovered() {
	r.recoverOnce.Do(func() { close(r.recovered) })
}

// Recovered reports whether startup recovery has finished.
func (r *Registry) Recovered() bool {
	select {
	case <-r.recovered:
		return true
	default:
		return false
	}
}

// WaitRecovered blocks until recovery completes, ctx ends or ceiling elapses.
// It returns true only when recovery actually completed.
func (r *Registry) WaitRecovered(ctx context.Context, ceiling time.Duration) bool {
	if r.Recovered() {
		return true
	}
	timer := time.NewTimer(ceiling)
	defer timer.Stop()
	select {
	case <-r.recovered:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) handleFor(id string, requireActive bool) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, terminal.NotFoundError(id)
	}
	if requireActive && e.session.State != terminal.StateActive {
		return nil, terminal.ConflictError(id, "session is "+string(e.session.State))
	}
	if e.handle == nil {
		return nil, terminal.ConflictError(id, "session has no attached process")
	}
	return e.handle, nil
}

func (r *Registry) removeLocked(id string) terminal.Session {
	e := r.entries[id]
	delete(r.entries, id)
	if name := e.session.ExternalSessionName; name != "" && r.byExternal[name] == id {
		delete(r.byExternal, name)
	}
	return e.session.Clone()
}

// publishLocked rebuilds the read snapshot and returns the entry count.
func (r *Registry) publishLocked() int {
	list := make([]terminal.Session, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e.session.Clone())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	byID := make(map[string]int, len(list))
	for i, s := range list {
		byID[s.ID] = i
	}
	r.snap.Store(&snapshot{list: list, byID: byID})
	return len(list)
}

func (r *Registry) notifyClosed(sess terminal.Session, forced bool) {
	if r.observer != nil {
		r.observer.SessionClosed(sess, forced)
	}
}

func (r *Registry) notifyCount(n int) {
	if r.observer != nil {
		r.observer.SessionCount(n)
	}
}

func wrapHandleError(id string, err error) error {
	var te *terminal.Error
	if errors.As(err, &te) {
		return err
	}
	return terminal.ExternalToolError(id, err)
}
