// Package reconcile keeps the registry and the tmux server in agreement:
// orphan detection, reattach, kill and the startup recovery pass.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Dicklesworthstone/ntmd/internal/agents"
	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/metrics"
	"github.com/Dicklesworthstone/ntmd/internal/registry"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
	"github.com/Dicklesworthstone/ntmd/internal/tmux"
)

// Config bounds reconciliation work.
type Config struct {
	Prefix       string
	Platform     terminal.Platform
	AutoReattach bool
	GracePeriod  time.Duration // startup recovery ceiling
	Concurrency  int           // bulk workers
	Pace         time.Duration // minimum gap between bulk item starts
	KillTimeout  time.Duration // batch deadline when the caller gives none
}

// Engine reconciles the registry with tmux.
type Engine struct {
	cfg      Config
	tmux     *tmux.Client
	registry *registry.Registry
	emitter  *events.EventEmitter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	newID    func() string
	now      func() time.Time
	hostname string

	orphans singleflight.Group

	// lastOrphans is the set last announced; detection only emits on change.
	mu          sync.Mutex
	lastOrphans []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the event emitter.
func WithEmitter(em *events.EventEmitter) Option { return func(e *Engine) { e.emitter = em } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine.
func New(cfg Config, client *tmux.Client, reg *registry.Registry, opts ...Option) *Engine {
	if cfg.Prefix == "" {
		cfg.Prefix = terminal.DefaultPrefix
	}
	if cfg.Platform == "" {
		cfg.Platform = terminal.DetectPlatform()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 30 * time.Second
	}
	host, _ := os.Hostname()
	e := &Engine{
		cfg:      cfg,
		tmux:     client,
		registry: reg,
		logger:   zap.NewNop(),
		newID:    uuid.NewString,
		now:      time.Now,
		hostname: host,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DetectOrphans returns managed tmux sessions with no registry entry, sorted.
// Concurrent callers share one tmux listing.
func (e *Engine) DetectOrphans(ctx context.Context) ([]string, error) {
	v, err, _ := e.orphans.Do("orphans", func() (any, error) {
		return e.detectOrphans(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

func (e *Engine) detectOrphans(ctx context.Context) ([]string, error) {
	sessions, err := e.tmux.ListSessions(ctx, e.cfg.Prefix+"_")
	if err != nil {
		return nil, terminal.ExternalToolError("list-sessions", err)
	}
	known := e.registry.ExternalNames()
	var orphans []string
	for _, s := range sessions {
		if !terminal.IsManagedName(e.cfg.Prefix, s.Name) {
			continue
		}
		if _, ok := known[s.Name]; ok {
			continue
		}
		orphans = append(orphans, s.Name)
	}
	sort.Strings(orphans)

	e.metrics.SetOrphans(len(orphans))
	if e.orphanSetChanged(orphans) && len(orphans) > 0 {
		e.logger.Info("orphaned sessions detected", zap.Strings("names", orphans))
		e.emitter.Emit(events.NewOrphansEvent(orphans))
	}
	return orphans, nil
}

// orphanSetChanged records a sorted orphan set and reports whether it differs
// from the previous one.
func (e *Engine) orphanSetChanged(orphans []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slices.Equal(e.lastOrphans, orphans) {
		return false
	}
	e.lastOrphans = slices.Clone(orphans)
	return true
}

// Reattach registers an existing managed tmux session as an active, recovered
// session. Probing is best effort: a failed probe falls back to a name derived
// from the session token and the home directory.
func (e *Engine) Reattach(ctx context.Context, name string) (*terminal.Session, error) {
	parsed, err := terminal.ParseManagedName(e.cfg.Prefix, name)
	if err != nil {
		return nil, terminal.ValidationError("name", err.Error())
	}
	if _, ok := e.registry.LookupExternal(name); ok {
		return nil, terminal.ConflictError(name, "already registered")
	}
	exists, err := e.tmux.HasSession(ctx, name)
	if err != nil {
		return nil, terminal.ExternalToolError(name, err)
	}
	if !exists {
		return nil, terminal.NotFoundError(name)
	}

	probe, err := e.tmux.Probe(ctx, name)
	if err != nil {
		if errors.Is(err, tmux.ErrSessionNotFound) {
			return nil, terminal.NotFoundError(name)
		}
		e.logger.Warn("probe failed, using defaults", zap.String("session", name), zap.Error(err))
		probe = tmux.ProbeResult{}
	}

	sess := terminal.Session{
		ID:                  e.newID(),
		Name:                e.displayName(parsed, probe.Title),
		Type:                tokenType(parsed.Token),
		Platform:            e.cfg.Platform,
		Resumable:           true,
		WorkingDir:          probe.CurrentPath,
		State:               terminal.StateActive,
		CreatedAt:           e.now(),
		ExternalSessionName: name,
		Recovered:           true,
		Config: map[string]string{
			terminal.ConfigBackend:  terminal.BackendTmux,
			terminal.ConfigExternal: name,
		},
	}
	if sess.WorkingDir == "" {
		sess.WorkingDir, _ = os.UserHomeDir()
	}
	if probe.PaneID != "" {
		sess.Config[terminal.ConfigPaneID] = probe.PaneID
	}

	if err := e.registry.Register(sess, e.tmux.Handle(name)); err != nil {
		return nil, err
	}
	e.metrics.IncReattached()
	e.emitter.Emit(events.NewSessionEvent(events.TypeSessionSpawned, sess))
	return &sess, nil
}

// displayName prefers a pane title the agent set itself. tmux defaults the
// title to the hostname, which says nothing about the session.
func (e *Engine) displayName(parsed terminal.ManagedName, title string) string {
	title = strings.TrimSpace(title)
	switch {
	case title == "", title == "localhost", title == e.hostname, title == parsed.String():
		return parsed.DisplayName()
	default:
		return title
	}
}

// tokenType maps a managed-name token back to a terminal type. Profile slugs
// go through command detection, so "claude-review" still reads as claude.
func tokenType(token string) terminal.Type {
	if t := terminal.Type(token); terminal.IsRegistered(t) {
		return t
	}
	return agents.DetectType(token)
}

// Kill destroys a managed tmux session. A registered session is closed with
// force through the registry so its entry goes too.
func (e *Engine) Kill(ctx context.Context, name string) error {
	if !terminal.IsManagedName(e.cfg.Prefix, name) {
		return terminal.ValidationError("name", fmt.Sprintf("%q is not a managed session name", name))
	}
	exists, err := e.tmux.HasSession(ctx, name)
	if err != nil {
		return terminal.ExternalToolError(name, err)
	}
	id, registered := e.registry.LookupExternal(name)
	if !exists {
		if registered {
			if sess, ok := e.registry.Remove(id); ok {
				e.logger.Info("dropped entry for vanished tmux session",
					zap.String("id", id), zap.String("external", sess.ExternalSessionName))
			}
		}
		return terminal.NotFoundError(name)
	}

	if registered {
		if err := e.registry.Close(ctx, id, true); err != nil {
			return err
		}
	} else if err := e.tmux.KillSession(ctx, name); err != nil {
		if errors.Is(err, tmux.ErrSessionNotFound) {
			return terminal.NotFoundError(name)
		}
		return terminal.ExternalToolError(name, err)
	}
	e.metrics.IncKilled()
	e.logger.Info("tmux session killed", zap.String("session", name), zap.Bool("registered", registered))
	return nil
}

// KillMany kills every name independently within timeout (the configured
// default when zero).
func (e *Engine) KillMany(ctx context.Context, names []string, timeout time.Duration) BulkResult {
	if timeout <= 0 {
		timeout = e.cfg.KillTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.runBulk(ctx, "kill", names, e.Kill)
}

// ReattachMany reattaches every name independently.
func (e *Engine) ReattachMany(ctx context.Context, names []string) BulkResult {
	return e.runBulk(ctx, "reattach", names, func(ctx context.Context, name string) error {
		_, err := e.Reattach(ctx, name)
		return err
	})
}

// RecoveryReport summarizes the startup pass.
type RecoveryReport struct {
	Orphans    []string   `json:"orphans"`
	Reattached BulkResult `json:"reattached"`
	Err        error      `json:"-"`
}

// Recover runs once at startup. It opens the registry's recovery gate when
// done, whatever the outcome, and never runs longer than the grace period.
func (e *Engine) Recover(ctx context.Context) RecoveryReport {
	defer e.registry.MarkRecovered()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.GracePeriod)
	defer cancel()

	started := e.now()
	orphans, err := e.DetectOrphans(ctx)
	if err != nil {
		e.logger.Warn("startup recovery could not list tmux sessions", zap.Error(err))
		return RecoveryReport{Err: err}
	}
	report := RecoveryReport{Orphans: orphans}
	if !e.cfg.AutoReattach || len(orphans) == 0 {
		e.logger.Info("startup recovery finished", zap.Int("orphans", len(orphans)))
		return report
	}
	report.Reattached = e.ReattachMany(ctx, orphans)
	e.logger.Info("startup recovery finished",
		zap.Int("orphans", len(orphans)),
		zap.Int("reattached", len(report.Reattached.Succeeded)),
		zap.Int("failed", len(report.Reattached.Failed)),
		zap.Duration("elapsed", e.now().Sub(started)))
	return report
}

// ResolvePane maps a hint (session id, tmux session name or pane id) to the
// live pane id of that session.
func (e *Engine) ResolvePane(ctx context.Context, hint string) (string, error) {
	if hint == "" {
		return "", terminal.ValidationError("session", "empty session hint")
	}
	if strings.HasPrefix(hint, "%") {
		return hint, nil
	}
	name := hint
	if sess, ok := e.registry.Get(hint); ok {
		if sess.ExternalSessionName == "" {
			return "", terminal.NotFoundError(hint)
		}
		name = sess.ExternalSessionName
	}
	if err := tmux.ValidateSessionName(name); err != nil {
		return "", terminal.ValidationError("session", err.Error())
	}
	probe, err := e.tmux.Probe(ctx, name)
	if err != nil {
		if errors.Is(err, tmux.ErrSessionNotFound) || errors.Is(err, tmux.ErrNoServer) {
			return "", terminal.NotFoundError(hint)
		}
		return "", terminal.ExternalToolError(name, err)
	}
	return probe.PaneID, nil
}

// LivePanes returns the ids of every live tmux pane.
func (e *Engine) LivePanes(ctx context.Context) (map[string]struct{}, error) {
	panes, err := e.tmux.ListPanes(ctx)
	if err != nil {
		return nil, terminal.ExternalToolError("list-panes", err)
	}
	return panes, nil
}
