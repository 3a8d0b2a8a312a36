package status

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/metrics"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// Match tiers, in priority order.
const (
	TierPane      = "pane"
	TierExactCwd  = "exact-cwd"
	TierParentCwd = "parent-cwd"
	TierNone      = "none"
)

// PaneSource resolves session hints to tmux panes.
type PaneSource interface {
	ResolvePane(ctx context.Context, hint string) (string, error)
	LivePanes(ctx context.Context) (map[string]struct{}, error)
}

// Config holds the status directory location and retention thresholds.
type Config struct {
	Dir             string
	CleanupInterval time.Duration
	MaxAge          time.Duration
	NonTmuxIdle     time.Duration
	NonTmuxMaxAge   time.Duration
	DebugMaxAge     time.Duration
	ContextMaxAge   time.Duration
}

// DefaultConfig returns the standard retention policy for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		CleanupInterval: 10 * time.Minute,
		MaxAge:          7 * 24 * time.Hour,
		NonTmuxIdle:     time.Hour,
		NonTmuxMaxAge:   24 * time.Hour,
		DebugMaxAge:     time.Hour,
		ContextMaxAge:   time.Hour,
	}
}

// Resolution is the outcome of a status lookup. Record is nil when nothing
// matched, and Status is then unknown.
type Resolution struct {
	Record  *Record        `json:"record,omitempty"`
	Context *ContextRecord `json:"context,omitempty"`
	Tier    string         `json:"tier"`
	Status  State          `json:"status"`
}

// Matcher finds the status record that belongs to a session.
type Matcher struct {
	cfg     Config
	panes   PaneSource
	emitter *events.EventEmitter
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// The record cache is only trusted while a Watcher keeps it fresh.
	caching atomic.Bool
	stale   atomic.Bool
	mu      sync.Mutex
	records []*Record
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithPanes enables the pane tier and the dead-pane cleanup rule.
func WithPanes(p PaneSource) Option { return func(m *Matcher) { m.panes = p } }

func WithEmitter(em *events.EventEmitter) Option { return func(m *Matcher) { m.emitter = em } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Matcher) { m.metrics = mt } }

func WithLogger(l *zap.Logger) Option { return func(m *Matcher) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Matcher) { m.now = now } }

// New creates a matcher over cfg.Dir. Zero thresholds take the defaults.
func New(cfg Config, opts ...Option) *Matcher {
	def := DefaultConfig(cfg.Dir)
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.NonTmuxIdle <= 0 {
		cfg.NonTmuxIdle = def.NonTmuxIdle
	}
	if cfg.NonTmuxMaxAge <= 0 {
		cfg.NonTmuxMaxAge = def.NonTmuxMaxAge
	}
	if cfg.DebugMaxAge <= 0 {
		cfg.DebugMaxAge = def.DebugMaxAge
	}
	if cfg.ContextMaxAge <= 0 {
		cfg.ContextMaxAge = def.ContextMaxAge
	}
	m := &Matcher{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stale.Store(true)
	return m
}

// Dir returns the status directory.
func (m *Matcher) Dir() string { return m.cfg.Dir }

// Invalidate drops the cached records.
func (m *Matcher) Invalidate() { m.stale.Store(true) }

type query struct {
	dir  string
	pane string
}

type strategy struct {
	tier  string
	match func(q query, r *Record) bool
}

var strategies = []strategy{
	{TierPane, func(q query, r *Record) bool {
		return q.pane != "" && r.SessionKey == q.pane
	}},
	{TierExactCwd, func(q query, r *Record) bool {
		return q.dir != "" && r.WorkingDir == q.dir
	}},
	{TierParentCwd, func(q query, r *Record) bool {
		return q.dir != "" && r.WorkingDir != "" && within(q.dir, r.WorkingDir)
	}},
}

// within reports whether path lies strictly below dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Resolve returns the best status record for a working directory and an
// optional session hint (session id, tmux session name or pane id). The
// first tier with any match wins; within a tier the latest update wins.
func (m *Matcher) Resolve(ctx context.Context, workingDir, hint string) (*Resolution, error) {
	if workingDir == "" && hint == "" {
		return nil, terminal.ValidationError("cwd", "cwd or session is required")
	}
	q := query{}
	if workingDir != "" {
		q.dir = filepath.Clean(workingDir)
	}
	if hint != "" {
		q.pane = m.livePane(ctx, hint)
	}

	records, err := m.load()
	if err != nil {
		return nil, err
	}

	for _, s := range strategies {
		var best *Record
		for _, r := range records {
			if !s.match(q, r) {
				continue
			}
			if best == nil || r.LastUpdated.After(best.LastUpdated.Time) {
				best = r
			}
		}
		if best != nil {
			rec := *best
			return &Resolution{
				Record:  &rec,
				Context: m.linkedContext(&rec),
				Tier:    s.tier,
				Status:  rec.Status,
			}, nil
		}
	}
	return &Resolution{Tier: TierNone, Status: StateUnknown}, nil
}

// livePane resolves hint to a pane id that tmux still lists. Any failure
// just disables the pane tier.
func (m *Matcher) livePane(ctx context.Context, hint string) string {
	if m.panes == nil {
		return ""
	}
	pane, err := m.panes.ResolvePane(ctx, hint)
	if err != nil {
		if !terminal.IsKind(err, terminal.KindNotFound) {
			m.logger.Debug("pane resolution failed", zap.String("hint", hint), zap.Error(err))
		}
		return ""
	}
	live, err := m.panes.LivePanes(ctx)
	if err != nil {
		m.logger.Debug("listing panes failed", zap.Error(err))
		return ""
	}
	if _, ok := live[pane]; !ok {
		return ""
	}
	return pane
}

func (m *Matcher) linkedContext(r *Record) *ContextRecord {
	if !validContextID(r.LinkedContextID) {
		return nil
	}
	ctxRec, err := ReadContext(filepath.Join(m.cfg.Dir, r.LinkedContextID+ContextSuffix))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("unreadable context record",
				zap.String("id", r.LinkedContextID), zap.Error(err))
		}
		return nil
	}
	return ctxRec
}

func (m *Matcher) load() ([]*Record, error) {
	if !m.caching.Load() {
		return m.scan()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stale.Swap(false) {
		records, err := m.scan()
		if err != nil {
			m.stale.Store(true)
			return nil, err
		}
		m.records = records
	}
	return m.records, nil
}

// scan reads every status file. Unreadable files are skipped.
func (m *Matcher) scan() ([]*Record, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, terminal.ExternalToolError(m.cfg.Dir, err)
	}
	var records []*Record
	for _, e := range entries {
		if e.IsDir() || classifyFile(e.Name()) != kindStatus {
			continue
		}
		r, err := ReadRecord(filepath.Join(m.cfg.Dir, e.Name()))
		if err != nil {
			m.logger.Debug("skipping status file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}
