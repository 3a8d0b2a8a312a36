// Package spawn admits, launches and registers new terminal sessions.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/agents"
	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/metrics"
	"github.com/Dicklesworthstone/ntmd/internal/ratelimit"
	"github.com/Dicklesworthstone/ntmd/internal/registry"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
	"github.com/Dicklesworthstone/ntmd/internal/tmux"
)

const (
	maxNameRunes = 128
	maxDimension = 1000
	// maxNameAttempts bounds launches when a managed name is already taken.
	maxNameAttempts = 3
)

var colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Request is a spawn request as received from a client.
type Request struct {
	ClientAddr string            `json:"-"`
	Type       terminal.Type     `json:"terminal_type,omitempty"`
	ProfileID  string            `json:"profile_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Command    string            `json:"command,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Platform   terminal.Platform `json:"platform,omitempty"`
	Resumable  *bool             `json:"resumable,omitempty"`
	Color      string            `json:"color,omitempty"`
	Icon       string            `json:"icon,omitempty"`
	Embedded   bool              `json:"embedded,omitempty"`
	Cols       int               `json:"cols,omitempty"`
	Rows       int               `json:"rows,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Config holds the coordinator's launch defaults.
type Config struct {
	Prefix           string
	ResumableDefault bool
	Platform         terminal.Platform // empty means detect
	Shell            string
	ProfileTimeout   time.Duration
	LaunchTimeout    time.Duration
	DefaultCols      int
	DefaultRows      int
}

// Coordinator turns spawn requests into registered sessions.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	limiter  *ratelimit.Window
	profiles agents.ProfileStore
	durable  Backend
	ephem    Backend
	emitter  *events.EventEmitter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	newID    func() string
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProfiles sets the profile store.
func WithProfiles(s agents.ProfileStore) Option { return func(c *Coordinator) { c.profiles = s } }

// WithTmux sets the backend for resumable sessions.
func WithTmux(b Backend) Option { return func(c *Coordinator) { c.durable = b } }

// WithPTY sets the backend for ephemeral sessions.
func WithPTY(b Backend) Option { return func(c *Coordinator) { c.ephem = b } }

// WithEmitter sets the event emitter.
func WithEmitter(e *events.EventEmitter) Option { return func(c *Coordinator) { c.emitter = e } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithIDGenerator replaces uuid.NewString.
func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New creates a coordinator.
func New(cfg Config, reg *registry.Registry, limiter *ratelimit.Window, opts ...Option) *Coordinator {
	if cfg.Prefix == "" {
		cfg.Prefix = terminal.DefaultPrefix
	}
	if cfg.Platform == "" {
		cfg.Platform = terminal.DetectPlatform()
	}
	if cfg.ProfileTimeout <= 0 {
		cfg.ProfileTimeout = 5 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.NewWindow(ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	}
	c := &Coordinator{
		cfg:      cfg,
		registry: reg,
		limiter:  limiter,
		profiles: agents.NewStaticStore(),
		logger:   zap.NewNop(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn validates, rate-limits and launches a session, registering it only
// once the backing process is running. Launch is not cancelled by ctx; it is
// bounded by the launch timeout instead.
func (c *Coordinator) Spawn(ctx context.Context, req Request) (sess *terminal.Session, err error) {
	defer func() { c.metrics.RecordSpawn(err) }()

	if d := c.limiter.Allow(req.ClientAddr); !d.Allowed {
		c.logger.Info("spawn rate limited",
			zap.String("client", req.ClientAddr),
			zap.String("retry_after", ratelimit.FormatDelay(d.RetryAfter)))
		return nil, terminal.RateLimitedError(d.RetryAfter)
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	var profile *agents.Profile
	if req.ProfileID != "" {
		if profile, err = c.resolveProfile(ctx, req.ProfileID); err != nil {
			return nil, err
		}
	}
	plan, err := c.plan(req, profile)
	if err != nil {
		return nil, err
	}

	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LaunchTimeout)
	defer cancel()

	backend := c.ephem
	if plan.session.Resumable {
		backend = c.durable
	}
	if backend == nil {
		return nil, terminal.SpawnFailureError(terminal.ReasonUnavailable,
			fmt.Errorf("no %s backend configured", plan.session.Config[terminal.ConfigBackend]))
	}

	started := c.now()
	handle, err := backend.Launch(launchCtx, plan.spec)
	// The short id in a managed name is 32 bits; on a collision with a live
	// tmux session draw a fresh id rather than fail the spawn.
	for attempt := 1; err != nil && errors.Is(err, tmux.ErrDuplicateSession) && attempt < maxNameAttempts; attempt++ {
		c.logger.Debug("managed name taken, retrying with a new id",
			zap.String("external", plan.spec.ExternalName))
		c.renumber(&plan)
		handle, err = backend.Launch(launchCtx, plan.spec)
	}
	if err != nil {
		reason := classifyLaunch(err)
		c.logger.Warn("launch failed",
			zap.String("id", plan.session.ID),
			zap.String("type", string(plan.session.Type)),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return nil, terminal.SpawnFailureError(reason, err)
	}

	s := plan.session
	s.State = terminal.StateActive
	s.CreatedAt = c.now()
	s.LastActivity = s.CreatedAt
	if err := c.registry.Register(s, handle); err != nil {
		if s.ExternalSessionName != "" {
			c.logger.Error("session launched but not registered, tmux session left orphaned",
				zap.String("id", s.ID), zap.String("external", s.ExternalSessionName), zap.Error(err))
		} else {
			_ = handle.Kill(launchCtx)
		}
		return nil, err
	}

	c.logger.Info("session spawned",
		zap.String("id", s.ID),
		zap.String("type", string(s.Type)),
		zap.String("external", s.ExternalSessionName),
		zap.String("profile", s.ProfileID),
		zap.Duration("launch", c.now().Sub(started)))
	c.emitter.Emit(events.NewSessionEvent(events.TypeSessionSpawned, s))

	// A process that exits before it was registered never reaches its OnExit cleanup.
	if d, ok := handle.(interface{ Done() <-chan struct{} }); ok {
		select {
		case <-d.Done():
			c.processExited(s.ID, nil)
		default:
		}
	}

	out := s.Clone()
	return &out, nil
}

func (c *Coordinator) resolveProfile(ctx context.Context, id string) (*agents.Profile, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProfileTimeout)
	defer cancel()
	p, err := c.profiles.Resolve(pctx, id)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, agents.ErrProfileNotFound):
		return nil, terminal.NotFoundError("profile " + id)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, terminal.SpawnFailureError(terminal.ReasonTimeout, fmt.Errorf("resolve profile %s: %w", id, err))
	default:
		return nil, terminal.SpawnFailureError(terminal.ReasonUnavailable, fmt.Errorf("resolve profile %s: %w", id, err))
	}
}

type launchPlan struct {
	session terminal.Session
	spec    LaunchSpec
}

// plan merges the request over the profile. Explicit request fields win.
func (c *Coordinator) plan(req Request, p *agents.Profile) (launchPlan, error) {
	if p == nil {
		p = &agents.Profile{}
	}

	typ := req.Type
	if typ == "" {
		if req.Command != "" && p.Type == "" {
			typ = agents.DetectType(req.Command)
		} else {
			typ = p.TerminalType()
		}
	}
	info, ok := terminal.LookupType(typ)
	if !ok {
		return launchPlan{}, terminal.ValidationError("terminal_type", fmt.Sprintf("unknown terminal type %q", typ))
	}

	command := firstNonEmpty(req.Command, p.Command, info.Command)

	dir := req.WorkingDir
	if dir == "" && p.WorkingDir != "" {
		dir = expandHome(p.WorkingDir)
		if !filepath.IsAbs(dir) {
			return launchPlan{}, terminal.ValidationError("working_dir", "profile working directory must be absolute")
		}
	}
	if dir == "" {
		dir, _ = os.UserHomeDir()
	}

	color := firstNonEmpty(req.Color, p.Color)
	if color != "" && !colorPattern.MatchString(color) {
		return launchPlan{}, terminal.ValidationError("color", "profile color must be #rgb or #rrggbb")
	}

	resumable := c.cfg.ResumableDefault
	if p.Resumable != nil {
		resumable = *p.Resumable
	}
	if req.Resumable != nil {
		resumable = *req.Resumable
	}

	platform := req.Platform
	if platform == "" {
		platform = c.cfg.Platform
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = c.cfg.DefaultCols
	}
	if rows == 0 {
		rows = c.cfg.DefaultRows
	}

	env := make(map[string]string, len(p.Env)+len(req.Env))
	for k, v := range p.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	id := c.newID()
	name := firstNonEmpty(req.Name, p.Name, info.DisplayName)

	sess := terminal.Session{
		ID:          id,
		Name:        name,
		Type:        typ,
		Platform:    platform,
		Resumable:   resumable,
		Color:       color,
		Icon:        firstNonEmpty(req.Icon, p.Icon),
		WorkingDir:  dir,
		State:       terminal.StateSpawning,
		Embedded:    req.Embedded,
		ProfileID:   p.ID,
		ProfileName: p.Name,
		Config: map[string]string{
			terminal.ConfigCommand: command,
			terminal.ConfigCols:    strconv.Itoa(cols),
			terminal.ConfigRows:    strconv.Itoa(rows),
		},
	}
	spec := LaunchSpec{
		ID:      id,
		Command: command,
		Dir:     dir,
		Cols:    cols,
		Rows:    rows,
		Env:     env,
		Color:   color,
	}

	if resumable {
		token := string(typ)
		if p.ID != "" {
			token = terminal.SanitizeToken(p.ID)
		}
		spec.ExternalName = terminal.FormatManagedName(c.cfg.Prefix, token, id)
		sess.ExternalSessionName = spec.ExternalName
		sess.Config[terminal.ConfigBackend] = terminal.BackendTmux
		sess.Config[terminal.ConfigExternal] = spec.ExternalName
	} else {
		spec.Shell = c.cfg.Shell
		spec.OnExit = c.processExited
		sess.Config[terminal.ConfigBackend] = terminal.BackendPTY
		if spec.Shell != "" {
			sess.Config[terminal.ConfigShell] = spec.Shell
		}
	}
	return launchPlan{session: sess, spec: spec}, nil
}

// renumber gives a resumable plan a fresh id and managed name.
func (c *Coordinator) renumber(p *launchPlan) {
	id := c.newID()
	parsed, _ := terminal.ParseManagedName(c.cfg.Prefix, p.spec.ExternalName)
	token := parsed.Token
	p.session.ID = id
	p.spec.ID = id
	p.spec.ExternalName = terminal.FormatManagedName(c.cfg.Prefix, token, id)
	p.session.ExternalSessionName = p.spec.ExternalName
	p.session.Config[terminal.ConfigExternal] = p.spec.ExternalName
}

// processExited drops an ephemeral session whose process ended on its own.
func (c *Coordinator) processExited(id string, err error) {
	sess, ok := c.registry.Remove(id)
	if !ok {
		return
	}
	fields := []zap.Field{zap.String("id", id)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Info("session process exited", fields...)
	sess.State = terminal.StateClosed
	c.emitter.Emit(events.NewSessionEvent(events.TypeSessionExited, sess))
}

func validate(req Request) error {
	if req.Type == "" && req.ProfileID == "" {
		return terminal.ValidationError("terminal_type", "terminal_type or profile_id is required")
	}
	if req.Type != "" && !terminal.IsRegistered(req.Type) {
		return terminal.ValidationError("terminal_type", fmt.Sprintf("unknown terminal type %q", req.Type))
	}
	if req.ProfileID != "" && !agents.ProfileIDPattern.MatchString(req.ProfileID) {
		return terminal.ValidationError("profile_id", "profile id must match [A-Za-z0-9._-]{1,128}")
	}
	if req.Color != "" && !colorPattern.MatchString(req.Color) {
		return terminal.ValidationError("color", "color must be #rgb or #rrggbb")
	}
	if req.WorkingDir != "" && !filepath.IsAbs(req.WorkingDir) {
		return terminal.ValidationError("working_dir", "working directory must be absolute")
	}
	if req.Cols < 0 || req.Cols > maxDimension || req.Rows < 0 || req.Rows > maxDimension {
		return terminal.ValidationError("size", fmt.Sprintf("cols and rows must be between 0 and %d", maxDimension))
	}
	if utf8.RuneCountInString(req.Name) > maxNameRunes {
		return terminal.ValidationError("name", fmt.Sprintf("name longer than %d characters", maxNameRunes))
	}
	if req.Platform != "" && !req.Platform.Valid() {
		return terminal.ValidationError("platform", fmt.Sprintf("unknown platform %q", req.Platform))
	}
	return nil
}

// classifyLaunch maps a backend error onto the spawn failure reasons.
func classifyLaunch(err error) terminal.SpawnReason {
	switch {
	case errors.Is(err, tmux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return terminal.ReasonTimeout
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return terminal.ReasonPermission
	case errors.Is(err, tmux.ErrResource), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return terminal.ReasonResource
	case errors.Is(err, tmux.ErrNotInstalled), errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return terminal.ReasonUnavailable
	default:
		return terminal.ReasonOther
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
