package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrTimeout means the tmux command did not finish in time. It never
	// implies the target is absent.
	ErrTimeout = errors.New("tmux command timed out")
	// ErrNoServer means no tmux server is running, so there are no sessions.
	ErrNoServer = errors.New("tmux server not running")
	// ErrSessionNotFound means the targeted session or pane does not exist.
	ErrSessionNotFound = errors.New("tmux session not found")
	// ErrDuplicateSession means new-session was asked for a name already in use.
	ErrDuplicateSession = errors.New("tmux session already exists")
	// ErrResource means tmux could not allocate a pty, fork or open files.
	ErrResource = errors.New("tmux resource exhausted")
	// ErrNotInstalled means the tmux (or ssh) binary could not be found.
	ErrNotInstalled = errors.New("tmux not installed")
)

// Runner executes one tmux invocation and returns its trimmed stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs tmux locally or on Remote over ssh.
type ExecRunner struct {
	Binary string // defaults to "tmux"
	Remote string // "user@host" or empty for local
}

// Run executes a tmux command
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "tmux"
	}
	prog, argv := binary, args
	if r.Remote != "" {
		// ssh joins its arguments into one remote shell line, so quote each one.
		quoted := make([]string, 0, len(args)+2)
		quoted = append(quoted, r.Remote, binary)
		for _, a := range args {
			quoted = append(quoted, shellQuote(a))
		}
		prog, argv = "ssh", quoted
	}

	cmd := exec.CommandContext(ctx, prog, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), ErrTimeout)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), ctx.Err())
		}
		return "", classify(args, err, stderr.String())
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// classify attaches a sentinel to a failed tmux invocation based on its stderr.
// Callers match sentinels with errors.Is and never inspect the message.
func classify(args []string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	var sentinel error
	switch {
	case errors.Is(err, exec.ErrNotFound):
		sentinel = ErrNotInstalled
	case errors.Is(err, os.ErrPermission), strings.Contains(lower, "permission denied"):
		sentinel = os.ErrPermission
	case strings.Contains(lower, "no server running"),
		strings.Contains(lower, "no sessions"),
		strings.Contains(lower, "error connecting to"):
		sentinel = ErrNoServer
	case strings.Contains(lower, "can't find session"),
		strings.Contains(lower, "session not found"),
		strings.Contains(lower, "can't find pane"),
		strings.Contains(lower, "can't find window"):
		sentinel = ErrSessionNotFound
	case strings.Contains(lower, "duplicate session"):
		sentinel = ErrDuplicateSession
	case strings.Contains(lower, "resource temporarily unavailable"),
		strings.Contains(lower, "too many open files"),
		strings.Contains(lower, "cannot allocate memory"),
		strings.Contains(lower, "fork failed"),
		strings.Contains(lower, "create pty failed"):
		sentinel = ErrResource
	}
	if sentinel == nil {
		return fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return fmt.Errorf("tmux %s: %w: %w: %s", strings.Join(args, " "), sentinel, err, msg)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~=%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Timeouts bounds each class of tmux call.
type Timeouts struct {
	List    time.Duration
	Probe   time.Duration
	Launch  time.Duration
	Kill    time.Duration
	Capture time.Duration
}

// DefaultTimeouts returns the stock bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		List:    3 * time.Second,
		Probe:   2 * time.Second,
		Launch:  10 * time.Second,
		Kill:    10 * time.Second,
		Capture: 30 * time.Second,
	}
}

// Observer is told about every tmux invocation.
type Observer func(op string, elapsed time.Duration, err error)

// Client handles tmux operations, optionally on a remote host
type Client struct {
	Remote string // "user@host" or empty for local

	runner   Runner
	timeouts Timeouts
	observe  Observer
	logger   *zap.Logger

	listGroup singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the exec-based runner.
func WithRunner(r Runner) Option { return func(c *Client) { c.runner = r } }

// WithTimeouts overrides the per-operation bounds. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		d := c.timeouts
		if t.List > 0 {
			d.List = t.List
		}
		if t.Probe > 0 {
			d.Probe = t.Probe
		}
		if t.Launch > 0 {
			d.Launch = t.Launch
		}
		if t.Kill > 0 {
			d.Kill = t.Kill
		}
		if t.Capture > 0 {
			d.Capture = t.Capture
		}
		c.timeouts = d
	}
}

// WithObserver installs a per-command hook (metrics).
func WithObserver(o Observer) Option { return func(c *Client) { c.observe = o } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a new tmux client
func NewClient(remote string, opts ...Option) *Client {
	c := &Client{
		Remote:   remote,
		runner:   ExecRunner{Remote: remote},
		timeouts: DefaultTimeouts(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeouts returns the effective bounds.
func (c *Client) Timeouts() Timeouts { return c.timeouts }

// Run executes a tmux command bounded by timeout.
func (c *Client) Run(ctx context.Context, op string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := c.runner.Run(ctx, args...)
	if err != nil && !errors.Is(err, ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("tmux %s: %w: %w", op, ErrTimeout, err)
	}
	elapsed := time.Since(start)
	if c.observe != nil {
		c.observe(op, elapsed, err)
	}
	if errors.Is(err, ErrTimeout) {
		c.logger.Warn("tmux command timed out", zap.String("op", op), zap.Duration("timeout", timeout))
	} else if err != nil {
		c.logger.Debug("tmux command failed", zap.String("op", op), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
	return out, err
}

// IsInstalled checks if tmux is available on the target host
func (c *Client) IsInstalled(ctx context.Context) bool {
	if _, ok := c.runner.(ExecRunner); ok && c.Remote == "" {
		_, err := exec.LookPath("tmux")
		return err == nil
	}
	_, err := c.Run(ctx, "version", c.timeouts.Probe, "-V")
	return err == nil
}
