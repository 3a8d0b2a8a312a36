package tmux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// fieldSep separates format fields; it cannot appear in session names.
const fieldSep = "|#|"

// SessionInfo represents a tmux session
type SessionInfo struct {
	Name     string
	Windows  int
	Attached bool
	Created  time.Time
}

// ProbeResult is what reattach learns about a session's active pane.
type ProbeResult struct {
	Title       string
	CurrentPath string
	PaneID      string
}

// StartOptions describes a new detached session.
type StartOptions struct {
	Command string
	Dir     string
	Cols    int
	Rows    int
	Env     map[string]string
}

// ValidateSessionName checks if a session name is valid
func ValidateSessionName(name string) error {
	if name == "" {
		return errors.New("session name cannot be empty")
	}
	if strings.ContainsAny(name, ":.") {
		return errors.New("session name cannot contain ':' or '.'")
	}
	if strings.Contains(name, fieldSep) {
		return fmt.Errorf("session name cannot contain %q", fieldSep)
	}
	return nil
}

// exact targets a session by exact name; tmux otherwise accepts prefixes.
func exact(name string) string { return "=" + name }

// pane targets the active pane of a session.
func pane(name string) string { return "=" + name + ":" }

// ListSessions returns tmux sessions whose names start with prefix. Concurrent
// callers share one list-sessions invocation. No server means no sessions.
func (c *Client) ListSessions(ctx context.Context, prefix string) ([]SessionInfo, error) {
	v, err, _ := c.listGroup.Do("sessions", func() (any, error) {
		return c.listSessions(ctx)
	})
	if err != nil {
		return nil, err
	}
	all := v.([]SessionInfo)
	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		if strings.HasPrefix(s.Name, prefix) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Client) listSessions(ctx context.Context) ([]SessionInfo, error) {
	format := strings.Join([]string{"#{session_name}", "#{session_windows}", "#{session_attached}", "#{session_created}"}, fieldSep)
	output, err := c.Run(ctx, "list-sessions", c.timeouts.List, "list-sessions", "-F", format)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessions(output), nil
}

func parseSessions(output string) []SessionInfo {
	var sessions []SessionInfo
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(strings.TrimSpace(line), fieldSep)
		if len(parts) < 4 || parts[0] == "" {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		attached, _ := strconv.Atoi(parts[2])
		var created time.Time
		if secs, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			created = time.Unix(secs, 0)
		}
		sessions = append(sessions, SessionInfo{
			Name:     parts[0],
			Windows:  windows,
			Attached: attached > 0,
			Created:  created,
		})
	}
	return sessions
}

// HasSession reports whether a session with exactly name exists.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.Run(ctx, "has-session", c.timeouts.Probe, "has-session", "-t", exact(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNoServer):
		return false, nil
	default:
		return false, err
	}
}

// StartSession creates a detached session running opts.Command (or the default shell).
func (c *Client) StartSession(ctx context.Context, name string, opts StartOptions) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if opts.Dir != "" {
		args = append(args, "-c", opts.Dir)
	}
	if opts.Cols > 0 && opts.Rows > 0 {
		args = append(args, "-x", strconv.Itoa(opts.Cols), "-y", strconv.Itoa(opts.Rows))
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}
	_, err := c.Run(ctx, "new-session", c.timeouts.Launch, args...)
	return err
}

// KillSession destroys the session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "kill-session", c.timeouts.Kill, "kill-session", "-t", exact(name))
	if errors.Is(err, ErrNoServer) {
		return fmt.Errorf("kill %s: %w", name, ErrSessionNotFound)
	}
	return err
}

// Probe reads the active pane's title, working directory and id.
func (c *Client) Probe(ctx context.Context, name string) (ProbeResult, error) {
	format := strings.Join([]string{"#{pane_title}", "#{pane_current_path}", "#{pane_id}"}, fieldSep)
	out, err := c.Run(ctx, "probe", c.timeouts.Probe, "display-message", "-p", "-t", pane(name), format)
	if err != nil {
		return ProbeResult{}, err
	}
	parts := strings.Split(strings.TrimSpace(out), fieldSep)
	if len(parts) != 3 {
		return ProbeResult{}, fmt.Errorf("probe %s: unexpected output %q", name, out)
	}
	return ProbeResult{Title: parts[0], CurrentPath: parts[1], PaneID: parts[2]}, nil
}

// ListPanes returns the ids of every live pane across all sessions.
func (c *Client) ListPanes(ctx context.Context) (map[string]struct{}, error) {
	out, err := c.Run(ctx, "list-panes", c.timeouts.List, "list-panes", "-a", "-F", "#{pane_id}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}
	panes := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			panes[id] = struct{}{}
		}
	}
	return panes, nil
}

// SendKeys types data literally into the session's active pane.
func (c *Client) SendKeys(ctx context.Context, name, data string) error {
	_, err := c.Run(ctx, "send-keys", c.timeouts.Probe, "send-keys", "-t", pane(name), "-l", "--", data)
	return err
}

// Resize sets the session window size.
func (c *Client) Resize(ctx context.Context, name string, cols, rows int) error {
	_, err := c.Run(ctx, "resize-window", c.timeouts.Probe, "resize-window", "-t", pane(name),
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// Capture returns the last lines of the active pane with wrapped lines joined.
func (c *Client) Capture(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	return c.Run(ctx, "capture-pane", c.timeouts.Capture, "capture-pane", "-p", "-J", "-t", pane(name),
		"-S", fmt.Sprintf("-%d", lines))
}

// Handle returns a registry handle bound to the named session.
func (c *Client) Handle(name string) *SessionHandle {
	return &SessionHandle{client: c, name: name}
}
