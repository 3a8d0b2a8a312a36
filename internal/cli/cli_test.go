package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/config"
	"github.com/Dicklesworthstone/ntmd/internal/reconcile"
	"github.com/Dicklesworthstone/ntmd/internal/status"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
	"github.com/Dicklesworthstone/ntmd/internal/tmux/tmuxtest"
)

type cliEnv struct {
	daemon *daemon
	tmux   *tmuxtest.Server
	addr   string
	cfg    *config.Config
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Status.Dir = t.TempDir()
	cfg.Status.Watch = false
	cfg.Profiles.File = filepath.Join(t.TempDir(), "profiles.yaml")
	cfg.Spawn.Platform = string(terminal.PlatformLocal)
	cfg.Server.APIRate = 0
	cfg.Bulk.Pace = 0
	return cfg
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	cfg := testConfig(t)
	cfg.Recovery.Enabled = false
	srv := tmuxtest.New()
	d := newDaemon(cfg, zap.NewNop(), withTmuxRunner(srv))

	ctx, cancel := context.WithCancel(context.Background())
	d.startBackground(ctx)
	t.Cleanup(func() {
		cancel()
		d.emitter.Stop()
	})

	ts := httptest.NewServer(d.server.Handler())
	t.Cleanup(ts.Close)
	return &cliEnv{daemon: d, tmux: srv, addr: ts.URL, cfg: cfg}
}

// run executes the CLI against the test daemon.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLI(t, append([]string{"--addr", e.addr, "--config", filepath.Join(t.TempDir(), "none.toml")}, args...)...)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStyledTableRender(t *testing.T) {
	tbl := NewStyledTable("ID", "NAME").WithTitle("Sessions").WithFooter("2 session(s)")
	tbl.AddRow("1", "alpha")
	tbl.AddRow("22", "日本")
	out := tbl.Render()

	assert.Equal(t, 2, tbl.RowCount())
	assert.True(t, strings.HasPrefix(out, "Sessions\n╭"))
	assert.Contains(t, out, "│ ID │ NAME  │")
	assert.Contains(t, out, "│ 22 │ 日本  │")
	assert.Contains(t, out, "╰────┴───────╯")
	assert.True(t, strings.HasSuffix(out, "2 session(s)\n"))
	assert.NotContains(t, out, "\x1b[")
}

func TestStyledTableStyles(t *testing.T) {
	simple := NewStyledTable("A").WithStyle(TableStyleSimple)
	simple.AddRow("x")
	assert.Contains(t, simple.Render(), "┌───┐")

	minimal := NewStyledTable("A", "B").WithStyle(TableStyleMinimal)
	minimal.AddRow("x", "y")
	out := minimal.Render()
	assert.NotContains(t, out, "╭")
	assert.NotContains(t, out, "┌")
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "───────", lines[1])

	assert.Empty(t, NewStyledTable().Render())
}

func TestStyledTableTruncates(t *testing.T) {
	tbl := NewStyledTable("DIR").WithMaxCellWidth(10)
	tbl.AddRow("/home/user/projects/very/deep")
	tbl.AddRow("line\nbreak")
	out := tbl.Render()
	assert.Contains(t, out, "/home/use…")
	assert.Contains(t, out, "line break")
	assert.NotContains(t, out, "deep")
}

func TestRuneWidthIgnoresANSI(t *testing.T) {
	assert.Equal(t, 5, runeWidth("\x1b[1;34mhello\x1b[0m"))
	assert.Equal(t, 4, runeWidth("日本"))
	assert.Equal(t, "ab   ", padRight("ab", 5))
	assert.Equal(t, "abcdef", padRight("abcdef", 3))
}

func TestHelpers(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, env)
	_, err = parseEnv([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseEnv([]string{"=v"})
	assert.Error(t, err)

	assert.Equal(t, "http://127.0.0.1:7337", baseURL("127.0.0.1:7337"))
	assert.Equal(t, "https://host:1", baseURL("https://host:1"))

	assert.Equal(t, "-", age(time.Time{}))
	assert.Equal(t, "5m", age(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "2d", age(time.Now().Add(-49*time.Hour)))
	assert.Equal(t, "abcdef12", shortID("abcdef12-3456"))
}

func TestServeOptionsApply(t *testing.T) {
	cfg := config.Default()
	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9000", "--no-recovery", "--no-watch", "--log-level", "debug", "--dev"}))

	opts := serveOptions{Port: 9000, NoRecovery: true, NoWatch: true, LogLevel: "debug", Development: true}
	opts.apply(cmd, cfg)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Recovery.Enabled)
	assert.False(t, cfg.Status.Watch)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestSessionLifecycle(t *testing.T) {
	e := newCLIEnv(t)
	dir := t.TempDir()

	out, err := e.run(t, "--json", "spawn", "shell", "--dir", dir, "-e", "FOO=bar")
	require.NoError(t, err, out)
	var sess terminal.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	assert.Equal(t, terminal.TypeShell, sess.Type)
	assert.True(t, sess.Resumable)
	require.NotEmpty(t, sess.ExternalSessionName)
	tm, ok := e.tmux.Get(sess.ExternalSessionName)
	require.True(t, ok)
	assert.Equal(t, "bar", tm.Env["FOO"])

	out, err = e.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, shortID(sess.ID))
	assert.Contains(t, out, "1 session(s)")
	assert.Contains(t, out, "tmux")

	out, err = e.run(t, "get", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, out, sess.ExternalSessionName)

	_, err = e.run(t, "send", sess.ID, "echo", "hi")
	require.NoError(t, err)
	out, err = e.run(t, "capture", sess.ID, "-n", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "echo hi")

	out, err = e.run(t, "resize", sess.ID, "100", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "100x30")

	out, err = e.run(t, "close", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "detached")
	assert.True(t, e.tmux.Has(sess.ExternalSessionName))

	out, err = e.run(t, "orphans")
	require.NoError(t, err)
	assert.Contains(t, out, sess.ExternalSessionName)

	out, err = e.run(t, "--json", "reattach", "--all")
	require.NoError(t, err, out)
	var bulk reconcile.BulkResult
	require.NoError(t, json.Unmarshal([]byte(out), &bulk))
	assert.Equal(t, []string{sess.ExternalSessionName}, bulk.Succeeded)
	assert.Empty(t, bulk.Failed)

	out, err = e.run(t, "kill", sess.ExternalSessionName)
	require.NoError(t, err)
	assert.Contains(t, out, "killed")
	assert.False(t, e.tmux.Has(sess.ExternalSessionName))

	out, err = e.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions.")
}

func TestEphemeralFlagsConflict(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "spawn", "shell", "--ephemeral", "--resumable")
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestCommandErrors(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, "get", "missing")
	require.Error(t, err)
	assert.Equal(t, terminal.KindNotFound, terminal.KindOf(err))

	_, err = e.run(t, "kill", "not-managed")
	require.Error(t, err)
	assert.Equal(t, terminal.KindValidation, terminal.KindOf(err))

	_, err = e.run(t, "reattach", "--all", "ntmd_shell_00000001")
	assert.ErrorContains(t, err, "not both")
	_, err = e.run(t, "kill")
	assert.ErrorContains(t, err, "not both")

	_, err = e.run(t, "resize", "x", "wide", "10")
	assert.ErrorContains(t, err, "invalid cols")

	_, err = runCLI(t, "--addr", "127.0.0.1:1", "--timeout", "500ms", "list")
	require.Error(t, err)
	assert.Equal(t, terminal.KindExternalTool, terminal.KindOf(err))
}

func TestBulkKillReportsFailures(t *testing.T) {
	e := newCLIEnv(t)
	e.tmux.Add("ntmd_shell_0000000a", "/tmp")

	out, err := e.run(t, "--json", "kill", "ntmd_shell_0000000a", "ntmd_shell_0000000b", "--batch-timeout", "5s")
	require.NoError(t, err, out)
	var bulk reconcile.BulkResult
	require.NoError(t, json.Unmarshal([]byte(out), &bulk))
	assert.Equal(t, []string{"ntmd_shell_0000000a"}, bulk.Succeeded)
	require.Len(t, bulk.Failed, 1)
	assert.Equal(t, terminal.KindNotFound, bulk.Failed[0].Kind)

	_, err = e.run(t, "kill", "ntmd_shell_0000000c", "ntmd_shell_0000000d")
	assert.ErrorContains(t, err, "all 2 item(s) failed")
}

func TestStatusAndCleanup(t *testing.T) {
	e := newCLIEnv(t)
	work := t.TempDir()

	rec := map[string]any{
		"sessionKey":  "",
		"workingDir":  work,
		"status":      "working",
		"currentTool": "Edit",
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.Status.Dir, "agent"+status.StatusSuffix), data, 0o644))

	out, err := e.run(t, "--json", "status", "--cwd", work)
	require.NoError(t, err, out)
	var res status.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, status.TierExactCwd, res.Tier)
	assert.Equal(t, status.StateWorking, res.Status)

	out, err = e.run(t, "status", "--cwd", work)
	require.NoError(t, err)
	assert.Contains(t, out, "working")
	assert.Contains(t, out, "Edit")

	debug := filepath.Join(e.cfg.Status.Dir, "debug-old.log")
	require.NoError(t, os.WriteFile(debug, []byte("x"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(debug, old, old))

	out, err = e.run(t, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, status.RuleDebugMaxAge)
	assert.Contains(t, out, "1 of 2 file(s) removed")
	assert.NoFileExists(t, debug)

	out, err = e.run(t, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to remove")
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9911\n"), 0o644))

	out, err := runCLI(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port = 9911")

	out, err = runCLI(t, "--config", path, "--json", "config", "show")
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 9911, cfg.Server.Port)

	out, err = runCLI(t, "--config", path, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ntmd dev")
}

func TestDaemonRecoversOrphansAtStartup(t *testing.T) {
	cfg := testConfig(t)
	srv := tmuxtest.New()
	srv.Add("ntmd_claude_1a2b3c4d", "/work")
	srv.Add("other-session", "/tmp")
	d := newDaemon(cfg, zap.NewNop(), withTmuxRunner(srv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.startBackground(ctx)
	defer d.emitter.Stop()

	require.True(t, d.registry.WaitRecovered(ctx, 5*time.Second))
	sessions := d.registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "ntmd_claude_1a2b3c4d", sessions[0].ExternalSessionName)
	assert.Equal(t, terminal.TypeClaude, sessions[0].Type)
	assert.True(t, sessions[0].Recovered)
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()
	want := []string{"serve", "spawn", "list", "get", "close", "send", "resize", "capture",
		"orphans", "reattach", "kill", "status", "cleanup", "config", "version"}
	got := map[string]*cobra.Command{}
	for _, c := range root.Commands() {
		got[c.Name()] = c
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
	for _, flag := range []string{"config", "json", "no-color", "addr", "timeout"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}
