package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/registry"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
	"github.com/Dicklesworthstone/ntmd/internal/tmux"
	"github.com/Dicklesworthstone/ntmd/internal/tmux/tmuxtest"
)

const (
	nameA = "ntmd_shell_aaaaaaaa"
	nameB = "ntmd_claude_bbbbbbbb"
	nameC = "ntmd_codex_cccccccc"
)

type fixture struct {
	engine *Engine
	reg    *registry.Registry
	srv    *tmuxtest.Server
	client *tmux.Client
	bus    *events.EventBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		reg: registry.New(),
		srv: tmuxtest.New(),
		bus: events.NewEventBus(50),
	}
	emitter := events.NewEventEmitter(f.bus, 32, nil)
	emitter.Start()
	t.Cleanup(emitter.Stop)

	f.client = tmux.NewClient("", tmux.WithRunner(f.srv), tmux.WithTimeouts(tmux.Timeouts{
		List: 200 * time.Millisecond, Probe: 200 * time.Millisecond,
		Launch: 200 * time.Millisecond, Kill: 200 * time.Millisecond,
	}))
	if cfg.Prefix == "" {
		cfg.Prefix = "ntmd"
	}
	cfg.Platform = terminal.PlatformLocal
	f.engine = New(cfg, f.client, f.reg, WithEmitter(emitter))
	return f
}

func TestDetectOrphans(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")
	f.srv.Add(nameB, "/b")
	f.srv.Add("work", "/home")               // unmanaged
	f.srv.Add("ntmd_shell_nothex00", "/tmp") // not the grammar
	f.srv.Add("other_shell_dddddddd", "/tmp")

	require.NoError(t, f.reg.Register(terminal.Session{ID: "x", ExternalSessionName: nameB, State: terminal.StateActive}, f.client.Handle(nameB)))

	orphans, err := f.engine.DetectOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{nameA}, orphans)
}

func TestDetectOrphans_NoServer(t *testing.T) {
	f := newFixture(t, Config{})
	orphans, err := f.engine.DetectOrphans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestDetectOrphans_TimeoutIsExternalToolError(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")
	f.srv.Block("list-sessions")

	_, err := f.engine.DetectOrphans(context.Background())
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindExternalTool))
	assert.ErrorIs(t, err, tmux.ErrTimeout)
}

func TestDetectOrphans_EmitsOnlyOnChange(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")
	detected := make(chan []string, 8)
	f.bus.Subscribe(events.TypeOrphansDetected, func(e events.BusEvent) {
		detected <- e.(events.OrphansEvent).Names
	})
	next := func() []string {
		t.Helper()
		select {
		case names := <-detected:
			return names
		case <-time.After(2 * time.Second):
			t.Fatal("no orphans.detected event")
			return nil
		}
	}
	detect := func() {
		t.Helper()
		_, err := f.engine.DetectOrphans(context.Background())
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		detect()
	}
	assert.Equal(t, []string{nameA}, next())

	f.srv.Add(nameC, "/c")
	detect()
	detect()
	assert.Equal(t, []string{nameA, nameC}, next())

	// Emptying the set is silent, a reappearing orphan is announced again.
	f.srv.Remove(nameA)
	f.srv.Remove(nameC)
	detect()
	f.srv.Add(nameA, "/a")
	detect()
	assert.Equal(t, []string{nameA}, next())

	select {
	case names := <-detected:
		t.Fatalf("unexpected event %v", names)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReattach_ThenNotOrphan(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameB, "/work/repo")
	spawned := make(chan events.BusEvent, 1)
	f.bus.Subscribe(events.TypeSessionSpawned, func(e events.BusEvent) { spawned <- e })

	orphans, err := f.engine.DetectOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{nameB}, orphans)

	sess, err := f.engine.Reattach(context.Background(), nameB)
	require.NoError(t, err)
	assert.Equal(t, terminal.StateActive, sess.State)
	assert.True(t, sess.Resumable)
	assert.True(t, sess.Recovered)
	assert.Equal(t, terminal.TypeClaude, sess.Type)
	assert.Equal(t, "Claude", sess.Name, "hostname title falls back to the token")
	assert.Equal(t, "/work/repo", sess.WorkingDir)
	assert.Equal(t, nameB, sess.ExternalSessionName)
	assert.NotEmpty(t, sess.Config[terminal.ConfigPaneID])

	orphans, err = f.engine.DetectOrphans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans)

	select {
	case e := <-spawned:
		assert.Equal(t, sess.ID, e.EventSession())
	case <-time.After(2 * time.Second):
		t.Fatal("reattach did not emit session.spawned")
	}
}

func TestReattach_UsesMeaningfulTitle(t *testing.T) {
	f := newFixture(t, Config{})
	tm := f.srv.Add("ntmd_claude-review_eeeeeeee", "/srv")
	tm.Title = "Reviewing PR 42"

	sess, err := f.engine.Reattach(context.Background(), "ntmd_claude-review_eeeeeeee")
	require.NoError(t, err)
	assert.Equal(t, "Reviewing PR 42", sess.Name)
	assert.Equal(t, terminal.TypeClaude, sess.Type)
}

func TestReattach_ProbeFailureFallsBack(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add("ntmd_my-tool_ffffffff", "/srv")
	f.srv.FailOn("display-message", errors.New("server exited unexpectedly"))

	sess, err := f.engine.Reattach(context.Background(), "ntmd_my-tool_ffffffff")
	require.NoError(t, err)
	assert.Equal(t, "My Tool", sess.Name)
	assert.Equal(t, terminal.TypeShell, sess.Type)
	assert.NotEmpty(t, sess.WorkingDir)
	assert.Empty(t, sess.Config[terminal.ConfigPaneID])
}

func TestReattach_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")

	_, err := f.engine.Reattach(context.Background(), "work")
	assert.True(t, terminal.IsKind(err, terminal.KindValidation), "got %v", err)

	_, err = f.engine.Reattach(context.Background(), nameC)
	assert.True(t, terminal.IsKind(err, terminal.KindNotFound), "got %v", err)

	_, err = f.engine.Reattach(context.Background(), nameA)
	require.NoError(t, err)
	_, err = f.engine.Reattach(context.Background(), nameA)
	assert.True(t, terminal.IsKind(err, terminal.KindConflict), "got %v", err)
	assert.Equal(t, 1, f.reg.Len(), "second reattach must not add an entry")
}

func TestReattach_TimeoutIsNotNotFound(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")
	f.srv.Block("has-session")

	_, err := f.engine.Reattach(context.Background(), nameA)
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindExternalTool), "got %v", err)
	assert.ErrorIs(t, err, tmux.ErrTimeout)
}

func TestReattach_ConcurrentSameName(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Reattach(context.Background(), nameA)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, terminal.IsKind(err, terminal.KindConflict), "got %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.reg.Len())
}

func TestKillMany_MissingItemReported(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})
	f.srv.Add(nameA, "/a")
	f.srv.Add(nameC, "/c")

	res := f.engine.KillMany(context.Background(), []string{nameA, nameB, nameC}, time.Second)
	assert.Equal(t, []string{nameA, nameC}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, nameB, res.Failed[0].Item)
	assert.Equal(t, "not found", res.Failed[0].Reason)
	assert.Equal(t, terminal.KindNotFound, res.Failed[0].Kind)
	assert.Empty(t, f.srv.Names())
}

func TestKill_RegisteredSessionClosesEntry(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")
	_, err := f.engine.Reattach(context.Background(), nameA)
	require.NoError(t, err)

	require.NoError(t, f.engine.Kill(context.Background(), nameA))
	assert.Zero(t, f.reg.Len())
	assert.False(t, f.srv.Has(nameA))
}

func TestKill_VanishedSessionDropsEntry(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add(nameA, "/a")
	f.srv.Add(nameC, "/c")
	_, err := f.engine.Reattach(context.Background(), nameA)
	require.NoError(t, err)
	f.srv.Remove(nameA)

	err = f.engine.Kill(context.Background(), nameA)
	assert.True(t, terminal.IsKind(err, terminal.KindNotFound), "got %v", err)
	assert.Zero(t, f.reg.Len())
}

func TestKill_RejectsUnmanagedName(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.Add("work", "/home")
	err := f.engine.Kill(context.Background(), "work")
	assert.True(t, terminal.IsKind(err, terminal.KindValidation))
	assert.True(t, f.srv.Has("work"))
}

func TestKillMany_TimeoutReportedPerItem(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	f.srv.Add(nameA, "/a")
	f.srv.Add(nameB, "/b")
	f.srv.Block("kill-session")

	res := f.engine.KillMany(context.Background(), []string{nameA, nameB}, 100*time.Millisecond)
	assert.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 2)
	for _, fail := range res.Failed {
		assert.Equal(t, terminal.KindExternalTool, fail.Kind, fail.Item)
	}
	assert.Equal(t, nameA, res.Failed[0].Item)
	assert.Equal(t, nameB, res.Failed[1].Item)
}

func TestReattachMany_IndependentItems(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 3, Pace: time.Millisecond})
	f.srv.Add(nameA, "/a")
	f.srv.Add(nameC, "/c")

	res := f.engine.ReattachMany(context.Background(), []string{nameC, "bogus", nameA, nameB})
	assert.Equal(t, []string{nameC, nameA}, res.Succeeded)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "bogus", res.Failed[0].Item)
	assert.Equal(t, terminal.KindValidation, res.Failed[0].Kind)
	assert.Equal(t, nameB, res.Failed[1].Item)
	assert.Equal(t, terminal.KindNotFound, res.Failed[1].Kind)
	assert.Equal(t, 2, f.reg.Len())
}

func TestRecover_ReattachesAndOpensGate(t *testing.T) {
	f := newFixture(t, Config{AutoReattach: true})
	f.srv.Add(nameA, "/a")
	f.srv.Add(nameB, "/b")

	assert.False(t, f.reg.Recovered())
	report := f.engine.Recover(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, []string{nameB, nameA}, report.Orphans)
	assert.Len(t, report.Reattached.Succeeded, 2)
	assert.True(t, f.reg.Recovered())

	for _, s := range f.reg.List() {
		assert.True(t, s.Recovered)
	}
}

func TestRecover_DetectOnly(t *testing.T) {
	f := newFixture(t, Config{AutoReattach: false})
	f.srv.Add(nameA, "/a")

	report := f.engine.Recover(context.Background())
	assert.Equal(t, []string{nameA}, report.Orphans)
	assert.Zero(t, f.reg.Len())
	assert.True(t, f.reg.Recovered())
}

func TestRecover_FailureStillOpensGate(t *testing.T) {
	f := newFixture(t, Config{AutoReattach: true})
	f.srv.Add(nameA, "/a")
	f.srv.FailOn("list-sessions", fmt.Errorf("boom"))

	report := f.engine.Recover(context.Background())
	assert.Error(t, report.Err)
	assert.True(t, f.reg.Recovered())
}

func TestResolvePane(t *testing.T) {
	f := newFixture(t, Config{})
	tm := f.srv.Add(nameA, "/a")
	sess, err := f.engine.Reattach(context.Background(), nameA)
	require.NoError(t, err)

	pane, err := f.engine.ResolvePane(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, tm.PaneID, pane)

	pane, err = f.engine.ResolvePane(context.Background(), nameA)
	require.NoError(t, err)
	assert.Equal(t, tm.PaneID, pane)

	pane, err = f.engine.ResolvePane(context.Background(), "%77")
	require.NoError(t, err)
	assert.Equal(t, "%77", pane)

	_, err = f.engine.ResolvePane(context.Background(), nameC)
	assert.True(t, terminal.IsKind(err, terminal.KindNotFound), "got %v", err)
}

func TestLivePanes(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.srv.Add(nameA, "/a")
	b := f.srv.Add(nameB, "/b")

	panes, err := f.engine.LivePanes(context.Background())
	require.NoError(t, err)
	assert.Contains(t, panes, a.PaneID)
	assert.Contains(t, panes, b.PaneID)
	assert.Len(t, panes, 2)
}
