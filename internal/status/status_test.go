package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePanes struct {
	resolve map[string]string
	live    map[string]struct{}
	listErr error
}

func (f *fakePanes) ResolvePane(_ context.Context, hint string) (string, error) {
	if p, ok := f.resolve[hint]; ok {
		return p, nil
	}
	return "", terminal.NotFoundError(hint)
}

func (f *fakePanes) LivePanes(context.Context) (map[string]struct{}, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.live, nil
}

func livePanes(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeStatus(t *testing.T, dir, name string, rec map[string]any) string {
	t.Helper()
	return writeJSON(t, dir, name+StatusSuffix, rec)
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newMatcher(t *testing.T, panes PaneSource) (*Matcher, string) {
	t.Helper()
	dir := t.TempDir()
	opts := []Option{WithClock(func() time.Time { return now })}
	if panes != nil {
		opts = append(opts, WithPanes(panes))
	}
	return New(DefaultConfig(dir), opts...), dir
}

func TestTimeUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2026-03-01T11:00:00Z"`, now.Add(-time.Hour)},
		{`1772362800000`, time.UnixMilli(1772362800000)},
		{`1772362800`, time.Unix(1772362800, 0)},
		{`"1772362800000"`, time.UnixMilli(1772362800000)},
		{`null`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got Time
			require.NoError(t, json.Unmarshal([]byte(tt.in), &got))
			assert.True(t, tt.want.Equal(got.Time), "got %v", got.Time)
		})
	}

	var bad Time
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &bad))
}

func TestReadRecordDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeStatus(t, dir, "a", map[string]any{
		"sessionKey": "%1",
		"workingDir": "/work/proj/",
		"status":     "Tool_Use",
	})
	mtime := now.Add(-5 * time.Minute)
	touch(t, path, mtime)

	rec, err := ReadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, StateToolUse, rec.Status)
	assert.Equal(t, "/work/proj", rec.WorkingDir)
	assert.True(t, rec.LastUpdated.Equal(mtime))
	assert.Equal(t, path, rec.Path)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/work", "/work/proj"))
	assert.True(t, within("/work", "/work/a/b"))
	assert.False(t, within("/work", "/work"))
	assert.False(t, within("/work", "/workshop"))
	assert.False(t, within("/work/proj", "/work"))
	assert.True(t, within("/work", "/work/..hidden"))
}

func TestResolveRequiresInput(t *testing.T) {
	m, _ := newMatcher(t, nil)
	_, err := m.Resolve(context.Background(), "", "")
	assert.True(t, terminal.IsKind(err, terminal.KindValidation))
}

func TestResolveNoMatch(t *testing.T) {
	m, _ := newMatcher(t, nil)
	res, err := m.Resolve(context.Background(), "/nowhere", "")
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	assert.Equal(t, StateUnknown, res.Status)
	assert.Equal(t, TierNone, res.Tier)
}

func TestResolveMissingDirectory(t *testing.T) {
	m := New(DefaultConfig(filepath.Join(t.TempDir(), "absent")))
	res, err := m.Resolve(context.Background(), "/work", "")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, res.Status)
}

func TestResolveLatestWinsWithinTier(t *testing.T) {
	m, dir := newMatcher(t, nil)
	writeStatus(t, dir, "old", map[string]any{
		"workingDir": "/work/proj", "status": "idle",
		"lastUpdated": now.Add(-10 * time.Minute).Format(time.RFC3339),
	})
	writeStatus(t, dir, "new", map[string]any{
		"workingDir": "/work/proj", "status": "working",
		"lastUpdated": now.Add(-time.Minute).Format(time.RFC3339),
	})

	res, err := m.Resolve(context.Background(), "/work/proj", "")
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, TierExactCwd, res.Tier)
	assert.Equal(t, StateWorking, res.Status)
	assert.Equal(t, filepath.Join(dir, "new"+StatusSuffix), res.Record.Path)
}

func TestResolveExactBeatsNewerParent(t *testing.T) {
	m, dir := newMatcher(t, nil)
	writeStatus(t, dir, "exact", map[string]any{
		"workingDir": "/work", "status": "idle",
		"lastUpdated": now.Add(-time.Hour).Format(time.RFC3339),
	})
	writeStatus(t, dir, "child", map[string]any{
		"workingDir": "/work/sub", "status": "working",
		"lastUpdated": now.Format(time.RFC3339),
	})

	res, err := m.Resolve(context.Background(), "/work", "")
	require.NoError(t, err)
	assert.Equal(t, TierExactCwd, res.Tier)
	assert.Equal(t, StateIdle, res.Status)

	require.NoError(t, os.Remove(filepath.Join(dir, "exact"+StatusSuffix)))
	res, err = m.Resolve(context.Background(), "/work", "")
	require.NoError(t, err)
	assert.Equal(t, TierParentCwd, res.Tier)
	assert.Equal(t, StateWorking, res.Status)
}

func TestResolvePaneTier(t *testing.T) {
	panes := &fakePanes{
		resolve: map[string]string{"sess-1": "%4", "gone": "%9"},
		live:    livePanes("%4"),
	}
	m, dir := newMatcher(t, panes)
	writeStatus(t, dir, "pane", map[string]any{
		"sessionKey": "%4", "workingDir": "/elsewhere", "status": "awaiting_input",
		"lastUpdated": now.Add(-time.Hour).Format(time.RFC3339),
	})
	writeStatus(t, dir, "cwd", map[string]any{
		"sessionKey": "%5", "workingDir": "/work", "status": "working",
		"lastUpdated": now.Format(time.RFC3339),
	})

	res, err := m.Resolve(context.Background(), "/work", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, TierPane, res.Tier)
	assert.Equal(t, StateAwaitingInput, res.Status)

	// A hint whose pane is no longer live falls through to the cwd tiers.
	res, err = m.Resolve(context.Background(), "/work", "gone")
	require.NoError(t, err)
	assert.Equal(t, TierExactCwd, res.Tier)

	res, err = m.Resolve(context.Background(), "/work", "unknown-session")
	require.NoError(t, err)
	assert.Equal(t, TierExactCwd, res.Tier)
}

func TestResolveMergesLinkedContext(t *testing.T) {
	m, dir := newMatcher(t, nil)
	writeStatus(t, dir, "a", map[string]any{
		"workingDir": "/work", "status": "working", "linkedContextId": "ctx1",
		"lastUpdated": now.Format(time.RFC3339),
	})
	writeJSON(t, dir, "ctx1"+ContextSuffix, map[string]any{
		"tokensUsed": 50000, "contextWindow": 200000, "model": "opus",
	})

	res, err := m.Resolve(context.Background(), "/work", "")
	require.NoError(t, err)
	require.NotNil(t, res.Context)
	assert.Equal(t, "ctx1", res.Context.ID)
	assert.InDelta(t, 25.0, res.Context.PercentUsed, 0.001)

	// A missing context file is not an error.
	writeStatus(t, dir, "a", map[string]any{
		"workingDir": "/work", "status": "working", "linkedContextId": "missing",
		"lastUpdated": now.Format(time.RFC3339),
	})
	res, err = m.Resolve(context.Background(), "/work", "")
	require.NoError(t, err)
	assert.NotNil(t, res.Record)
	assert.Nil(t, res.Context)
}

func TestCleanupRules(t *testing.T) {
	panes := &fakePanes{live: livePanes("%1", "%2")}
	m, dir := newMatcher(t, panes)
	ts := func(d time.Duration) string { return now.Add(-d).Format(time.RFC3339) }

	writeStatus(t, dir, "ancient-live", map[string]any{"sessionKey": "%1", "status": "working", "lastUpdated": ts(8 * 24 * time.Hour)})
	writeStatus(t, dir, "fresh-dead", map[string]any{"sessionKey": "%7", "status": "working", "lastUpdated": ts(time.Minute)})
	writeStatus(t, dir, "fresh-live", map[string]any{"sessionKey": "%2", "status": "idle", "lastUpdated": ts(time.Minute), "linkedContextId": "keep"})
	writeStatus(t, dir, "plain-idle", map[string]any{"status": "idle", "lastUpdated": ts(2 * time.Hour)})
	writeStatus(t, dir, "plain-working-old", map[string]any{"status": "working", "lastUpdated": ts(25 * time.Hour)})
	writeStatus(t, dir, "plain-working", map[string]any{"status": "working", "lastUpdated": ts(2 * time.Hour)})

	keep := writeJSON(t, dir, "keep"+ContextSuffix, map[string]any{"lastUpdated": ts(time.Minute)})
	writeJSON(t, dir, "orphan"+ContextSuffix, map[string]any{"lastUpdated": ts(time.Minute)})

	oldDebug := filepath.Join(dir, "debug-1.txt")
	require.NoError(t, os.WriteFile(oldDebug, []byte("x"), 0o644))
	touch(t, oldDebug, now.Add(-2*time.Hour))
	newDebug := filepath.Join(dir, "agent.debug.log")
	require.NoError(t, os.WriteFile(newDebug, []byte("x"), 0o644))
	touch(t, newDebug, now.Add(-time.Minute))

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 10, report.Scanned)
	assert.Equal(t, map[string]int{
		RuleMaxAge:        1,
		RuleDeadPane:      1,
		RuleNonTmuxIdle:   1,
		RuleNonTmuxMaxAge: 1,
		RuleContextOrphan: 1,
		RuleDebugMaxAge:   1,
	}, report.Deleted)

	assert.FileExists(t, filepath.Join(dir, "fresh-live"+StatusSuffix))
	assert.FileExists(t, filepath.Join(dir, "plain-working"+StatusSuffix))
	assert.FileExists(t, keep)
	assert.FileExists(t, newDebug)
	assert.NoFileExists(t, filepath.Join(dir, "ancient-live"+StatusSuffix))
	assert.NoFileExists(t, filepath.Join(dir, "fresh-dead"+StatusSuffix))
	assert.NoFileExists(t, oldDebug)
}

func TestCleanupContextOfDeletedRecord(t *testing.T) {
	m, dir := newMatcher(t, &fakePanes{live: livePanes()})
	writeStatus(t, dir, "dead", map[string]any{"sessionKey": "%3", "status": "working", "lastUpdated": now.Format(time.RFC3339), "linkedContextId": "c"})
	ctxPath := writeJSON(t, dir, "c"+ContextSuffix, map[string]any{"lastUpdated": now.Format(time.RFC3339)})

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted[RuleDeadPane])
	assert.Equal(t, 1, report.Deleted[RuleContextOrphan])
	assert.NoFileExists(t, ctxPath)
}

func TestCleanupKeepsContextWhenStatusRemovalFails(t *testing.T) {
	m, dir := newMatcher(t, &fakePanes{live: livePanes()})
	statusPath := writeStatus(t, dir, "dead", map[string]any{"sessionKey": "%3", "status": "working", "lastUpdated": now.Format(time.RFC3339), "linkedContextId": "c"})
	ctxPath := writeJSON(t, dir, "c"+ContextSuffix, map[string]any{"lastUpdated": now.Format(time.RFC3339)})

	orig := removeFile
	removeFile = func(path string) error {
		if path == statusPath {
			return os.ErrPermission
		}
		return orig(path)
	}
	t.Cleanup(func() { removeFile = orig })

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Errors, 1)
	assert.Zero(t, report.Total())
	assert.FileExists(t, statusPath)
	assert.FileExists(t, ctxPath)
}

func TestCleanupKeepsContextsWhileStatusUnreadable(t *testing.T) {
	m, dir := newMatcher(t, nil)
	bad := filepath.Join(dir, "half-written"+StatusSuffix)
	require.NoError(t, os.WriteFile(bad, []byte(`{"status": "work`), 0o644))
	touch(t, bad, now.Add(-time.Minute))
	ctxPath := writeJSON(t, dir, "c"+ContextSuffix, map[string]any{"lastUpdated": now.Format(time.RFC3339)})
	stale := writeJSON(t, dir, "old"+ContextSuffix, map[string]any{"lastUpdated": now.Add(-2 * time.Hour).Format(time.RFC3339)})

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{RuleContextMaxAge: 1}, report.Deleted)
	assert.FileExists(t, ctxPath)
	assert.NoFileExists(t, stale)

	// Once the unreadable file ages out, unlinked contexts are orphans again.
	touch(t, bad, now.Add(-8*24*time.Hour))
	report, err = m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted[RuleMaxAge])
	assert.Equal(t, 1, report.Deleted[RuleContextOrphan])
	assert.NoFileExists(t, ctxPath)
}

func TestCleanupContextMaxAge(t *testing.T) {
	m, dir := newMatcher(t, nil)
	writeStatus(t, dir, "a", map[string]any{"status": "working", "lastUpdated": now.Format(time.RFC3339), "linkedContextId": "c"})
	writeJSON(t, dir, "c"+ContextSuffix, map[string]any{"lastUpdated": now.Add(-2 * time.Hour).Format(time.RFC3339)})

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{RuleContextMaxAge: 1}, report.Deleted)
}

func TestCleanupSkipsDeadPaneRuleWhenPanesUnavailable(t *testing.T) {
	m, dir := newMatcher(t, &fakePanes{listErr: assert.AnError})
	path := writeStatus(t, dir, "a", map[string]any{"sessionKey": "%3", "status": "working", "lastUpdated": now.Format(time.RFC3339)})

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.FileExists(t, path)
}

func TestCleanupMissingDirectory(t *testing.T) {
	m := New(DefaultConfig(filepath.Join(t.TempDir(), "absent")))
	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestWatcherInvalidatesCache(t *testing.T) {
	m, dir := newMatcher(t, nil)
	w, err := NewWatcher(m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, m.caching.Load, time.Second, 10*time.Millisecond)
	res, err := m.Resolve(context.Background(), "/work", "")
	require.NoError(t, err)
	assert.Nil(t, res.Record)

	writeStatus(t, dir, "a", map[string]any{"workingDir": "/work", "status": "working", "lastUpdated": now.Format(time.RFC3339)})
	assert.Eventually(t, func() bool {
		res, err := m.Resolve(context.Background(), "/work", "")
		return err == nil && res.Record != nil
	}, 2*time.Second, 20*time.Millisecond)
}
