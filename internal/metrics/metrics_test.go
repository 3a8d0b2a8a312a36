package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
	"github.com/Dicklesworthstone/ntmd/internal/tmux"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSpawn(nil)
	m.RecordSpawn(terminal.RateLimitedError(time.Second))
	m.SetOrphans(3)
	m.IncReattached()
	m.IncKilled()
	m.RecordCleanup(map[string]int{"max_age": 1}, 1)
	m.ObserveTmux("list", time.Millisecond, nil)
	m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	m.IncWSConnections()
	m.DecWSConnections()
	m.SessionClosed(terminal.Session{}, true)
	m.SessionCount(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestRecordSpawn(t *testing.T) {
	m := New()
	m.RecordSpawn(nil)
	m.RecordSpawn(nil)
	m.RecordSpawn(terminal.RateLimitedError(5 * time.Second))
	m.RecordSpawn(terminal.ValidationError("type", "unknown"))

	out := scrape(t, m)
	assert.Contains(t, out, `ntmd_spawns_total{result="ok"} 2`)
	assert.Contains(t, out, `ntmd_spawns_total{result="rate_limited"} 1`)
	assert.Contains(t, out, `ntmd_spawns_total{result="validation"} 1`)
	assert.Contains(t, out, `ntmd_spawn_rate_limited_total 1`)
}

func TestRegistryObserver(t *testing.T) {
	m := New()
	m.SessionCount(4)
	m.SessionClosed(terminal.Session{ID: "a"}, true)
	m.SessionClosed(terminal.Session{ID: "b"}, false)
	m.SessionCount(2)

	out := scrape(t, m)
	assert.Contains(t, out, "ntmd_sessions_active 2")
	assert.Contains(t, out, `ntmd_sessions_closed_total{mode="force"} 1`)
	assert.Contains(t, out, `ntmd_sessions_closed_total{mode="detach"} 1`)
}

func TestObserveTmuxClassifiesErrors(t *testing.T) {
	m := New()
	m.ObserveTmux("kill", 10*time.Millisecond, fmt.Errorf("kill-session: %w", tmux.ErrTimeout))
	m.ObserveTmux("kill", time.Millisecond, tmux.ErrSessionNotFound)
	m.ObserveTmux("list", time.Millisecond, nil)

	out := scrape(t, m)
	assert.Contains(t, out, `ntmd_tmux_command_errors_total{class="timeout",op="kill"} 1`)
	assert.Contains(t, out, `ntmd_tmux_command_errors_total{class="not_found",op="kill"} 1`)
	assert.Contains(t, out, `ntmd_tmux_command_duration_seconds_count{op="list"} 1`)
}

func TestRecordCleanup(t *testing.T) {
	m := New()
	m.RecordCleanup(map[string]int{"max_age": 2, "dead_pane": 1}, 1)
	m.SetOrphans(5)

	out := scrape(t, m)
	assert.Contains(t, out, `ntmd_status_cleanup_deleted_total{rule="max_age"} 2`)
	assert.Contains(t, out, `ntmd_status_cleanup_deleted_total{rule="dead_pane"} 1`)
	assert.Contains(t, out, "ntmd_status_cleanup_errors_total 1")
	assert.Contains(t, out, "ntmd_orphans 5")
}

func TestNewMetricsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncReattached()
	assert.Contains(t, scrape(t, a), "ntmd_reattached_total 1")
	assert.Contains(t, scrape(t, b), "ntmd_reattached_total 0")
}
