package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// Cleanup rule names, used as report keys and metric labels.
const (
	RuleMaxAge        = "max_age"
	RuleDeadPane      = "dead_pane"
	RuleNonTmuxIdle   = "non_tmux_idle"
	RuleNonTmuxMaxAge = "non_tmux_max_age"
	RuleDebugMaxAge   = "debug_max_age"
	RuleContextOrphan = "context_orphan"
	RuleContextMaxAge = "context_max_age"
)

// CleanupReport describes one sweep. Per-file failures are listed in Errors
// and never stop the sweep.
type CleanupReport struct {
	Scanned int            `json:"scanned"`
	Deleted map[string]int `json:"deleted"`
	Files   []string       `json:"files"`
	Errors  []string       `json:"errors"`
}

func (r *CleanupReport) Total() int {
	n := 0
	for _, c := range r.Deleted {
		n += c
	}
	return n
}

// isTmuxKey reports whether a session key is a tmux pane id.
func isTmuxKey(key string) bool {
	return strings.HasPrefix(key, "%")
}

type sweep struct {
	m      *Matcher
	now    time.Time
	report CleanupReport
	// unreadable is set when a surviving status file could not be parsed; its
	// link is unknown so no context is treated as orphaned this sweep.
	unreadable bool
}

// removeFile is swapped in tests.
var removeFile = os.Remove

// remove deletes path and reports whether it is gone.
func (s *sweep) remove(path, rule string) bool {
	if err := removeFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.report.Errors = append(s.report.Errors, fmt.Sprintf("%s: %v", filepath.Base(path), err))
		return false
	}
	s.report.Deleted[rule]++
	s.report.Files = append(s.report.Files, filepath.Base(path))
	return true
}

// Cleanup applies the retention rules to the status directory. Status files
// are judged first so that context records can be kept only while a
// surviving status record links them.
func (m *Matcher) Cleanup(ctx context.Context) (CleanupReport, error) {
	s := &sweep{
		m:      m,
		now:    m.now(),
		report: CleanupReport{Deleted: map[string]int{}, Files: []string{}, Errors: []string{}},
	}

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.report, nil
		}
		return s.report, terminal.ExternalToolError(m.cfg.Dir, err)
	}

	var live map[string]struct{}
	if m.panes != nil {
		if live, err = m.panes.LivePanes(ctx); err != nil {
			m.logger.Warn("pane listing failed, skipping dead pane rule", zap.Error(err))
			live = nil
		}
	}

	var contexts, debug []fs.DirEntry
	linked := map[string]struct{}{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch classifyFile(e.Name()) {
		case kindStatus:
			s.report.Scanned++
			if id := s.status(filepath.Join(m.cfg.Dir, e.Name()), e, live); id != "" {
				linked[id] = struct{}{}
			}
		case kindContext:
			contexts = append(contexts, e)
		case kindDebug:
			debug = append(debug, e)
		}
	}

	for _, e := range contexts {
		s.report.Scanned++
		path := filepath.Join(m.cfg.Dir, e.Name())
		id := strings.TrimSuffix(e.Name(), ContextSuffix)
		if _, ok := linked[id]; !ok && !s.unreadable {
			s.remove(path, RuleContextOrphan)
			continue
		}
		updated := s.modTime(e)
		if rec, err := ReadContext(path); err == nil {
			updated = rec.LastUpdated.Time
		}
		if s.now.Sub(updated) > m.cfg.ContextMaxAge {
			s.remove(path, RuleContextMaxAge)
		}
	}

	for _, e := range debug {
		s.report.Scanned++
		if s.now.Sub(s.modTime(e)) > m.cfg.DebugMaxAge {
			s.remove(filepath.Join(m.cfg.Dir, e.Name()), RuleDebugMaxAge)
		}
	}

	sort.Strings(s.report.Files)
	m.Invalidate()
	m.metrics.RecordCleanup(s.report.Deleted, len(s.report.Errors))
	if s.report.Total() > 0 || len(s.report.Errors) > 0 {
		m.logger.Info("status cleanup",
			zap.Int("scanned", s.report.Scanned),
			zap.Int("deleted", s.report.Total()),
			zap.Int("errors", len(s.report.Errors)))
		m.emitter.Emit(events.NewCleanupEvent(s.report.Deleted, len(s.report.Errors)))
	}
	return s.report, nil
}

// status judges one status file and returns its linked context id when the
// file survives, including when its removal failed.
func (s *sweep) status(path string, e fs.DirEntry, live map[string]struct{}) string {
	cfg := s.m.cfg
	r, err := ReadRecord(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ""
		}
		// Unparseable files only age out.
		if s.now.Sub(s.modTime(e)) <= cfg.MaxAge || !s.remove(path, RuleMaxAge) {
			s.unreadable = true
		}
		return ""
	}

	rule := ""
	age := s.now.Sub(r.LastUpdated.Time)
	switch {
	case age > cfg.MaxAge:
		rule = RuleMaxAge
	case isTmuxKey(r.SessionKey):
		if live != nil {
			if _, ok := live[r.SessionKey]; !ok {
				rule = RuleDeadPane
			}
		}
	case r.Status.Inactive() && age > cfg.NonTmuxIdle:
		rule = RuleNonTmuxIdle
	case age > cfg.NonTmuxMaxAge:
		rule = RuleNonTmuxMaxAge
	}
	if rule != "" && s.remove(path, rule) {
		return ""
	}
	return r.LinkedContextID
}

func (s *sweep) modTime(e fs.DirEntry) time.Time {
	info, err := e.Info()
	if err != nil {
		return s.now
	}
	return info.ModTime()
}

// Run sweeps the directory every cleanup interval until ctx is done.
func (m *Matcher) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.logger.Warn("status cleanup failed", zap.Error(err))
			}
		}
	}
}
