// Package status correlates the state files written by agent hooks with
// terminal sessions and applies the retention policy to that directory.
package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// State is an agent's self-reported activity.
type State string

const (
	StateIdle          State = "idle"
	StateWorking       State = "working"
	StateToolUse       State = "tool_use"
	StateAwaitingInput State = "awaiting_input"
	StateUnknown       State = "unknown"
)

// Inactive reports whether the agent is not doing anything on its own.
func (s State) Inactive() bool {
	switch s {
	case StateIdle, StateUnknown, StateAwaitingInput, "":
		return true
	}
	return false
}

func normalizeState(s State) State {
	switch State(strings.ToLower(string(s))) {
	case StateIdle, StateWorking, StateToolUse, StateAwaitingInput:
		return State(strings.ToLower(string(s)))
	case "tool-use", "tooluse":
		return StateToolUse
	case "awaiting-input", "waiting", "input":
		return StateAwaitingInput
	case "busy", "thinking":
		return StateWorking
	default:
		return StateUnknown
	}
}

// File name conventions inside the status directory.
const (
	StatusSuffix  = ".status.json"
	ContextSuffix = ".context.json"
	debugPrefix   = "debug-"
	debugSuffix   = ".debug.log"
)

type fileKind int

const (
	kindOther fileKind = iota
	kindStatus
	kindContext
	kindDebug
)

func classifyFile(name string) fileKind {
	switch {
	case strings.HasSuffix(name, StatusSuffix):
		return kindStatus
	case strings.HasSuffix(name, ContextSuffix):
		return kindContext
	case strings.HasPrefix(name, debugPrefix), strings.HasSuffix(name, debugSuffix):
		return kindDebug
	default:
		return kindOther
	}
}

// Time accepts RFC 3339 strings and unix timestamps in seconds or milliseconds.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	// Anything past 1e11 cannot be seconds (year 5138), so it is milliseconds.
	if n > 1e11 {
		t.Time = time.UnixMilli(int64(n))
	} else {
		t.Time = time.Unix(int64(n), 0)
	}
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Record is one agent's status file.
type Record struct {
	SessionKey      string `json:"sessionKey"` // tmux pane id; empty outside tmux
	WorkingDir      string `json:"workingDir"`
	Status          State  `json:"status"`
	CurrentTool     string `json:"currentTool,omitempty"`
	LastUpdated     Time   `json:"lastUpdated"`
	LinkedContextID string `json:"linkedContextId,omitempty"`
	SubagentCount   int    `json:"subagentCount"`

	Path string `json:"path,omitempty"`
}

// ContextRecord carries token usage for a linked status record.
type ContextRecord struct {
	ID            string  `json:"id"`
	TokensUsed    int64   `json:"tokensUsed"`
	ContextWindow int64   `json:"contextWindow"`
	PercentUsed   float64 `json:"percentUsed"`
	Model         string  `json:"model,omitempty"`
	LastUpdated   Time    `json:"lastUpdated"`
}

// ReadRecord parses a status file. A missing lastUpdated falls back to the
// file's modification time.
func ReadRecord(path string) (*Record, error) {
	data, info, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	rec.Status = normalizeState(rec.Status)
	if rec.WorkingDir != "" {
		rec.WorkingDir = filepath.Clean(rec.WorkingDir)
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = Time{info.ModTime()}
	}
	rec.Path = path
	return &rec, nil
}

// ReadContext parses a context file; the id defaults to the file name.
func ReadContext(path string) (*ContextRecord, error) {
	data, info, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var rec ContextRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if rec.ID == "" {
		rec.ID = strings.TrimSuffix(filepath.Base(path), ContextSuffix)
	}
	if rec.PercentUsed == 0 && rec.ContextWindow > 0 {
		rec.PercentUsed = float64(rec.TokensUsed) * 100 / float64(rec.ContextWindow)
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = Time{info.ModTime()}
	}
	return &rec, nil
}

func readFile(path string) ([]byte, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), info, nil
}

// validContextID rejects ids that would escape the status directory.
func validContextID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
