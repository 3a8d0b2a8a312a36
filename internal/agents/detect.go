package agents

import (
	"path/filepath"
	"strings"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

type matchKind int

const (
	matchPrefix matchKind = iota
	matchContains
)

type typeRule struct {
	kind    matchKind
	pattern string
	typ     terminal.Type
}

// typeRules are evaluated in order; the first hit wins. Prefix rules look at
// the executable name, substring rules at the whole command (package runners).
var typeRules = []typeRule{
	{matchPrefix, "claude", terminal.TypeClaude},
	{matchPrefix, "codex", terminal.TypeCodex},
	{matchPrefix, "gemini", terminal.TypeGemini},
	{matchPrefix, "opencode", terminal.TypeOpenCode},
	{matchPrefix, "amp", terminal.TypeAmp},
	{matchPrefix, "aider", terminal.TypeAider},
	{matchContains, "@anthropic-ai/claude-code", terminal.TypeClaude},
	{matchContains, "@openai/codex", terminal.TypeCodex},
	{matchContains, "@google/gemini-cli", terminal.TypeGemini},
	{matchContains, "opencode-ai", terminal.TypeOpenCode},
	{matchContains, "@sourcegraph/amp", terminal.TypeAmp},
	{matchContains, "aider-chat", terminal.TypeAider},
}

// DetectType maps a launch command to a terminal type. Unrecognized commands are shells.
func DetectType(command string) terminal.Type {
	lower := strings.ToLower(strings.TrimSpace(command))
	if lower == "" {
		return terminal.TypeShell
	}
	exe := executable(lower)
	for _, rule := range typeRules {
		switch rule.kind {
		case matchPrefix:
			if hasWordPrefix(exe, rule.pattern) {
				return rule.typ
			}
		case matchContains:
			if strings.Contains(lower, rule.pattern) {
				return rule.typ
			}
		}
	}
	return terminal.TypeShell
}

// executable returns the base name of the first word that is not an env assignment.
func executable(command string) string {
	fields := strings.Fields(command)
	for _, f := range fields {
		if f == "env" || f == "exec" || (strings.Contains(f, "=") && !strings.HasPrefix(f, "=")) {
			continue
		}
		return filepath.Base(f)
	}
	return ""
}

// hasWordPrefix reports whether s starts with prefix followed by end of
// string or a non-letter, so "amp" matches "amp-cli" but not "ampersand".
func hasWordPrefix(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	next := s[len(prefix)]
	return next < 'a' || next > 'z'
}
