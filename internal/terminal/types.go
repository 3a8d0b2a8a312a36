package terminal

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Type identifies the program a terminal runs.
type Type string

const (
	TypeShell    Type = "shell"
	TypeClaude   Type = "claude"
	TypeCodex    Type = "codex"
	TypeGemini   Type = "gemini"
	TypeOpenCode Type = "opencode"
	TypeAmp      Type = "amp"
	TypeAider    Type = "aider"
)

// TypeInfo describes a registered terminal type.
type TypeInfo struct {
	Type        Type   `json:"type"`
	DisplayName string `json:"display_name"`
	// Command is launched when neither the request nor the profile names one.
	// Empty means the user's login shell.
	Command string `json:"command,omitempty"`
	Agent   bool   `json:"agent"`
}

var typeNamePattern = regexp.MustCompile(`^[a-z0-9-]{1,24}$`)

var (
	typesMu sync.RWMutex
	types   = map[Type]TypeInfo{}
)

func init() {
	builtin := []TypeInfo{
		{Type: TypeShell, DisplayName: "Shell"},
		{Type: TypeClaude, DisplayName: "Claude", Command: "claude", Agent: true},
		{Type: TypeCodex, DisplayName: "Codex", Command: "codex", Agent: true},
		{Type: TypeGemini, DisplayName: "Gemini", Command: "gemini", Agent: true},
		{Type: TypeOpenCode, DisplayName: "OpenCode", Command: "opencode", Agent: true},
		{Type: TypeAmp, DisplayName: "Amp", Command: "amp", Agent: true},
		{Type: TypeAider, DisplayName: "Aider", Command: "aider", Agent: true},
	}
	for _, info := range builtin {
		if err := RegisterType(info); err != nil {
			panic(err)
		}
	}
}

// RegisterType adds or replaces a terminal type. The type name doubles as the
// managed-name token, so it must satisfy the token grammar.
func RegisterType(info TypeInfo) error {
	if !typeNamePattern.MatchString(string(info.Type)) {
		return fmt.Errorf("invalid terminal type %q: must match %s", info.Type, typeNamePattern)
	}
	if info.DisplayName == "" {
		info.DisplayName = string(info.Type)
	}
	typesMu.Lock()
	types[info.Type] = info
	typesMu.Unlock()
	return nil
}

// IsRegistered reports whether t is part of the vocabulary.
func IsRegistered(t Type) bool {
	_, ok := LookupType(t)
	return ok
}

// LookupType returns the registration for t.
func LookupType(t Type) (TypeInfo, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	info, ok := types[t]
	return info, ok
}

// Types lists registered types sorted by name.
func Types() []TypeInfo {
	typesMu.RLock()
	out := make([]TypeInfo, 0, len(types))
	for _, info := range types {
		out = append(out, info)
	}
	typesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
