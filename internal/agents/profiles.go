// Package agents provides launch profiles and the rules that map a launch
// command to a terminal type.
package agents

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// ErrProfileNotFound is returned by a ProfileStore when no profile has the id.
var ErrProfileNotFound = errors.New("profile not found")

// Profile is a named launch preset.
type Profile struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Type        terminal.Type     `yaml:"terminal_type,omitempty" json:"terminal_type,omitempty"` // explicit type wins over detection
	WorkingDir  string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Color       string            `yaml:"color,omitempty" json:"color,omitempty"`
	Icon        string            `yaml:"icon,omitempty" json:"icon,omitempty"`
	Resumable   *bool             `yaml:"resumable,omitempty" json:"resumable,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
}

// TerminalType returns the profile's explicit type, or the type detected from its command.
func (p *Profile) TerminalType() terminal.Type {
	if p.Type != "" {
		return ParseType(string(p.Type))
	}
	return DetectType(p.Command)
}

// copy creates a deep copy of a Profile.
func (p *Profile) copy() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Resumable != nil {
		v := *p.Resumable
		out.Resumable = &v
	}
	if p.Env != nil {
		out.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	return &out
}

// ProfileStore resolves profile ids. Implementations return ErrProfileNotFound
// for unknown ids and any other error when the store itself is unusable.
type ProfileStore interface {
	Resolve(ctx context.Context, id string) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
}

// StaticStore is an in-memory ProfileStore.
type StaticStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewStaticStore creates a store holding the given profiles.
func NewStaticStore(profiles ...*Profile) *StaticStore {
	s := &StaticStore{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.ID] = p.copy()
	}
	return s
}

// Put adds or replaces a profile.
func (s *StaticStore) Put(p *Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p.copy()
	s.mu.Unlock()
}

// Resolve returns a copy of the profile with id.
func (s *StaticStore) Resolve(_ context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.copy(), nil
}

// List returns copies of all profiles.
func (s *StaticStore) List(_ context.Context) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.copy())
	}
	sortProfiles(out)
	return out, nil
}

// NormalizeType converts common aliases to canonical type names.
func NormalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "claude", "cc", "claude-code":
		return string(terminal.TypeClaude)
	case "codex", "cod", "openai-codex":
		return string(terminal.TypeCodex)
	case "gemini", "gmi", "gemini-cli":
		return string(terminal.TypeGemini)
	case "opencode", "oc":
		return string(terminal.TypeOpenCode)
	case "sh", "bash", "zsh", "fish", "terminal":
		return string(terminal.TypeShell)
	default:
		return strings.ToLower(strings.TrimSpace(t))
	}
}

// ParseType converts a string to a terminal.Type, resolving aliases.
func ParseType(s string) terminal.Type {
	return terminal.Type(NormalizeType(s))
}
