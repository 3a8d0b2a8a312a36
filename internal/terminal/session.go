// Package terminal defines the session model shared by the registry, the
// spawn coordinator, the reconciliation engine and the transport layer.
package terminal

import (
	"os"
	"time"
)

// Platform describes where a session's process runs.
type Platform string

const (
	PlatformLocal         Platform = "local"
	PlatformContainerized Platform = "containerized"
)

// Valid reports whether p is part of the platform vocabulary.
func (p Platform) Valid() bool {
	return p == PlatformLocal || p == PlatformContainerized
}

// DetectPlatform reports containerized when a container runtime marker is present.
func DetectPlatform() Platform {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return PlatformContainerized
		}
	}
	return PlatformLocal
}

// State is the lifecycle state of a registered session.
type State string

const (
	StateSpawning State = "spawning"
	StateActive   State = "active"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateOrphaned State = "orphaned"
)

// Session is one live terminal tracked by the registry.
type Session struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Type                Type              `json:"terminal_type"`
	Platform            Platform          `json:"platform"`
	Resumable           bool              `json:"resumable"`
	Color               string            `json:"color,omitempty"`
	Icon                string            `json:"icon,omitempty"`
	WorkingDir          string            `json:"working_dir"`
	State               State             `json:"state"`
	Embedded            bool              `json:"embedded"`
	CreatedAt           time.Time         `json:"created_at"`
	LastActivity        time.Time         `json:"last_activity"`
	ExternalSessionName string            `json:"external_session_name,omitempty"`
	ProfileID           string            `json:"profile_id,omitempty"`
	ProfileName         string            `json:"profile_name,omitempty"`
	Config              map[string]string `json:"config,omitempty"`
	Recovered           bool              `json:"recovered"`
}

// Clone returns a deep copy so callers never share the Config map with the registry.
func (s Session) Clone() Session {
	out := s
	if s.Config != nil {
		out.Config = make(map[string]string, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	return out
}

// Config keys recorded for every launch.
const (
	ConfigCommand  = "command"
	ConfigCols     = "cols"
	ConfigRows     = "rows"
	ConfigShell    = "shell"
	ConfigPaneID   = "pane_id"
	ConfigBackend  = "backend"
	BackendTmux    = "tmux"
	BackendPTY     = "pty"
	ConfigExternal = "external_session"
)
