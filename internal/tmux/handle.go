package tmux

import (
	"context"
	"errors"
)

// SessionHandle drives one tmux session on behalf of the registry.
type SessionHandle struct {
	client *Client
	name   string
}

// Name is the tmux session name.
func (h *SessionHandle) Name() string { return h.name }

func (h *SessionHandle) Write(ctx context.Context, data []byte) error {
	return h.client.SendKeys(ctx, h.name, string(data))
}

func (h *SessionHandle) Resize(ctx context.Context, cols, rows int) error {
	return h.client.Resize(ctx, h.name, cols, rows)
}

// Kill destroys the tmux session. A session that is already gone counts as killed.
func (h *SessionHandle) Kill(ctx context.Context) error {
	err := h.client.KillSession(ctx, h.name)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// Detach is a no-op: the tmux session outlives its registry entry.
func (h *SessionHandle) Detach() error { return nil }

func (h *SessionHandle) Capture(ctx context.Context, lines int) (string, error) {
	return h.client.Capture(ctx, h.name, lines)
}
