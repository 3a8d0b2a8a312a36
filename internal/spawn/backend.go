package spawn

import (
	"context"

	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/ptyhost"
	"github.com/Dicklesworthstone/ntmd/internal/registry"
	"github.com/Dicklesworthstone/ntmd/internal/tmux"
)

// LaunchSpec is everything a backend needs to start one session.
type LaunchSpec struct {
	ID           string
	ExternalName string // tmux session name; empty for ephemeral sessions
	Command      string
	Shell        string
	Dir          string
	Cols         int
	Rows         int
	Env          map[string]string
	Color        string
	// OnExit is called when an ephemeral process ends. Durable backends ignore it.
	OnExit func(id string, err error)
}

// Backend starts the process behind a session.
type Backend interface {
	Launch(ctx context.Context, spec LaunchSpec) (registry.Handle, error)
}

// TmuxBackend launches durable sessions inside detached tmux sessions.
type TmuxBackend struct {
	Client *tmux.Client
	Logger *zap.Logger
}

func (b *TmuxBackend) Launch(ctx context.Context, spec LaunchSpec) (registry.Handle, error) {
	err := b.Client.StartSession(ctx, spec.ExternalName, tmux.StartOptions{
		Command: spec.Command,
		Dir:     spec.Dir,
		Cols:    spec.Cols,
		Rows:    spec.Rows,
		Env:     spec.Env,
	})
	if err != nil {
		return nil, err
	}
	if spec.Color != "" {
		// Cosmetic only.
		if err := b.Client.SetBorderColor(ctx, spec.ExternalName, spec.Color); err != nil && b.Logger != nil {
			b.Logger.Debug("border color not applied",
				zap.String("session", spec.ExternalName), zap.Error(err))
		}
	}
	return b.Client.Handle(spec.ExternalName), nil
}

// PTYBackend launches ephemeral sessions under a local PTY.
type PTYBackend struct {
	Manager *ptyhost.Manager
}

func (b *PTYBackend) Launch(ctx context.Context, spec LaunchSpec) (registry.Handle, error) {
	p, err := b.Manager.Start(ctx, ptyhost.StartOptions{
		ID:      spec.ID,
		Command: spec.Command,
		Shell:   spec.Shell,
		Dir:     spec.Dir,
		Cols:    spec.Cols,
		Rows:    spec.Rows,
		Env:     spec.Env,
		OnExit:  spec.OnExit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
