// Package tmux provides a wrapper around tmux commands.
// pane_border.go applies a session's color hint to its pane border.
package tmux

import (
	"context"
	"fmt"
)

// SetBorderColor sets the border style of the session's active pane using
// select-pane -t <target> -P 'pane-border-style=fg=<color>'.
// The color should be a tmux color name or hex value (e.g., "#00ff00").
func (c *Client) SetBorderColor(ctx context.Context, name, color string) error {
	_, err := c.Run(ctx, "select-pane", c.timeouts.Probe, "select-pane", "-t", pane(name), "-P",
		fmt.Sprintf("pane-border-style=fg=%s", color))
	return err
}

// ResetBorderColor restores the default border style.
func (c *Client) ResetBorderColor(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "select-pane", c.timeouts.Probe, "select-pane", "-t", pane(name), "-P", "pane-border-style=default")
	return err
}
