package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/ntmd/internal/spawn"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

func newSpawnCmd() *cobra.Command {
	var (
		req       spawn.Request
		typ       string
		platform  string
		resumable bool
		ephemeral bool
		env       []string
	)

	cmd := &cobra.Command{
		Use:   "spawn [type]",
		Short: "Spawn a new terminal session",
		Long: `Spawn a shell or coding agent session.

Examples:
  ntmd spawn claude --dir ~/project
  ntmd spawn --profile claude-review --dir ~/project
  ntmd spawn shell --ephemeral
  ntmd spawn --command "htop" --name monitor`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				typ = args[0]
			}
			req.Type = terminal.Type(typ)
			req.Platform = terminal.Platform(platform)
			switch {
			case ephemeral && cmd.Flags().Changed("resumable"):
				return fmt.Errorf("--ephemeral and --resumable are mutually exclusive")
			case ephemeral:
				req.Resumable = boolPtr(false)
			case cmd.Flags().Changed("resumable"):
				req.Resumable = boolPtr(resumable)
			}
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			req.Env = vars

			c, err := newClient()
			if err != nil {
				return err
			}
			sess, err := c.Spawn(cmd.Context(), req)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(sess)
			}
			p.Success("spawned %s (%s)", sess.Name, sess.ID)
			printSession(p, sess)
			return nil
		},
	}

	cmd.Flags().StringVar(&typ, "type", "", "Terminal type (shell, claude, codex, gemini, ...)")
	cmd.Flags().StringVar(&req.ProfileID, "profile", "", "Agent profile id")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&req.Command, "command", "", "Command to run instead of the type default")
	cmd.Flags().StringVarP(&req.WorkingDir, "dir", "C", "", "Working directory")
	cmd.Flags().StringVar(&platform, "platform", "", "local or containerized")
	cmd.Flags().BoolVar(&resumable, "resumable", true, "Back the session with tmux")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Run under a local PTY; dies with the daemon")
	cmd.Flags().StringVar(&req.Color, "color", "", "Pane border color")
	cmd.Flags().StringVar(&req.Icon, "icon", "", "Display icon")
	cmd.Flags().IntVar(&req.Cols, "cols", 0, "Initial columns")
	cmd.Flags().IntVar(&req.Rows, "rows", 0, "Initial rows")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	return cmd
}

func boolPtr(b bool) *bool { return &b }

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(res)
			}
			if res.Count == 0 {
				fmt.Fprintln(p.w, "No sessions.")
			} else {
				t := p.Table("ID", "NAME", "TYPE", "STATE", "BACKEND", "AGE", "DIR")
				for _, s := range res.Sessions {
					t.AddRow(shortID(s.ID), s.Name, string(s.Type), string(s.State),
						backendLabel(s), age(s.CreatedAt), s.WorkingDir)
				}
				t.WithFooter(fmt.Sprintf("%d session(s)", res.Count))
				p.Print(t.Render())
			}
			if !res.Recovered {
				p.Warning("startup recovery still running; reattached sessions may be missing")
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			sess, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(sess)
			}
			printSession(p, sess)
			return nil
		},
	}
}

func newCloseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session",
		Long: `Close a session. Without --force a tmux-backed session is only detached
and keeps running as an orphan; --force kills it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Close(cmd.Context(), args[0], force); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(map[string]any{"id": args[0], "closed": true, "forced": force})
			}
			if force {
				p.Success("closed %s", args[0])
			} else {
				p.Success("detached %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Kill the backing tmux session too")
	return cmd
}

func newSendCmd() *cobra.Command {
	var noEnter bool
	cmd := &cobra.Command{
		Use:   "send <id> <text...>",
		Short: "Send input to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if !noEnter {
				text += "\n"
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.SendInput(cmd.Context(), args[0], text); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(map[string]any{"id": args[0], "bytes": len(text)})
			}
			p.Success("sent %d bytes to %s", len(text), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&noEnter, "no-enter", false, "Do not append a newline")
	return cmd
}

func newResizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <id> <cols> <rows>",
		Short: "Resize a session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cols, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid cols %q", args[1])
			}
			rows, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid rows %q", args[2])
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Resize(cmd.Context(), args[0], cols, rows); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(map[string]any{"id": args[0], "cols": cols, "rows": rows})
			}
			p.Success("resized %s to %dx%d", args[0], cols, rows)
			return nil
		},
	}
}

func newCaptureCmd() *cobra.Command {
	var (
		lines   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "capture <id>",
		Short: "Print recent output of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			out, err := c.Capture(cmd.Context(), args[0], lines, timeout)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(map[string]any{"id": args[0], "output": out})
			}
			fmt.Fprint(p.w, out)
			if out != "" && !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(p.w)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 200, "Lines of scrollback")
	cmd.Flags().DurationVar(&timeout, "capture-timeout", 0, "Server-side capture timeout (default from daemon)")
	return cmd
}

func printSession(p *printer, s *terminal.Session) {
	const w = 12
	p.KeyValue("ID", s.ID, w)
	p.KeyValue("Name", s.Name, w)
	p.KeyValue("Type", string(s.Type), w)
	p.KeyValue("State", string(s.State), w)
	p.KeyValue("Backend", backendLabel(*s), w)
	if s.ExternalSessionName != "" {
		p.KeyValue("tmux", s.ExternalSessionName, w)
	}
	if s.ProfileID != "" {
		p.KeyValue("Profile", s.ProfileID, w)
	}
	p.KeyValue("Platform", string(s.Platform), w)
	p.KeyValue("Dir", s.WorkingDir, w)
	p.KeyValue("Created", s.CreatedAt.Local().Format(time.RFC3339), w)
	if s.Recovered {
		p.KeyValue("Recovered", "yes", w)
	}
}

func backendLabel(s terminal.Session) string {
	if s.Resumable {
		return terminal.BackendTmux
	}
	return terminal.BackendPTY
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
