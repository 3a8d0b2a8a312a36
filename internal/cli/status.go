package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/ntmd/internal/config"
)

func newStatusCmd() *cobra.Command {
	var (
		cwd     string
		session string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent status for a working directory or session",
		Long: `Look up the status record an agent wrote for a session.

Matching prefers the session's tmux pane, then an exact working directory,
then the closest parent directory. With no flags the current directory is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cwd == "" && session == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				cwd = wd
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.Status(cmd.Context(), cwd, session)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(res)
			}
			const w = 10
			p.KeyValue("Status", string(res.Status), w)
			p.KeyValue("Match", res.Tier, w)
			if r := res.Record; r != nil {
				p.KeyValue("Session", r.SessionKey, w)
				p.KeyValue("Dir", r.WorkingDir, w)
				if r.CurrentTool != "" {
					p.KeyValue("Tool", r.CurrentTool, w)
				}
				if r.SubagentCount > 0 {
					p.KeyValue("Subagents", strconv.Itoa(r.SubagentCount), w)
				}
				if !r.LastUpdated.IsZero() {
					p.KeyValue("Updated", age(r.LastUpdated.Time)+" ago", w)
				}
			}
			if ctx := res.Context; ctx != nil {
				p.KeyValue("Context", fmt.Sprintf("%.1f%% of %d tokens", ctx.PercentUsed, ctx.ContextWindow), w)
				if ctx.Model != "" {
					p.KeyValue("Model", ctx.Model, w)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory to match")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session id, tmux session name or pane id")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep stale files from the status directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			rep, err := c.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(rep)
			}
			total := rep.Total()
			if total == 0 {
				fmt.Fprintf(p.w, "Scanned %d file(s), nothing to remove.\n", rep.Scanned)
			} else {
				rules := make([]string, 0, len(rep.Deleted))
				for r := range rep.Deleted {
					rules = append(rules, r)
				}
				sort.Strings(rules)
				t := p.Table("RULE", "DELETED")
				for _, r := range rules {
					t.AddRow(r, strconv.Itoa(rep.Deleted[r]))
				}
				t.WithFooter(fmt.Sprintf("%d of %d file(s) removed", total, rep.Scanned))
				p.Print(t.Render())
			}
			for _, e := range rep.Errors {
				p.Failure("%s", e)
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(cfg)
			}
			return config.Print(cfg, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}
