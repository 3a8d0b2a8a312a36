package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/ntmd/internal/reconcile"
)

func newOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List managed tmux sessions the daemon is not tracking",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			names, err := c.Orphans(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(map[string]any{"orphans": names, "count": len(names)})
			}
			if len(names) == 0 {
				fmt.Fprintln(p.w, "No orphaned sessions.")
				return nil
			}
			t := p.Table("TMUX SESSION")
			for _, n := range names {
				t.AddRow(n)
			}
			t.WithFooter(fmt.Sprintf("%d orphan(s); 'ntmd reattach --all' to adopt them", len(names)))
			p.Print(t.Render())
			return nil
		},
	}
}

func newReattachCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reattach [name...]",
		Short: "Adopt orphaned tmux sessions into the registry",
		Long: `Register existing managed tmux sessions as active sessions.

Examples:
  ntmd reattach ntmd_claude_1a2b3c4d
  ntmd reattach --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("give session names or --all, not both")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())

			if len(args) == 1 {
				sess, err := c.Reattach(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(sess)
				}
				p.Success("reattached %s as %s", args[0], sess.ID)
				return nil
			}

			names := args
			if all {
				names, err = c.Orphans(cmd.Context())
				if err != nil {
					return err
				}
				if len(names) == 0 {
					if p.json {
						return p.JSON(reconcile.BulkResult{Succeeded: []string{}, Failed: []reconcile.BulkFailure{}})
					}
					fmt.Fprintln(p.w, "No orphaned sessions.")
					return nil
				}
			}
			res, err := c.ReattachMany(cmd.Context(), names)
			if err != nil {
				return err
			}
			return printBulk(p, "reattached", res)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Reattach every orphan")
	return cmd
}

func newKillCmd() *cobra.Command {
	var (
		all     bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "kill [name...]",
		Short: "Kill managed tmux sessions",
		Long: `Kill managed tmux sessions by name. Registered sessions are closed too.

Examples:
  ntmd kill ntmd_shell_1a2b3c4d
  ntmd kill --orphans`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("give session names or --orphans, not both")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())

			if len(args) == 1 && timeout == 0 {
				if err := c.Kill(cmd.Context(), args[0]); err != nil {
					return err
				}
				if p.json {
					return p.JSON(map[string]any{"name": args[0], "killed": true})
				}
				p.Success("killed %s", args[0])
				return nil
			}

			names := args
			if all {
				names, err = c.Orphans(cmd.Context())
				if err != nil {
					return err
				}
				if len(names) == 0 {
					if p.json {
						return p.JSON(reconcile.BulkResult{Succeeded: []string{}, Failed: []reconcile.BulkFailure{}})
					}
					fmt.Fprintln(p.w, "No orphaned sessions.")
					return nil
				}
			}
			res, err := c.KillMany(cmd.Context(), names, timeout)
			if err != nil {
				return err
			}
			return printBulk(p, "killed", res)
		},
	}
	cmd.Flags().BoolVar(&all, "orphans", false, "Kill every orphan")
	cmd.Flags().DurationVar(&timeout, "batch-timeout", 0, "Deadline for the whole batch (default from daemon)")
	return cmd
}

// printBulk reports a bulk result. Partial failure is reported, not returned
// as an error, unless nothing succeeded.
func printBulk(p *printer, verb string, res *reconcile.BulkResult) error {
	if p.json {
		if err := p.JSON(res); err != nil {
			return err
		}
	} else {
		for _, n := range res.Succeeded {
			p.Success("%s %s", verb, n)
		}
		for _, f := range res.Failed {
			p.Failure("%s: %s (%s)", f.Item, f.Reason, f.Kind)
		}
	}
	if len(res.Succeeded) == 0 && len(res.Failed) > 0 {
		return fmt.Errorf("all %d item(s) failed", len(res.Failed))
	}
	return nil
}
