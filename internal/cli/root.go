// Package cli implements the ntmd command line: the daemon itself and the
// client commands that drive it over HTTP.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/ntmd/internal/client"
	"github.com/Dicklesworthstone/ntmd/internal/config"
)

// Build information, set via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	cfgFile        string
	jsonOutput     bool
	noColor        bool
	daemonAddr     string
	requestTimeout time.Duration
)

// NewRootCmd builds the command tree. Global flags are reset on every call.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ntmd",
		Short: "Terminal session daemon for shells and coding agents",
		Long: `ntmd spawns and tracks terminal sessions for shells and AI coding agents.
Resumable sessions live in tmux and survive daemon restarts; ephemeral
sessions run under a local PTY.

Run the daemon with 'ntmd serve', then use the other commands to drive it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/ntmd/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (machine-readable)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "Daemon address (default from config server.host/port)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 60*time.Second, "Per-request timeout for client commands")

	rootCmd.AddCommand(
		newServeCmd(),
		newSpawnCmd(),
		newListCmd(),
		newGetCmd(),
		newCloseCmd(),
		newSendCmd(),
		newResizeCmd(),
		newCaptureCmd(),
		newOrphansCmd(),
		newReattachCmd(),
		newKillCmd(),
		newStatusCmd(),
		newCleanupCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		// SilenceErrors is set so JSON mode stays parseable.
		if !jsonOutput {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newClient resolves the daemon address from --addr or the config file.
func newClient() (*client.Client, error) {
	addr := daemonAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr()
	}
	return client.New(baseURL(addr), client.WithTimeout(requestTimeout)), nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd.OutOrStdout())
			if p.json {
				return p.JSON(map[string]string{"version": Version, "commit": Commit, "date": Date})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ntmd %s (commit %s, built %s)\n", Version, Commit, Date)
			return nil
		},
	}
}
