// Txcored runs the txcore transaction manager as a standalone daemon.
//
// The daemon opens the configured journal, recovers in-doubt transactions,
// runs background recovery on a schedule and serves an admin API with
// health, status and Prometheus metrics.
//
// Usage:
//
//	# Start with defaults
//	txcored run
//
//	# Start from a config file, overriding the journal through the environment
//	TXCORE_JOURNAL_KIND=nats txcored run --config /etc/txcore/config.yaml
//
//	# Ask a running daemon for its health
//	txcored health --server http://localhost:9797
//
//	# Watch a running daemon
//	txcored top --interval 2s
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/txcore/internal/monitor"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath  string
	serverURL   string
	topServer   string
	topInterval time.Duration
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "txcored",
		Short: "Standalone txcore transaction manager",
		Long: `txcored runs the txcore transaction manager: it journals two-phase
commits, recovers in-doubt transactions and exposes an admin API.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (0600 or 0400)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newTopCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the transaction manager and admin API",
		Long: `Start the transaction manager and block until SIGINT or SIGTERM.

Configuration precedence: TXCORE_* environment variables, then the --config
file, then built-in defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath)
		},
	}
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running daemon's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealth(cmd.Context(), cmd.OutOrStdout(), serverURL)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:9797", "admin API base URL")
	return cmd
}

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if topInterval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", topInterval)
			}
			p := tea.NewProgram(
				monitor.NewModel(topServer, topInterval),
				tea.WithAltScreen(),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&topServer, "server", "http://localhost:9797", "admin API base URL")
	cmd.Flags().DurationVar(&topInterval, "interval", 2*time.Second, "refresh interval")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "txcored by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
