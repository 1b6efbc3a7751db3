// Command cobrowse runs the co-browsing relay, a visitor widget on a real or
// in-memory page, and the agent dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cobrowse/internal/config"
	"cobrowse/internal/logging"
	"cobrowse/internal/transport/ws"
)

var (
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	// cfg is loaded by the root PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cobrowse",
	Short: "Live co-browsing between a website visitor and a support agent",
	Long: `cobrowse lets a support agent watch and optionally drive a visitor's page.

The visitor widget captures page activity and snapshots and publishes them on
a per-session channel and the shared dashboard channel. The agent dashboard
lists live sessions, renders snapshots into a sandbox and sends control
commands back. Both sides meet on a websocket relay.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := logging.Initialize(loaded.Logging.ToLogging()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cobrowse.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Timeout for connecting and one-shot commands")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(visitorCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dialRelay connects to the configured relay as clientID.
func dialRelay(ctx context.Context, clientID string) (*ws.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ws.Dial(dctx, ws.Options{
		URL:      cfg.Transport.URL,
		APIKey:   cfg.Transport.Key,
		Codec:    cfg.Transport.Codec,
		ClientID: clientID,
	})
}
