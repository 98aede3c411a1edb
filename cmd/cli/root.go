package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	server  string
	token   string
	timeout time.Duration
	client  *Client
}

// NewRootCmd builds the sentinel-admin command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "sentinel-admin",
		Short:         "Administer a Sentinel security control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.server == "" {
				return fmt.Errorf("--server is required")
			}
			g.client = NewClient(g.server, g.token, g.timeout)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("SENTINEL_SERVER", "http://localhost:8443"), "control plane base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("SENTINEL_TOKEN"), "bearer access token")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "per request timeout")

	root.AddCommand(
		newLoginCmd(g),
		newSessionsCmd(g),
		newKeysCmd(g),
		newBackupCmd(g),
		newLedgerCmd(g),
		newGuardCmd(g),
		newThreatsCmd(g),
	)
	return root
}

// Execute runs sentinel-admin with os.Args.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
