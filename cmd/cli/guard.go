package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
)

func newGuardCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "guard", Short: "Manage the network guard block list"}

	var reason string
	var ttl time.Duration
	blockCmd := &cobra.Command{
		Use:   "block <ip>",
		Short: "Block an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dto.BlockIPRequest{IP: args[0], Reason: reason, TTLSeconds: int64(ttl / time.Second)}
			if err := g.client.Do(cmd.Context(), http.MethodPost, "/v1/guard/blocks", nil, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Blocked %s\n", args[0])
			return nil
		},
	}
	blockCmd.Flags().StringVar(&reason, "reason", "", "why the address is blocked")
	blockCmd.Flags().DurationVar(&ttl, "ttl", 0, "block lifetime, 0 for permanent")
	_ = blockCmd.MarkFlagRequired("reason")
	cmd.AddCommand(blockCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "unblock <ip>",
		Short: "Lift a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client.Do(cmd.Context(), http.MethodDelete, "/v1/guard/blocks/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []*models.BlockEntry
			if err := g.client.Do(cmd.Context(), http.MethodGet, "/v1/guard/blocks", nil, nil, &entries); err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "IP", "REASON", "BLOCKED", "EXPIRES")
			for _, e := range entries {
				row(tw, e.IP, e.Reason, stamp(e.BlockedAt), stamp(e.ExpiresAt))
			}
			return tw.Flush()
		},
	})
	return cmd
}

func newThreatsCmd(g *globals) *cobra.Command {
	var severity, kind string
	cmd := &cobra.Command{
		Use:   "threats",
		Short: "List detected threats",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if severity != "" {
				q.Set("severity", severity)
			}
			if kind != "" {
				q.Set("type", kind)
			}
			var threats []*models.Threat
			if err := g.client.Do(cmd.Context(), http.MethodGet, "/v1/threats", q, nil, &threats); err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "TYPE", "SEVERITY", "SOURCE", "DETECTED", "MITIGATED")
			for _, t := range threats {
				row(tw, t.ID, t.Type, t.Severity, t.SourceRef, stamp(t.DetectedAt), t.Mitigated)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "only this severity")
	cmd.Flags().StringVar(&kind, "type", "", "only this threat type")
	return cmd
}
