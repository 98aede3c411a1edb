package cli

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
)

func newLedgerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inspect the compliance ledger"}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res models.ChainVerification
			err := g.client.Do(cmd.Context(), http.MethodGet, "/v1/audit/verify", nil, nil, &res)
			var apiErr *APIError
			if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict) {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("chain broken at sequence %d (%s): %s", res.BrokenAtSeq, res.BrokenAtID, res.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chain intact, %d entries checked\n", res.EntriesChecked)
			return nil
		},
	})

	var from, to string
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a compliance report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			var report models.ComplianceReport
			if err := g.client.Do(cmd.Context(), http.MethodGet, "/v1/audit/report", q, nil, &report); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	reportCmd.Flags().StringVar(&from, "from", "", "window start, RFC3339")
	reportCmd.Flags().StringVar(&to, "to", "", "window end, RFC3339")
	cmd.AddCommand(reportCmd)

	var actor, eventType, result string
	var limit int
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Query ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			for k, v := range map[string]string{"actor": actor, "type": eventType, "result": result} {
				if v != "" {
					q.Set(k, v)
				}
			}
			var entries []*models.AuditEntry
			if err := g.client.Do(cmd.Context(), http.MethodGet, "/v1/audit/events", q, nil, &entries); err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "SEQ", "TIMESTAMP", "TYPE", "ACTOR", "RESOURCE", "RESULT")
			for _, e := range entries {
				row(tw, e.Sequence, stamp(e.Timestamp), e.EventType, e.ActorID, e.ResourceRef, e.Result)
			}
			return tw.Flush()
		},
	}
	eventsCmd.Flags().StringVar(&actor, "actor", "", "actor id")
	eventsCmd.Flags().StringVar(&eventType, "type", "", "event type")
	eventsCmd.Flags().StringVar(&result, "result", "", "success or failure")
	eventsCmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	cmd.AddCommand(eventsCmd)

	var reason string
	eraseCmd := &cobra.Command{
		Use:   "erase <subject>",
		Short: "Pseudonymize every ledger entry of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res dto.EraseSubjectResponse
			req := dto.EraseSubjectRequest{SubjectID: args[0], Reason: reason}
			if err := g.client.Do(cmd.Context(), http.MethodPost, "/v1/audit/erasures", nil, req, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Erased %d entries, subject now appears as %s\n", res.Erased, res.Pseudonym)
			return nil
		},
	}
	eraseCmd.Flags().StringVar(&reason, "reason", "", "erasure request reference")
	_ = eraseCmd.MarkFlagRequired("reason")
	cmd.AddCommand(eraseCmd)

	return cmd
}
