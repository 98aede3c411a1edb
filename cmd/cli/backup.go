package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
)

func newBackupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Create, list, restore and prune encrypted backups"}

	var in string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Encrypt a snapshot and replicate it to every region",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			var b models.Backup
			if err := g.client.Do(cmd.Context(), http.MethodPost, "/v1/backups", nil, dto.CreateBackupRequest{Data: data}, &b); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup %s stored in %s (verified=%t)\n", b.ID, strings.Join(b.Regions, ","), b.Verified)
			return nil
		},
	}
	createCmd.Flags().StringVar(&in, "file", "-", "snapshot file, - for stdin")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backups, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []*models.Backup
			if err := g.client.Do(cmd.Context(), http.MethodGet, "/v1/backups", nil, nil, &list); err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "TIMESTAMP", "SIZE", "REGIONS", "VERIFIED")
			for _, b := range list {
				row(tw, b.ID, stamp(b.Timestamp), b.EncryptedSizeBytes, strings.Join(b.Regions, ","), b.Verified)
			}
			return tw.Flush()
		},
	})

	var out, at string
	restoreCmd := &cobra.Command{
		Use:   "restore [id]",
		Short: "Restore a backup by id, or the latest one taken at or before --at",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res dto.RestoreResponse
			switch {
			case len(args) == 1 && at == "":
				path := "/v1/backups/" + url.PathEscape(args[0]) + "/restore"
				if err := g.client.Do(cmd.Context(), http.MethodPost, path, nil, nil, &res); err != nil {
					return err
				}
			case len(args) == 0 && at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				if err := g.client.Do(cmd.Context(), http.MethodPost, "/v1/restores", nil, dto.RestorePointRequest{At: t}, &res); err != nil {
					return err
				}
			default:
				return fmt.Errorf("pass either a backup id or --at")
			}
			return writeOutput(cmd, out, res.Data)
		},
	}
	restoreCmd.Flags().StringVar(&out, "out", "-", "destination file, - for stdout")
	restoreCmd.Flags().StringVar(&at, "at", "", "point in time, RFC3339")
	cmd.AddCommand(restoreCmd)

	var days int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backups older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res dto.PruneResponse
			if err := g.client.Do(cmd.Context(), http.MethodPost, "/v1/backups-prune", nil, dto.PruneRequest{RetentionDays: days}, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d backup(s)\n", res.Removed)
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&days, "days", 30, "retention in days")
	cmd.AddCommand(pruneCmd)

	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
