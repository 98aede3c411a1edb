package cli

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
)

func newKeysCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage the key hierarchy"}

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Rotate the master key and re-wrap every DEK",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res models.RotationResult
			if err := g.client.Do(cmd.Context(), http.MethodPost, "/v1/keys/rotate", nil, nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s -> %s, re-wrapped %d DEK(s) in %s\n",
				res.OldKeyID, res.NewKeyID, res.Rewrapped, res.Duration)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "coverage",
		Short: "Show the share of DEKs wrapped under the current master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res dto.CoverageResponse
			if err := g.client.Do(cmd.Context(), http.MethodGet, "/v1/keys/coverage", nil, nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Master key %s covers %.1f%% of DEKs\n", res.MasterKeyID, res.Coverage)
			return nil
		},
	})

	var keyFile string
	importCmd := &cobra.Command{
		Use:   "import <tenant>",
		Short: "Import a customer supplied 256-bit key for a tenant",
		Long:  "The key file holds 64 hex characters. It is read once and never echoed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}
			material, err := hex.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil {
				return fmt.Errorf("key file must be hex encoded: %w", err)
			}
			defer clear(material)
			path := "/v1/tenants/" + url.PathEscape(args[0]) + "/key"
			if err := g.client.Do(cmd.Context(), http.MethodPut, path, nil, dto.TenantKeyRequest{KeyMaterial: material}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported key for tenant %s\n", args[0])
			return nil
		},
	}
	importCmd.Flags().StringVar(&keyFile, "key-file", "", "file holding the hex encoded key")
	_ = importCmd.MarkFlagRequired("key-file")
	cmd.AddCommand(importCmd)

	return cmd
}
