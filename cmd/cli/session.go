package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
)

func newLoginCmd(g *globals) *cobra.Command {
	var subject, password, mfa string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and print an access token",
		Long:  "Prints the access token on stdout so it can be exported as SENTINEL_TOKEN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SENTINEL_PASSWORD")
			}
			var pair models.TokenPair
			req := dto.LoginRequest{SubjectID: subject, Password: password, MFACode: mfa}
			if err := g.client.Do(cmd.Context(), http.MethodPost, "/v1/auth/login", nil, req, &pair); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pair.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id")
	cmd.Flags().StringVar(&password, "password", "", "password, defaults to $SENTINEL_PASSWORD")
	cmd.Flags().StringVar(&mfa, "mfa", "", "six digit TOTP code")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newSessionsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Manage subject sessions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <subject>",
		Short: "Revoke every session of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res dto.RevokeAllResponse
			path := "/v1/subjects/" + url.PathEscape(args[0]) + "/sessions/revoke"
			if err := g.client.Do(cmd.Context(), http.MethodPost, path, nil, nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d session(s) of %s\n", res.Revoked, args[0])
			return nil
		},
	})
	return cmd
}
