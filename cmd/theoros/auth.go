package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAuthCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Inspect and maintain stored Questrade credentials",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "url",
			Short: "Print the OAuth consent URL",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), ro.cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				u, err := a.auth.AuthorizeURL()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Spend the stored refresh token for a new token set",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), ro.cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				grant, err := a.auth.Refresh(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed, expires in %ds (api server %s)\n", grant.ExpiresIn, grant.APIServer)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether usable credentials are stored",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), ro.cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				ts := a.store.Tokens()
				_, hasRefresh := a.store.RefreshToken()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "backend:        %s\n", ro.cfg.Credentials.Backend)
				fmt.Fprintf(out, "refresh token:  %t\n", hasRefresh)
				fmt.Fprintf(out, "api server:     %s\n", ts.APIServer)
				if ts.Expiry.IsZero() {
					fmt.Fprintln(out, "access token:   none")
				} else {
					fmt.Fprintf(out, "access token:   expires %s (expired=%t)\n", ts.Expiry.Format(time.RFC3339), a.store.IsExpired())
				}
				return nil
			},
		},
	)
	return cmd
}
