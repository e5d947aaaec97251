package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		subject     string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionIdentity{
				Subject:     subject,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Session subject, e.g. google:1234")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringVar(&displayName, "name", "", "User display name")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
