package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/DECSResearch/GrantWatch/middleware"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the storage event webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set; the webhook is unauthenticated")
			}
			subject, _ := cmd.Flags().GetString("subject")

			token, expires, err := middleware.GenerateToken(subject, []string{middleware.ScopeEventsWrite}, &cfg.Auth)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringP("subject", "s", "minio", "Token subject")

	return cmd
}
