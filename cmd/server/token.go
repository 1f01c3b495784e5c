package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-hse-approvals/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		actor auth.Actor
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}

			tok, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor.ID, "user", "", "User id (token subject)")
	cmd.Flags().StringVar(&actor.DisplayName, "name", "", "Display name")
	cmd.Flags().StringVar(&actor.JobTitle, "job-title", "", "Job title")
	cmd.Flags().StringVar(&actor.Department, "department", "", "Department")
	cmd.Flags().StringSliceVar(&actor.Roles, "roles", nil, "Comma separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
