package main

import (
	"fmt"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/auth"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/spf13/cobra"
)

var (
	tokenUser  string
	tokenEmail string
	tokenRole  string
)

// tokenCmd mints a bearer token signed with the configured secret, for local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development bearer token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		role, ok := domain.ParseActor(tokenRole)
		if !ok {
			return fmt.Errorf("unknown role %q (customer, driver or admin)", tokenRole)
		}

		token, err := auth.NewManager(cfg.Auth).Issue(auth.Identity{UserID: tokenUser, Email: tokenEmail, Role: role})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "customer", "customer, driver or admin")
	_ = tokenCmd.MarkFlagRequired("user")
}
