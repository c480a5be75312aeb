package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rollcall/internal/auth"
	"rollcall/pkg/types"
)

func newTokenCommand(opts *globalOptions) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !types.IsValidID(userID) {
				return fmt.Errorf("invalid user id %q", userID)
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken([]byte(cfg.Auth.Secret), userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
