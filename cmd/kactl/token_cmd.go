package main

import (
	"fmt"
	"slices"
	"time"

	"ka-bot/internal/auth"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		actorID int64
		name    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			ids, err := e.cfg.AdminIDList()
			if err != nil {
				return err
			}
			if !slices.Contains(ids, actorID) {
				return fmt.Errorf("%d is not listed in ADMIN_IDS", actorID)
			}
			m, err := auth.NewManager(e.cfg.Auth)
			if err != nil {
				return err
			}
			tok, err := m.Issue(time.Now(), actorID, name)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": tok,
				"token_type":   "Bearer",
				"expires_in":   int64(e.cfg.Auth.AccessTokenTTL.Seconds()),
			})
		},
	}
	cmd.Flags().Int64Var(&actorID, "actor", 0, "Admin Telegram id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name stored in the token")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
