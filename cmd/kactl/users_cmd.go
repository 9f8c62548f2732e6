package main

import (
	"fmt"
	"strconv"

	"ka-bot/internal/audit"
	"ka-bot/internal/rbac"
	"ka-bot/pkg/logger"

	"github.com/spf13/cobra"
)

// newUsersCmd manages permitted users through the same gate the bot uses,
// so every change is checked against ADMIN_IDS and audited.
func newUsersCmd() *cobra.Command {
	var as int64

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage operators allowed to accept requests",
	}
	cmd.PersistentFlags().Int64Var(&as, "as", 0, "Telegram id of the admin performing the change (required)")
	_ = cmd.MarkPersistentFlagRequired("as")

	gateFor := func(e *env) (*rbac.Gate, error) {
		ids, err := e.cfg.AdminIDList()
		if err != nil {
			return nil, err
		}
		return rbac.NewGate(ids, rbac.NewPostgresRepo(e.db), audit.NewService(audit.NewPostgresRepo(e.db)), logger.Component(e.log, "rbac")), nil
	}

	var username string
	grant := &cobra.Command{
		Use:   "grant <tg_id>",
		Short: "Add or reactivate a permitted user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgID, err := parseTgID(args[0])
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			gate, err := gateFor(e)
			if err != nil {
				return err
			}
			u, err := gate.Grant(cmd.Context(), as, tgID, username)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), u)
		},
	}
	grant.Flags().StringVar(&username, "username", "", "Telegram username (optional)")

	revoke := &cobra.Command{
		Use:   "revoke <tg_id>",
		Short: "Deactivate a permitted user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgID, err := parseTgID(args[0])
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			gate, err := gateFor(e)
			if err != nil {
				return err
			}
			removed, err := gate.Revoke(cmd.Context(), as, tgID)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("permitted user %d not found", tgID)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"tg_id": tgID, "is_active": false})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active permitted users",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			gate, err := gateFor(e)
			if err != nil {
				return err
			}
			users, err := gate.List(cmd.Context(), as)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), users)
		},
	}

	cmd.AddCommand(grant, revoke, list)
	return cmd
}

func parseTgID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tg_id %q", s)
	}
	return id, nil
}
