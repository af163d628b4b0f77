package cmd

import (
	"fmt"
	"time"

	"github.com/adwski/beacon/backend/auth"
	"github.com/adwski/beacon/backend/config"
	"github.com/adwski/beacon/backend/model"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token USERNAME",
	Short: "Issue a development credential signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	fs := tokenCmd.Flags()
	fs.String("id", "", "user id (random if empty)")
	fs.Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		id = uuid.NewString()
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := auth.NewVerifier(cfg.JWTSecret).Issue(model.User{ID: id, Username: args[0]}, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
