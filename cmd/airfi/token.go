package main

import (
	"fmt"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/airfi/airfi-mpesa-gateway/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin token for the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keyPair, err := auth.LoadOrGenerateKeyPair(a.cfg.KeysDir)
			if err != nil {
				return fmt.Errorf("failed to load JWT keys: %w", err)
			}
			token, err := auth.NewJWTService(keyPair, a.cfg.JWTIssuer).
				GenerateToken(subject, auth.RoleAdmin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newQRCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "qr [url]",
		Short: "Print a QR code pointing guests at the portal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := a.cfg.PortalURL
			if len(args) == 1 {
				url = args[0]
			}
			qrterminal.GenerateHalfBlock(url, qrterminal.L, cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}
