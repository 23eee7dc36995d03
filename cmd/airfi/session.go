package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/airfi/airfi-mpesa-gateway/internal/session"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and override sessions",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [status]",
			Short: "List sessions, optionally filtered by status",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var status session.Status
				if len(args) == 1 {
					status = session.Status(args[0])
					if !status.Valid() {
						return fmt.Errorf("unknown status %q", args[0])
					}
				}
				return a.withManager(func(m *session.Manager) error {
					sessions, err := m.ListSessions(cmd.Context(), status)
					if err != nil {
						return err
					}
					now := m.Now()
					for _, s := range sessions {
						fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %s  KES %-4d  %-15s  %s  %s\n",
							s.ID, s.Status, s.Subscriber, s.Amount, s.IPAddress,
							s.CreatedAt.Local().Format(time.DateTime), s.RemainingTimeFormatted(now))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "grant <session-id>",
			Short: "Activate a PENDING session and open the firewall",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withManager(func(m *session.Manager) error {
					s, err := m.ForceGrant(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "session %s is %s\n", s.ID, s.Status)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "revoke <session-id>",
			Short: "Revoke an ACTIVE session and close the firewall",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withManager(func(m *session.Manager) error {
					s, err := m.ForceRevoke(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "session %s is %s\n", s.ID, s.Status)
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) withManager(fn func(*session.Manager) error) error {
	database, err := a.openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	fw, err := a.firewall()
	if err != nil {
		return err
	}
	return fn(session.NewManager(database, fw, nil, nil, a.logger.Named("session")))
}
