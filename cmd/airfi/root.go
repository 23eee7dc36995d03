package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/airfi/airfi-mpesa-gateway/internal/config"
	"github.com/airfi/airfi-mpesa-gateway/internal/db"
	"github.com/airfi/airfi-mpesa-gateway/internal/firewall"
	"github.com/airfi/airfi-mpesa-gateway/internal/logging"
)

// app holds what every subcommand needs after flags are parsed.
type app struct {
	configPath string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "airfi",
		Short:         "AirFi pay-per-use WiFi gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default .env in the working directory)")
	root.PersistentFlags().String("db", "", "SQLite database path")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newMonitorCmd(a),
		newSessionCmd(a),
		newTokenCmd(a),
		newQRCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
		Dev:   cfg.LogDev,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) openDB() (*db.DB, error) {
	database, err := db.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", a.cfg.DBPath, err)
	}
	a.logger.Info("database opened", zap.String("path", a.cfg.DBPath))
	return database, nil
}

// firewall builds the controller selected by FIREWALL_MODE.
func (a *app) firewall() (firewall.Controller, error) {
	logger := a.logger.Named("firewall")

	switch a.cfg.FirewallMode {
	case config.FirewallNoop:
		logger.Warn("firewall disabled, access changes are only logged")
		return firewall.NewNoop(logger), nil

	case config.FirewallSSH:
		runner, err := firewall.NewSSHRunner(firewall.SSHConfig{
			Address:    a.cfg.FirewallSSHAddress,
			Port:       a.cfg.FirewallSSHPort,
			Username:   a.cfg.FirewallSSHUsername,
			Password:   a.cfg.FirewallSSHPassword,
			PrivateKey: a.cfg.FirewallSSHPrivateKey,
			Binary:     a.cfg.FirewallBinary,
			Sudo:       a.cfg.FirewallSudo,
		}, logger.Named("ssh"))
		if err != nil {
			return nil, fmt.Errorf("failed to create SSH runner: %w", err)
		}
		logger.Info("firewall: iptables over SSH",
			zap.String("address", a.cfg.FirewallSSHAddress),
			zap.Int("port", a.cfg.FirewallSSHPort),
		)
		return firewall.NewIPTables(runner, logger), nil

	default:
		logger.Info("firewall: local iptables",
			zap.String("binary", a.cfg.FirewallBinary),
			zap.Bool("sudo", a.cfg.FirewallSudo),
		)
		return firewall.NewIPTables(&firewall.LocalRunner{
			Binary: a.cfg.FirewallBinary,
			Sudo:   a.cfg.FirewallSudo,
		}, logger), nil
	}
}
