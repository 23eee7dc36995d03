package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/airfi/airfi-mpesa-gateway/internal/api"
	"github.com/airfi/airfi-mpesa-gateway/internal/auth"
	"github.com/airfi/airfi-mpesa-gateway/internal/mpesa"
	"github.com/airfi/airfi-mpesa-gateway/internal/netid"
	"github.com/airfi/airfi-mpesa-gateway/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the captive portal and payment callback server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger

	database, err := a.openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	fw, err := a.firewall()
	if err != nil {
		return err
	}
	testCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := fw.TestConnection(testCtx); err != nil {
		logger.Warn("firewall connection test failed, grants may fail", zap.Error(err))
	}
	cancel()

	var gateway session.Gateway
	if a.cfg.MpesaConfigured() {
		gateway = mpesa.NewClient(mpesa.Config{
			BaseURL:        a.cfg.MpesaBaseURL,
			ConsumerKey:    a.cfg.MpesaConsumerKey,
			ConsumerSecret: a.cfg.MpesaConsumerSecret,
			ShortCode:      a.cfg.MpesaShortCode,
			PassKey:        a.cfg.MpesaPassKey,
			CallbackURL:    a.cfg.MpesaCallbackURL,
			Timeout:        a.cfg.MpesaTimeout,
		}, logger.Named("mpesa"))
		logger.Info("M-Pesa STK push enabled", zap.String("base_url", a.cfg.MpesaBaseURL))
	} else {
		logger.Warn("M-Pesa credentials missing, sessions will stay PENDING")
	}

	resolver := netid.New(a.cfg.ARPTable, logger.Named("netid"))
	manager := session.NewManager(database, fw, resolver, gateway, logger.Named("session"))

	var jwtService *auth.JWTService
	keyPair, err := auth.LoadOrGenerateKeyPair(a.cfg.KeysDir)
	if err != nil {
		logger.Warn("admin API disabled, failed to load JWT keys", zap.Error(err))
	} else {
		jwtService = auth.NewJWTService(keyPair, a.cfg.JWTIssuer)
	}

	handler := api.NewHandler(manager, database, jwtService, logger.Named("api"))
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Let in-flight STK pushes write their correlation ids back.
	manager.Wait()
	logger.Info("server stopped")
	return nil
}
