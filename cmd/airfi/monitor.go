package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/airfi/airfi-mpesa-gateway/internal/metrics"
	"github.com/airfi/airfi-mpesa-gateway/internal/monitor"
	"github.com/airfi/airfi-mpesa-gateway/internal/session"
)

func newMonitorCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Expire sessions whose purchased window has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.monitor(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single scan and exit")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	return cmd
}

func (a *app) monitor(ctx context.Context, once bool) error {
	database, err := a.openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	fw, err := a.firewall()
	if err != nil {
		return err
	}

	manager := session.NewManager(database, fw, nil, nil, a.logger.Named("session"))
	m := monitor.New(manager, monitor.Config{
		Interval: a.cfg.MonitorInterval,
		Tick:     a.cfg.MonitorTick,
		Reassert: a.cfg.MonitorReassert,
	}, a.logger.Named("monitor"))

	if once {
		_, err := m.Scan(ctx)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.MonitorMetricsAddr != "" {
		srv, addr, err := startMetricsServer(a.cfg.MonitorMetricsAddr, a.logger.Named("metrics"))
		if err != nil {
			return err
		}
		a.logger.Info("serving monitor metrics", zap.String("addr", addr.String()))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return m.Run(ctx)
}

// startMetricsServer serves the Prometheus registry on addr under /metrics.
// It returns once the listener is bound.
func startMetricsServer(addr string, logger *zap.Logger) (*http.Server, net.Addr, error) {
	metrics.Get()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv, ln.Addr(), nil
}
