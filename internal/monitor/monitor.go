// Package monitor runs the expiry daemon that closes access for sessions
// whose purchased window has elapsed.
package monitor

import (
	"context"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/metrics"
	"github.com/airfi/airfi-mpesa-gateway/internal/session"
	"go.uber.org/zap"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultInterval = 60 * time.Second
	DefaultTick     = time.Second
)

// Sessions is the part of the session manager the monitor drives.
type Sessions interface {
	Now() time.Time
	ListSessions(ctx context.Context, status session.Status) ([]*session.Session, error)
	Expire(ctx context.Context, s *session.Session) error
	Reassert(ctx context.Context, s *session.Session) error
}

// Config holds monitor settings.
type Config struct {
	Interval time.Duration // pause between scans
	Tick     time.Duration // cancellation polling granularity during the pause
	Reassert bool          // re-apply grants for unexpired ACTIVE sessions
}

// Monitor periodically expires sessions.
type Monitor struct {
	sessions Sessions
	config   Config
	logger   *zap.Logger
}

// New creates a monitor.
func New(sessions Sessions, config Config, logger *zap.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Tick <= 0 {
		config.Tick = DefaultTick
	}
	if config.Tick > config.Interval {
		config.Tick = config.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sessions: sessions,
		config:   config,
		logger:   logger,
	}
}

// ScanResult summarizes one pass over the ACTIVE sessions.
type ScanResult struct {
	Active     int
	Expired    int
	Reasserted int
	Errors     int
}

// Run scans until ctx is cancelled. A scan that has started always runs to
// completion; cancellation is observed between scans.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("expiry monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Bool("reassert", m.config.Reassert),
	)

	for {
		if _, err := m.Scan(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("expiry scan failed", zap.Error(err))
		}

		if !m.wait(ctx) {
			m.logger.Info("expiry monitor stopped")
			return nil
		}
	}
}

// wait pauses for one interval, returning false if ctx is cancelled first.
func (m *Monitor) wait(ctx context.Context) bool {
	ticker := time.NewTicker(m.config.Tick)
	defer ticker.Stop()

	deadline := time.Now().Add(m.config.Interval)
	for {
		select {
		case <-ctx.Done():
			return false
		case now := <-ticker.C:
			if !now.Before(deadline) {
				return true
			}
		}
	}
}

// Scan expires every ACTIVE session past its window and optionally
// re-asserts access for the rest.
func (m *Monitor) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult

	active, err := m.sessions.ListSessions(ctx, session.StatusActive)
	if err != nil {
		return result, err
	}

	now := m.sessions.Now()
	for _, s := range active {
		if s.Expired(now) {
			if err := m.sessions.Expire(ctx, s); err != nil {
				// Lost a race with an operator revoke; nothing to do.
				m.logger.Warn("failed to expire session",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
				result.Errors++
				continue
			}
			result.Expired++
			continue
		}

		result.Active++
		if !m.config.Reassert || s.IPAddress == "" {
			continue
		}
		if err := m.sessions.Reassert(ctx, s); err != nil {
			m.logger.Warn("failed to re-assert access",
				zap.String("session_id", s.ID),
				zap.String("ip", s.IPAddress),
				zap.Error(err),
			)
			result.Errors++
			continue
		}
		result.Reasserted++
	}

	metrics.Get().MonitorScans.Inc()
	metrics.Get().ActiveSessions.Set(float64(result.Active))

	if result.Expired > 0 || result.Errors > 0 {
		m.logger.Info("expiry scan complete",
			zap.Int("active", result.Active),
			zap.Int("expired", result.Expired),
			zap.Int("reasserted", result.Reasserted),
			zap.Int("errors", result.Errors),
		)
	}
	return result, nil
}
