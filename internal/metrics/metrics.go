// Package metrics exposes Prometheus counters for the access gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all gateway metrics.
type Registry struct {
	SessionsCreated  prometheus.Counter
	Callbacks        *prometheus.CounterVec // by outcome
	FirewallOps      *prometheus.CounterVec // by op, result
	SessionsExpired  prometheus.Counter
	PaymentInitiated *prometheus.CounterVec // by result
	MonitorScans     prometheus.Counter
	ActiveSessions   prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airfi",
		Name:      "sessions_created_total",
		Help:      "Sessions created from payment requests.",
	})
	r.Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airfi",
		Name:      "payment_callbacks_total",
		Help:      "Payment provider callbacks by reconciliation outcome.",
	}, []string{"outcome"})
	r.FirewallOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airfi",
		Name:      "firewall_operations_total",
		Help:      "Firewall grant and revoke operations.",
	}, []string{"op", "result"})
	r.SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airfi",
		Name:      "sessions_expired_total",
		Help:      "Sessions moved to EXPIRED by the monitor.",
	})
	r.PaymentInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airfi",
		Name:      "payment_initiations_total",
		Help:      "STK push initiations by result.",
	}, []string{"result"})
	r.MonitorScans = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airfi",
		Name:      "monitor_scans_total",
		Help:      "Completed expiry scans.",
	})
	r.ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "airfi",
		Name:      "active_sessions",
		Help:      "ACTIVE sessions seen by the last expiry scan.",
	})

	return r
}

// Result returns the label value for an operation error.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
