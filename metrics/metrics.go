// Package metrics holds the Prometheus collectors of the service and the
// HTTP server that exposes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LedgerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_request_duration_seconds",
			Help:    "Duration of ledger RPC operations",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"operation"},
	)

	LedgerTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Submitted ledger transfers by outcome",
		},
		[]string{"outcome"},
	)

	PricingQuotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricing_quotes_total",
			Help: "Price quotes by status",
		},
		[]string{"status"},
	)

	BillingPhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_phase_transitions_total",
			Help: "Billing record phase transitions",
		},
		[]string{"kind", "phase"},
	)

	SweepResources = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_resources_total",
			Help: "Resources visited by the metered billing sweep by outcome",
		},
		[]string{"outcome"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_sweep_duration_seconds",
			Help:    "Duration of a full metered billing sweep",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		},
	)
)

// ObserveLedger records the duration of a ledger operation started at start.
func ObserveLedger(operation string, start time.Time) {
	LedgerRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// MetricsServer serves /metrics on a dedicated listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server stops.
func (m *MetricsServer) ListenAndServe() error {
	err := m.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
