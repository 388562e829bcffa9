// Package metrics exposes Prometheus metrics for collection and backfill runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/flowtrack/internal/logger"
)

const namespace = "flowtrack"

// Metrics holds the registered collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	Collections        *prometheus.CounterVec // labels: status
	CollectDuration    prometheus.Histogram
	ContractsWritten   *prometheus.CounterVec // labels: outcome=inserted|duplicate|failed|unchanged
	StoreRetries       *prometheus.CounterVec // labels: op
	BackfillTimestamps *prometheus.CounterVec // labels: result=created|failed|skipped
	LastSuccess        *prometheus.GaugeVec   // labels: symbol
	NetDeltaVolume     *prometheus.GaugeVec   // labels: symbol
}

// New registers all metrics with reg. A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Collections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "symbol_collections_total",
			Help:      "Per-symbol collection outcomes",
		}, []string{"status"}),
		CollectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "symbol_collect_duration_seconds",
			Help:      "Fetch, calculate and persist latency per symbol",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ContractsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "contracts_total",
			Help:      "Raw contract rows by write outcome",
		}, []string{"outcome"}),
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "lock_retries_total",
			Help:      "Write transactions retried because the database was locked",
		}, []string{"op"}),
		BackfillTimestamps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "timestamps_total",
			Help:      "Backfilled timestamps by result",
		}, []string{"result"}),
		LastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful collection per symbol",
		}, []string{"symbol"}),
		NetDeltaVolume: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "net_delta_volume",
			Help:      "Net delta-weighted volume of the latest aggregate per symbol",
		}, []string{"symbol"}),
	}
}

// ObserveCollection records one symbol's outcome.
func (m *Metrics) ObserveCollection(symbol, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.Collections.WithLabelValues(status).Inc()
	m.CollectDuration.Observe(took.Seconds())
	if status == "success" {
		m.LastSuccess.WithLabelValues(symbol).SetToCurrentTime()
	}
}

// ObserveAggregate records the latest net delta volume for symbol.
func (m *Metrics) ObserveAggregate(symbol string, net float64) {
	if m == nil {
		return
	}
	m.NetDeltaVolume.WithLabelValues(symbol).Set(net)
}

// AddContracts counts raw rows by outcome.
func (m *Metrics) AddContracts(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ContractsWritten.WithLabelValues(outcome).Add(float64(n))
}

// StoreRetried is a storage.Config OnRetry hook.
func (m *Metrics) StoreRetried(op string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(op).Inc()
}

// AddBackfill counts backfilled timestamps by result.
func (m *Metrics) AddBackfill(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BackfillTimestamps.WithLabelValues(result).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
