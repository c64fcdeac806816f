// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades by side and origin (user or rebalance).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "origin"})

	// TradeLatency observes user trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// RebalancesTotal counts rebalance executions by mode and outcome.
	RebalancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_rebalances_total",
		Help: "Rebalance executions",
	}, []string{"mode", "outcome"})

	// DiscardedTrades counts planner trades dropped below the minimum size.
	DiscardedTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_rebalance_discarded_trades_total",
		Help: "Planned trades dropped for falling below the rebalance floor",
	})

	// LoansTotal counts loan lifecycle events (created, repaid, liquidated, rejected).
	LoansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_loans_total",
		Help: "Loan lifecycle events",
	}, []string{"event"})

	// LiquidationShortfall accumulates unrecovered debt in IRR.
	LiquidationShortfall = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_liquidation_shortfall_irr_total",
		Help: "Debt left unrecovered by liquidations, in IRR",
	})

	// ActiveLoans is the number of ACTIVE loans seen by the last scan.
	ActiveLoans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_active_loans",
		Help: "ACTIVE loans observed by the last liquidation scan",
	})

	// ScanDuration observes liquidation scan duration.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portfolio_liquidation_scan_seconds",
		Help:    "Liquidation scan duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// LockAcquisitions counts job lock attempts by outcome (acquired, held, fail_open, fail_closed).
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_lock_acquisitions_total",
		Help: "Distributed lock acquisition attempts",
	}, []string{"name", "outcome"})

	// JobRuns counts scheduler ticks by job and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_job_runs_total",
		Help: "Scheduled job runs",
	}, []string{"job", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
