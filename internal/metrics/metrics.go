// Package metrics exposes the bot's Prometheus metrics and a minimal
// /metrics + /health HTTP server. This stands in for the out-of-scope
// dashboard UI (§1 Non-goals): it is observability, not a control surface.
//
// Metric set grounded on the reference pack's metrics.go (counters/gauges
// registered at package scope with WithLabelValues setters); the HTTP
// server shape — mux, ListenAndServe in Start, graceful Shutdown in Stop —
// is grounded on the teacher module's internal/api/server.go.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dumpSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumphedge_dump_signals_total",
			Help: "DumpDetector signals emitted, by side.",
		},
		[]string{"side"},
	)

	cyclesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dumphedge_cycles_started_total",
			Help: "TradeCycles started.",
		},
	)

	cyclesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumphedge_cycles_completed_total",
			Help: "TradeCycles reaching a terminal state, by outcome.",
		},
		[]string{"outcome"}, // completed|round_expired|error
	)

	guaranteedProfitUSDC = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dumphedge_guaranteed_profit_usdc_total",
			Help: "Cumulative guaranteed profit across completed cycles, in USDC.",
		},
	)

	orderSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dumphedge_order_submissions_total",
			Help: "OrderClient submissions, by leg and result status.",
		},
		[]string{"leg", "status"}, // leg: leg1|leg2, status: filled|partial|pending|rejected
	)

	roundDiscoveryErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dumphedge_round_discovery_errors_total",
			Help: "RoundManager discovery fetch failures.",
		},
	)

	feedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dumphedge_feed_reconnects_total",
			Help: "MarketFeed reconnect attempts.",
		},
	)

	activeCycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dumphedge_active_cycle_state",
			Help: "1 for the currently active TradeCycle's status, 0 for all others.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		dumpSignals, cyclesStarted, cyclesCompleted, guaranteedProfitUSDC,
		orderSubmissions, roundDiscoveryErrors, feedReconnects, activeCycleState,
	)
}

// IncDumpSignal records a DumpDetector signal for the given side.
func IncDumpSignal(side string) { dumpSignals.WithLabelValues(side).Inc() }

// IncCycleStarted records a new TradeCycle.
func IncCycleStarted() { cyclesStarted.Inc() }

// IncCycleCompleted records a cycle reaching a terminal state.
func IncCycleCompleted(outcome string) { cyclesCompleted.WithLabelValues(outcome).Inc() }

// AddGuaranteedProfit adds to the cumulative guaranteed-profit counter.
// Callers must only pass non-negative values (a Prometheus Counter
// invariant); realized losses are not represented by this metric.
func AddGuaranteedProfit(usdc float64) {
	if usdc > 0 {
		guaranteedProfitUSDC.Add(usdc)
	}
}

// IncOrderSubmission records an OrderClient call's outcome for a leg.
func IncOrderSubmission(leg, status string) { orderSubmissions.WithLabelValues(leg, status).Inc() }

// IncRoundDiscoveryError records a RoundManager discovery failure.
func IncRoundDiscoveryError() { roundDiscoveryErrors.Inc() }

// IncFeedReconnect records a MarketFeed reconnect attempt.
func IncFeedReconnect() { feedReconnects.Inc() }

// SetActiveCycleState flips the active-cycle gauge to 1 for status and 0
// for every other known status.
func SetActiveCycleState(status string, known []string) {
	for _, s := range known {
		if s == status {
			activeCycleState.WithLabelValues(s).Set(1)
		} else {
			activeCycleState.WithLabelValues(s).Set(0)
		}
	}
}

// Server serves /metrics (Prometheus exposition) and /health.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a metrics server bound to port.
func NewServer(port int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Start blocks serving until the server is stopped.
func (s *Server) Start() error {
	s.logger.Info("metrics server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
