// Package metrics exposes the engine's Prometheus instrumentation. Collectors
// are package-level so any component can record without wiring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ordersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_placed_total",
		Help: "Orders submitted to the exchange, by side.",
	}, []string{"side"})

	ordersCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grid_orders_canceled_total",
		Help: "Orders canceled, including reconciliation orphan cleanup.",
	})

	fills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grid_fills_total",
		Help: "Order fills observed.",
	})

	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_breaker_trips_total",
		Help: "Circuit breaker trips, by trigger.",
	}, []string{"trigger"})

	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_reconcile_runs_total",
		Help: "Reconciliation passes, by result.",
	}, []string{"result"})

	drawdownPct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grid_current_drawdown_pct",
		Help: "Current drawdown from peak equity, as a fraction.",
	})

	equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grid_equity",
		Help: "Current account equity in quote currency.",
	})
)

func OrderPlaced(side string) { ordersPlaced.WithLabelValues(side).Inc() }

func OrderCanceled() { ordersCanceled.Inc() }

func Fill() { fills.Inc() }

func BreakerTrip(trigger string) { breakerTrips.WithLabelValues(trigger).Inc() }

func ReconcileRun(result string) { reconcileRuns.WithLabelValues(result).Inc() }

func SetDrawdownPct(v float64) { drawdownPct.Set(v) }

func SetEquity(v float64) { equity.Set(v) }

// Serve exposes /metrics on addr in a background goroutine. An empty addr
// disables the endpoint.
func Serve(addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
}
