// Package metrics exposes Prometheus counters and gauges for the trading
// engine, served at GET /metrics alongside the dashboard API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_total",
			Help: "Closed trades by symbol and side.",
		},
		[]string{"symbol", "side"},
	)

	circuitBreakerTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Number of times the circuit breaker has tripped.",
		},
	)

	wsReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Number of market data websocket reconnects.",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "open_positions",
			Help: "Current number of open positions.",
		},
	)

	equityUSDT = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "equity_usdt",
			Help: "Current total equity in USDT.",
		},
	)
)

func init() {
	prometheus.MustRegister(tradesTotal, circuitBreakerTripsTotal, wsReconnectsTotal,
		openPositions, equityUSDT)
}

// IncTrade records a closed trade for symbol/side.
func IncTrade(symbol, side string) { tradesTotal.WithLabelValues(symbol, side).Inc() }

// IncCircuitBreakerTrip records a breaker trip.
func IncCircuitBreakerTrip() { circuitBreakerTripsTotal.Inc() }

// IncWSReconnect records a market data stream reconnect.
func IncWSReconnect() { wsReconnectsTotal.Inc() }

// SetOpenPositions sets the current open-position count.
func SetOpenPositions(n int) { openPositions.Set(float64(n)) }

// SetEquity sets the current total equity.
func SetEquity(v float64) { equityUSDT.Set(v) }

// Handler returns the promhttp handler to mount at GET /metrics.
func Handler() http.Handler { return promhttp.Handler() }
