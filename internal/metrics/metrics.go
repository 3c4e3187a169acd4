// Package metrics provides Prometheus instrumentation for the
// settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts assets escrowed and fractionalized.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracshare_deposits_total",
		Help: "Total assets deposited and fractionalized",
	})

	// PrimarySalesTotal counts primary-window purchases.
	PrimarySalesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracshare_primary_sales_total",
		Help: "Total primary sale purchases",
	})

	// BidsTotal counts auction bids, partitioned by result.
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracshare_bids_total",
		Help: "Total auction bids received",
	}, []string{"result"}) // "opened", "accepted", "ignored"

	// ClaimsTotal counts settled auction days.
	ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracshare_claims_total",
		Help: "Total auction claims settled",
	})

	// WagersTotal counts wagers, partitioned by outcome.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracshare_wagers_total",
		Help: "Total wagers placed",
	}, []string{"outcome"}) // "won", "lost"

	// EmissionMintedTotal accumulates claim tokens minted by the daily
	// emission schedule.
	EmissionMintedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracshare_emission_minted_total",
		Help: "Claim tokens minted by daily emission",
	})

	// RefundsTotal counts outbid-bidder refunds issued from vaults.
	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracshare_refunds_total",
		Help: "Refunds issued to outbid bidders",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fracshare_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracshare_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fracshare_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
		path := r.URL.Path
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
