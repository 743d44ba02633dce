// Package metrics exposes Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_trades_total",
		Help: "Executed trades by side.",
	}, []string{"side"})

	// TradeVolume accumulates filled share volume per event and side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_trade_volume_shares",
		Help: "Filled share volume by event and side.",
	}, []string{"event", "side"})

	// TradeRejections counts rejected trade requests by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_trade_rejections_total",
		Help: "Rejected trade requests by reason.",
	}, []string{"reason"})

	// ResolutionsTotal counts completed event resolutions.
	ResolutionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_resolutions_total",
		Help: "Completed event resolutions.",
	})

	// SettlementPayout accumulates gross settlement payouts.
	SettlementPayout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_settlement_payout_total",
		Help: "Gross cash paid out at settlement.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pm_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
