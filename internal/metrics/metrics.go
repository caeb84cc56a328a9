// Package metrics holds the Prometheus collectors shared by the API and the
// worker.
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
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agon_http_requests_total",
		Help: "HTTP requests by route pattern, method and status.",
	}, []string{"route", "method", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agon_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	BidsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agon_auction_bids_total",
		Help: "Accepted auction bids.",
	})

	AuctionSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agon_auction_settlements_total",
		Help: "Auctions leaving escrow, by outcome.",
	}, []string{"outcome"})

	PredictionOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agon_prediction_orders_total",
		Help: "Filled prediction orders by side and action.",
	}, []string{"side", "action"})

	QuoteSyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agon_quote_sync_failures_total",
		Help: "Failed upstream order book fetches.",
	})

	MarketAutoPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agon_market_auto_pauses_total",
		Help: "Markets paused after repeated sync failures.",
	})

	MarketSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agon_market_settlements_total",
		Help: "Resolved prediction markets by outcome.",
	}, []string{"outcome"})

	GameRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agon_game_rounds_total",
		Help: "Casino rounds by game and result.",
	}, []string{"game", "result"})

	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agon_trading_liquidations_total",
		Help: "Leveraged positions force-closed.",
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agon_worker_job_runs_total",
		Help: "Worker job executions by job and result.",
	}, []string{"job", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agon_worker_job_duration_seconds",
		Help:    "Worker job latency.",
		Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
	}, []string{"job"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware records request counts and latency keyed by chi route pattern so
// path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
