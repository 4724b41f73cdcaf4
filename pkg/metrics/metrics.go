package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the engine's instruments. All methods are safe on a nil receiver
// so components can run without a registry.
type Metrics struct {
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	ActiveOrders       prometheus.Gauge
	FillsTotal         prometheus.Counter
	DepositsCredited   *prometheus.CounterVec
	Compensations      *prometheus.CounterVec
	PendingWithdrawals prometheus.Gauge
	EventsPublished    *prometheus.CounterVec
	JournalFailures    prometheus.Counter

	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_operations_total",
				Help: "Total exchange operations by outcome.",
			},
			[]string{"op", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_operation_duration_seconds",
				Help:    "Exchange operation duration in seconds, including persistence.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		ActiveOrders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exchange_active_orders",
				Help: "Orders that can still be filled or cancelled.",
			},
		),
		FillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_fills_total",
				Help: "Total order fills.",
			},
		),
		DepositsCredited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_deposits_credited_total",
				Help: "Deposits credited to the ledger by asset kind and source.",
			},
			[]string{"kind", "source"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_withdrawal_resolutions_total",
				Help: "Withdrawals settled or refunded after the outbound transfer.",
			},
			[]string{"result"},
		),
		PendingWithdrawals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exchange_pending_withdrawals",
				Help: "Withdrawals whose outbound transfer is not resolved.",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_events_published_total",
				Help: "Events handed to sinks by outcome.",
			},
			[]string{"status"},
		),
		JournalFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_journal_failures_total",
				Help: "Committed operations whose audit journal line could not be written.",
			},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.ActiveOrders,
		m.FillsTotal,
		m.DepositsCredited,
		m.Compensations,
		m.PendingWithdrawals,
		m.EventsPublished,
		m.JournalFailures,
		m.RequestCount,
		m.RequestDuration,
	)
	return m
}

func (m *Metrics) ObserveOperation(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) SetActiveOrders(n int) {
	if m == nil {
		return
	}
	m.ActiveOrders.Set(float64(n))
}

func (m *Metrics) IncFill() {
	if m == nil {
		return
	}
	m.FillsTotal.Inc()
}

func (m *Metrics) IncDeposit(kind, source string) {
	if m == nil {
		return
	}
	m.DepositsCredited.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) IncResolution(result string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPendingWithdrawals(n int) {
	if m == nil {
		return
	}
	m.PendingWithdrawals.Set(float64(n))
}

func (m *Metrics) ObservePublish(n int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) IncJournalFailure() {
	if m == nil {
		return
	}
	m.JournalFailures.Inc()
}

// Middleware records request count and latency per route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		status := strconv.Itoa(rec.status)
		m.RequestCount.WithLabelValues(r.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
