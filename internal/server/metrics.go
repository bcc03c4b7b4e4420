package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"piggybank/internal/gateway"
	"piggybank/internal/txflow"
)

type metricsRegistry struct {
	registry            *prometheus.Registry
	actionsTotal        *prometheus.CounterVec
	transactionsTotal   *prometheus.CounterVec
	confirmationSeconds *prometheus.HistogramVec
	readErrorsTotal     *prometheus.CounterVec
	idempotencyTotal    *prometheus.CounterVec
	requestsTotal       *prometheus.CounterVec
}

func newMetricsRegistry(tracker *txflow.Tracker) *metricsRegistry {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "piggybank_action_transitions_total",
		Help: "Lifecycle transitions of user actions",
	}, []string{"intent", "state"})

	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "piggybank_transactions_total",
		Help: "Submitted transactions by contract method and outcome",
	}, []string{"method", "result"})

	confirmation := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "piggybank_confirmation_seconds",
		Help:    "Time from submission to an observed receipt",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
	}, []string{"method"})

	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "piggybank_read_errors_total",
		Help: "Failed contract queries",
	}, []string{"query"})

	idem := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "piggybank_idempotency_lookups_total",
		Help: "Idempotency key outcomes on write requests",
	}, []string{"outcome"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "piggybank_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	inFlight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "piggybank_actions_in_flight",
		Help: "Actions that have not reached a terminal state",
	}, func() float64 {
		n := 0
		for _, a := range tracker.List() {
			if !a.State.Terminal() {
				n++
			}
		}
		return float64(n)
	})

	r := prometheus.NewRegistry()
	r.MustRegister(actions, txs, confirmation, reads, idem, requests, inFlight)

	return &metricsRegistry{
		registry:            r,
		actionsTotal:        actions,
		transactionsTotal:   txs,
		confirmationSeconds: confirmation,
		readErrorsTotal:     reads,
		idempotencyTotal:    idem,
		requestsTotal:       requests,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) observeAction(a txflow.Action) {
	m.actionsTotal.WithLabelValues(string(a.Intent), string(a.State)).Inc()
}

func (m *metricsRegistry) observeTransaction(method, result string, confirmation time.Duration) {
	m.transactionsTotal.WithLabelValues(method, result).Inc()
	if confirmation > 0 {
		m.confirmationSeconds.WithLabelValues(method).Observe(confirmation.Seconds())
	}
}

func (m *metricsRegistry) observeReadError(key gateway.QueryKey, _ error) {
	m.readErrorsTotal.WithLabelValues(string(key)).Inc()
}

func (m *metricsRegistry) incIdempotency(outcome string) {
	m.idempotencyTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incRequest(route string, code int) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
