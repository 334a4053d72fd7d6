package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livecall"

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	callsEnqueued  *prometheus.CounterVec
	callsAssigned  prometheus.Counter
	callsCompleted prometheus.Counter
	callsCancelled prometheus.Counter
	assignWait     prometheus.Histogram
	storeConflicts prometheus.Counter

	wsConnections  *prometheus.GaugeVec
	wsConnects     *prometheus.CounterVec
	wsMessages     *prometheus.CounterVec
	wsSendFailures *prometheus.CounterVec

	sessionsActive prometheus.Gauge
	signalsRelayed *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		gatherer: reg,
		callsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_enqueued_total",
			Help: "Call requests accepted into the queue.",
		}, []string{"priority"}),
		callsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_assigned_total",
			Help: "Calls bound to an agent.",
		}),
		callsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_completed_total",
			Help: "Calls completed by an agent.",
		}),
		callsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_cancelled_total",
			Help: "Calls cancelled before completion.",
		}),
		assignWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "assign_wait_seconds",
			Help:    "Time from enqueue to agent assignment.",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
		storeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_conflicts_total",
			Help: "Optimistic write conflicts that forced a retry.",
		}),
		wsConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_connections",
			Help: "Open websocket channels.",
		}, []string{"channel"}),
		wsConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_connects_total",
			Help: "Websocket channels opened.",
		}, []string{"channel"}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_messages_total",
			Help: "Inbound websocket frames.",
		}, []string{"channel"}),
		wsSendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_send_failures_total",
			Help: "Sends dropped because the channel was closed or full.",
		}, []string{"channel"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "signaling_sessions",
			Help: "Signaling sessions not yet ended.",
		}),
		signalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signaling_relayed_total",
			Help: "Negotiation messages forwarded between parties.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.callsEnqueued, m.callsAssigned, m.callsCompleted, m.callsCancelled, m.assignWait,
		m.storeConflicts, m.wsConnections, m.wsConnects, m.wsMessages, m.wsSendFailures,
		m.sessionsActive, m.signalsRelayed, m.httpRequests, m.httpDuration,
	)
	return m
}

// RecordEnqueued counts a queued call
func (m *Metrics) RecordEnqueued(priority string) {
	if m == nil {
		return
	}
	m.callsEnqueued.WithLabelValues(priority).Inc()
}

// RecordAssigned counts an assignment and observes the wait
func (m *Metrics) RecordAssigned(wait time.Duration) {
	if m == nil {
		return
	}
	m.callsAssigned.Inc()
	m.assignWait.Observe(wait.Seconds())
}

// RecordCompleted counts a completed call
func (m *Metrics) RecordCompleted() {
	if m == nil {
		return
	}
	m.callsCompleted.Inc()
}

// RecordCancelled counts a cancelled call
func (m *Metrics) RecordCancelled() {
	if m == nil {
		return
	}
	m.callsCancelled.Inc()
}

// RecordConflict counts a store version conflict
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

// RecordWebSocketConnect increments the connection gauge of a channel
func (m *Metrics) RecordWebSocketConnect(channel string) {
	if m == nil {
		return
	}
	m.wsConnects.WithLabelValues(channel).Inc()
	m.wsConnections.WithLabelValues(channel).Inc()
}

// RecordWebSocketDisconnect decrements the connection gauge of a channel
func (m *Metrics) RecordWebSocketDisconnect(channel string) {
	if m == nil {
		return
	}
	m.wsConnections.WithLabelValues(channel).Dec()
}

// RecordWebSocketMessage counts an inbound frame
func (m *Metrics) RecordWebSocketMessage(channel string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(channel).Inc()
}

// RecordSendFailure counts a dropped outbound message
func (m *Metrics) RecordSendFailure(channel string) {
	if m == nil {
		return
	}
	m.wsSendFailures.WithLabelValues(channel).Inc()
}

// SetActiveSessions sets the number of live signaling sessions
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// RecordRelayed counts a forwarded negotiation message
func (m *Metrics) RecordRelayed(kind string) {
	if m == nil {
		return
	}
	m.signalsRelayed.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records an HTTP request by route pattern
func (m *Metrics) RecordHTTPRequest(route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records every request under its chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(route, status, time.Since(start))
	})
}
