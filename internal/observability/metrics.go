package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antoniostano/avatarcall/internal/realtime"
)

// Metrics groups all Prometheus instruments used by the proxy and the call
// runtime. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls      prometheus.Gauge
	CallTransitions  *prometheus.CounterVec
	Negotiations     *prometheus.CounterVec
	APIRequests      *prometheus.CounterVec
	APILatency       *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	IssuedSessions   *prometheus.CounterVec
	StatusStreams    prometheus.Gauge
	WSMessages       *prometheus.CounterVec
	NegotiateLatency prometheus.Histogram

	window *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of avatar calls with a connected room.",
		}),
		CallTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_state_transitions_total",
			Help:      "Coordinator state transitions by target state.",
		}, []string{"state"}),
		Negotiations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Credential resolutions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Negotiation API round trips by operation and status code.",
		}, []string{"op", "code"}),
		APILatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_latency_ms",
			Help:      "Negotiation API latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1600, 3200},
		}, []string{"op"}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_cache_lookups_total",
			Help:      "Credential cache lookups by result (hit, join, miss).",
		}, []string{"result"}),
		IssuedSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issued_sessions_total",
			Help:      "Sessions issued by the connect proxy by route and outcome.",
		}, []string{"route", "outcome"}),
		StatusStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_streams",
			Help:      "Open websocket session status streams.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		NegotiateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiate_latency_ms",
			Help:      "Create to consume latency in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		window: newStageWindow(256),
	}
}

func (m *Metrics) ObserveAPIRequest(op string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = http.StatusText(status)
		if code == "" {
			code = "unknown"
		}
	}
	m.APIRequests.WithLabelValues(op, code).Inc()
	m.APILatency.WithLabelValues(op).Observe(float64(d.Milliseconds()))
	switch op {
	case "create session":
		m.window.Observe(StageCreate, float64(d.Milliseconds()))
	case "get session status":
		m.window.Observe(StagePoll, float64(d.Milliseconds()))
	case "consume session":
		m.window.Observe(StageConsume, float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveNegotiation(strategy string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Negotiations.WithLabelValues(strategy, outcome).Inc()
	if err == nil {
		m.NegotiateLatency.Observe(float64(d.Milliseconds()))
		m.window.Observe(StageNegotiate, float64(d.Milliseconds()))
		return
	}
	if name := failureIndicator(err); name != "" {
		m.ObserveIndicator(name)
	}
}

// failureIndicator names the negotiation failures worth counting in the
// stats snapshot.
func failureIndicator(err error) string {
	var timeout *realtime.TimeoutError
	var terminated *realtime.SessionTerminatedError
	var apiErr *realtime.APIError
	switch {
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return "negotiation_timeout"
	case errors.As(err, &terminated):
		return "session_terminated"
	case errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden):
		return "auth_rejected"
	default:
		return ""
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.CallTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallFinished() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}

func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveIssuedSession(route string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.IssuedSessions.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StatusStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StatusStreams.Dec()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
