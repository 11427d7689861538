package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the console. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	StatusPolls      *prometheus.CounterVec
	CacheRequests    *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec
	APIRequests      *prometheus.CounterVec
	APILatency       *prometheus.HistogramVec
	AuthFailures     prometheus.Counter
	WSMessages       *prometheus.CounterVec
	WSReconnects     prometheus.Counter
	TimeToReady      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg, letting tests use a private
// registry instead of the process-wide default.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_live_sessions",
			Help:      "1 while the controller tracks a live session, else 0.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_session_events_total",
			Help:      "Live session lifecycle events by type.",
		}, []string{"event"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Controller state transitions by target state.",
		}, []string{"state"}),
		StatusPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_status_polls_total",
			Help:      "Live session status polls by outcome.",
		}, []string{"outcome"}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Resource cache lookups by resource type and result (hit, miss, dedup).",
		}, []string{"resource", "result"}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted for exceeding their max age.",
		}, []string{"resource"}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Backend API requests by method and status code.",
		}, []string{"method", "code"}),
		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_ms",
			Help:      "Backend API request latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"method"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Backend responses that forced a session teardown.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Live WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnects_total",
			Help:      "Live WebSocket reconnect attempts.",
		}),
		TimeToReady: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_time_to_ready_seconds",
			Help:      "Time from launch to the session reporting ready.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}
}

func (m *Metrics) ObserveCache(resource, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(resource, result).Inc()
}

func (m *Metrics) ObserveCacheEvictions(resource string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(resource).Add(float64(n))
}

func (m *Metrics) ObserveAPIRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.APIRequests.WithLabelValues(method, label).Inc()
	m.APILatency.WithLabelValues(method).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) ObservePoll(outcome string) {
	if m == nil {
		return
	}
	m.StatusPolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// ObserveState records a controller transition and whether a session is tracked.
func (m *Metrics) ObserveState(state string, hasSession bool) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
	if hasSession {
		m.ActiveSessions.Set(1)
	} else {
		m.ActiveSessions.Set(0)
	}
}

func (m *Metrics) ObserveTimeToReady(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToReady.Observe(d.Seconds())
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveWSReconnect() {
	if m == nil {
		return
	}
	m.WSReconnects.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
