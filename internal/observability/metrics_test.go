package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveCache("characters", "hit")
	m.ObserveCacheEvictions("characters", 3)
	m.ObserveAPIRequest("GET", 200, time.Millisecond)
	m.ObserveAuthFailure()
	m.ObservePoll("ready")
	m.ObserveSessionEvent("created")
	m.ObserveState("idle", false)
	m.ObserveTimeToReady(time.Second)
	m.ObserveWSMessage("inbound", "textout")
	m.ObserveWSReconnect()
}

func TestObserveStateTracksActiveSession(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	m.ObserveState("connecting", true)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("ActiveSessions = %v, want 1", got)
	}
	m.ObserveState("idle", false)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Fatalf("ActiveSessions = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.StateTransitions.WithLabelValues("connecting")); got != 1 {
		t.Fatalf("StateTransitions{connecting} = %v, want 1", got)
	}
}

func TestObserveAPIRequestLabelsTransportErrors(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	m.ObserveAPIRequest("GET", 0, time.Millisecond)
	m.ObserveAPIRequest("GET", 401, time.Millisecond)
	if got := testutil.ToFloat64(m.APIRequests.WithLabelValues("GET", "error")); got != 1 {
		t.Fatalf("APIRequests{GET,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APIRequests.WithLabelValues("GET", "401")); got != 1 {
		t.Fatalf("APIRequests{GET,401} = %v, want 1", got)
	}
}
