package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveEndpoint(t *testing.T) {
	r := NewRegistry()
	r.Observe("/log_action", 200, 10*time.Millisecond)
	r.Observe("/log_action", 403, 30*time.Millisecond)
	snap := r.Snapshot()
	stat := snap.Endpoints["/log_action"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected endpoint stat: %+v", stat)
	}
	if stat.MaxMillis != 30 || stat.LastStatusCode != 403 {
		t.Fatalf("unexpected latency tracking: %+v", stat)
	}
}

func TestDecisionCounters(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("BLOCKED")
	r.IncDecision("BLOCKED")
	r.IncDecision("ALLOWED")
	r.IncDecisionRegion("BLOCKED", "cn")
	r.IncDecisionRegion("BLOCKED", "")
	snap := r.Snapshot()
	if snap.Decisions["BLOCKED"] != 2 || snap.Decisions["ALLOWED"] != 1 {
		t.Fatalf("unexpected decisions: %+v", snap.Decisions)
	}
	if snap.DecisionRegion["BLOCKED|CN"] != 1 || snap.DecisionRegion["BLOCKED|UNKNOWN"] != 1 {
		t.Fatalf("unexpected decision regions: %+v", snap.DecisionRegion)
	}
}

func TestPrometheusExposition(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("BLOCKED")
	r.IncBreakerState("open")
	r.IncCanaryOutcome("promoted")
	r.IncErasure()
	r.SetGauge("active_canaries", 1)
	r.ObserveEvalLatency(12 * time.Millisecond)
	r.ObserveLatency("/log_action", 8*time.Millisecond)

	rr := httptest.NewRecorder()
	r.PrometheusHandler()(rr, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`veridion_decision_total{decision="BLOCKED"} 1`,
		`veridion_breaker_transition_total{state="OPEN"} 1`,
		`veridion_canary_outcome_total{outcome="PROMOTED"} 1`,
		`veridion_erasure_total 1`,
		`veridion_gauge{name="active_canaries"} 1.000`,
		`veridion_latency_seconds_count{endpoint="/log_action"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("prometheus output missing %q:\n%s", want, body)
		}
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("ALLOWED")
	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), `"ALLOWED": 1`) {
		t.Fatalf("json output missing decision counter:\n%s", rr.Body.String())
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("test")
	for i := 0; i < 100; i++ {
		h.Observe(8 * time.Millisecond)
	}
	snap := h.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("expected 100 observations, got %d", snap.Count)
	}
	if snap.P95 != 0.01 {
		t.Fatalf("expected P95 at the 10ms bucket, got %v", snap.P95)
	}
}
