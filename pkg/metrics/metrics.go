package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects the gateway's operational counters. It is in-process
// and lock-based; the Prometheus handler renders the same snapshot the
// JSON handler serves.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	decisionRegion map[string]int64
	breakerState   map[string]int64
	canaryOutcome  map[string]int64
	gauges         map[string]float64
	erasures       int64
	evalLatency    EvalLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// EvalLatencyStat tracks the enforcement pipeline latency.
type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Decisions      map[string]int64        `json:"decisions"`
	DecisionRegion map[string]int64        `json:"decision_region"`
	BreakerStates  map[string]int64        `json:"breaker_transitions"`
	CanaryOutcomes map[string]int64        `json:"canary_outcomes"`
	Gauges         map[string]float64      `json:"gauges"`
	Erasures       int64                   `json:"erasures_total"`
	EvalLatencyMS  EvalLatencyStat         `json:"eval_latency_ms"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decision:       map[string]int64{},
		decisionRegion: map[string]int64{},
		breakerState:   map[string]int64{},
		canaryOutcome:  map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncDecision(decision string) {
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

// IncDecisionRegion counts decisions per target region so sovereignty
// violations stand out per jurisdiction.
func (r *Registry) IncDecisionRegion(decision, region string) {
	decision = strings.TrimSpace(decision)
	region = strings.TrimSpace(strings.ToUpper(region))
	if decision == "" {
		return
	}
	if region == "" {
		region = "UNKNOWN"
	}
	r.mu.Lock()
	r.decisionRegion[decision+"|"+region]++
	r.mu.Unlock()
}

func (r *Registry) IncBreakerState(state string) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.breakerState[state]++
	r.mu.Unlock()
}

func (r *Registry) IncCanaryOutcome(outcome string) {
	outcome = strings.TrimSpace(strings.ToUpper(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.canaryOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncErasure() {
	r.mu.Lock()
	r.erasures++
	r.mu.Unlock()
}

func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:      make(map[string]int64, len(r.decision)),
		DecisionRegion: make(map[string]int64, len(r.decisionRegion)),
		BreakerStates:  make(map[string]int64, len(r.breakerState)),
		CanaryOutcomes: make(map[string]int64, len(r.canaryOutcome)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		Erasures:       r.erasures,
		EvalLatencyMS:  r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.decisionRegion {
		out.DecisionRegion[k] = v
	}
	for k, v := range r.breakerState {
		out.BreakerStates[k] = v
	}
	for k, v := range r.canaryOutcome {
		out.CanaryOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP veridion_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE veridion_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "veridion_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP veridion_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE veridion_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "veridion_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP veridion_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE veridion_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "veridion_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP veridion_decision_total enforcement decisions by outcome\n")
		b.WriteString("# TYPE veridion_decision_total counter\n")
		for _, d := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "veridion_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		b.WriteString("# HELP veridion_decision_region_total enforcement decisions by outcome and target region\n")
		b.WriteString("# TYPE veridion_decision_region_total counter\n")
		for _, key := range SortedKeys(snap.DecisionRegion) {
			parts := strings.SplitN(key, "|", 2)
			region := "UNKNOWN"
			if len(parts) == 2 {
				region = parts[1]
			}
			fmt.Fprintf(b, "veridion_decision_region_total{decision=%q,region=%q} %d\n", parts[0], region, snap.DecisionRegion[key])
		}
		b.WriteString("# HELP veridion_breaker_transition_total circuit breaker entries by state\n")
		b.WriteString("# TYPE veridion_breaker_transition_total counter\n")
		for _, s := range SortedKeys(snap.BreakerStates) {
			fmt.Fprintf(b, "veridion_breaker_transition_total{state=%q} %d\n", s, snap.BreakerStates[s])
		}
		b.WriteString("# HELP veridion_canary_outcome_total canary deployment resolutions\n")
		b.WriteString("# TYPE veridion_canary_outcome_total counter\n")
		for _, o := range SortedKeys(snap.CanaryOutcomes) {
			fmt.Fprintf(b, "veridion_canary_outcome_total{outcome=%q} %d\n", o, snap.CanaryOutcomes[o])
		}
		b.WriteString("# HELP veridion_erasure_total crypto-shred erasures performed\n")
		b.WriteString("# TYPE veridion_erasure_total counter\n")
		fmt.Fprintf(b, "veridion_erasure_total %d\n", snap.Erasures)
		b.WriteString("# HELP veridion_gauge operational gauge metrics\n")
		b.WriteString("# TYPE veridion_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "veridion_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP veridion_eval_latency_ms enforcement pipeline latency in ms\n")
		b.WriteString("# TYPE veridion_eval_latency_ms gauge\n")
		fmt.Fprintf(b, "veridion_eval_latency_ms{stat=%q} %d\n", "last", snap.EvalLatencyMS.LastMS)
		fmt.Fprintf(b, "veridion_eval_latency_ms{stat=%q} %.3f\n", "avg", snap.EvalLatencyMS.AvgMS)
		fmt.Fprintf(b, "veridion_eval_latency_ms{stat=%q} %d\n", "max", snap.EvalLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP veridion_latency_seconds latency histogram\n")
			b.WriteString("# TYPE veridion_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "veridion_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "veridion_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "veridion_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "veridion_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "veridion_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
