package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decisionOf(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{0xa, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		Name:          "sampler-check",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	if got := decisionOf(parseSampler("always_on", "")); got != sdktrace.RecordAndSample {
		t.Fatalf("always_on must sample, got %v", got)
	}
	if got := decisionOf(parseSampler("always_off", "")); got != sdktrace.Drop {
		t.Fatalf("always_off must drop, got %v", got)
	}
	if got := decisionOf(parseSampler("traceidratio", "7")); got != sdktrace.RecordAndSample {
		t.Fatalf("ratio above 1 clamps to 1 and samples, got %v", got)
	}
	if got := decisionOf(parseSampler("traceidratio", "-0.5")); got != sdktrace.Drop {
		t.Fatalf("negative ratio clamps to 0 and drops, got %v", got)
	}
	if got := decisionOf(parseSampler("parentbased", "0")); got != sdktrace.Drop {
		t.Fatalf("parentbased ratio=0 without a sampled parent must drop, got %v", got)
	}
	if got := decisionOf(parseSampler("", "")); got != sdktrace.RecordAndSample {
		t.Fatalf("unset sampler defaults to ratio 1, got %v", got)
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers := parseHeaders("authorization=Bearer abc, x-tenant = veridion ,broken,=nokey")
	if len(headers) != 2 {
		t.Fatalf("expected 2 parsed headers, got %d (%#v)", len(headers), headers)
	}
	if headers["authorization"] != "Bearer abc" || headers["x-tenant"] != "veridion" {
		t.Fatalf("unexpected headers: %#v", headers)
	}
	if got := parseHeaders("  "); got != nil {
		t.Fatalf("blank input must parse to nil, got %v", got)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TELEMETRY_INT", "11")
	if got := envInt("TELEMETRY_INT", 3); got != 11 {
		t.Fatalf("envInt = %d", got)
	}
	t.Setenv("TELEMETRY_INT", "eleven")
	if got := envInt("TELEMETRY_INT", 3); got != 3 {
		t.Fatalf("envInt fallback = %d", got)
	}
}

func TestInitWithoutEndpointIsLocalOnly(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(context.Background(), "gateway")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	t.Setenv("OTEL_REQUIRED", "false")
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	shutdown, err := Init(cancelled, "gateway")
	if err != nil {
		t.Fatalf("optional exporter must fall back without error, got %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown function on fallback")
	}
	_ = shutdown(context.Background())

	t.Setenv("OTEL_REQUIRED", "true")
	requiredCtx, cancelRequired := context.WithCancel(context.Background())
	cancelRequired()
	if _, err := Init(requiredCtx, "gateway"); err == nil {
		t.Fatal("required exporter must surface the init error")
	}
}

func TestInitExporterWithCollector(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", u.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-check=1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "  ")
	if err != nil {
		t.Fatalf("Init against a live collector: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitExporterRequiredBadEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://"+host)
	t.Setenv("OTEL_REQUIRED", "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Init(ctx, "gateway"); err == nil {
		t.Fatal("expected an error for a malformed endpoint with a required exporter")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware("gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status must pass through, got %d", rr.Code)
	}

	fallback := HTTPMiddleware("  ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr = httptest.NewRecorder()
	fallback.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/logs", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("blank service name must still serve, got %d", rr.Code)
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected an instrumented client with a transport")
	}

	existing := &http.Client{Transport: http.DefaultTransport}
	if got := InstrumentClient(existing); got != existing {
		t.Fatal("instrumentation must wrap the given client in place")
	}
}
