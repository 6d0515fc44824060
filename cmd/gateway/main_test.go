package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"veridion/pkg/config"
	"veridion/pkg/models"
	"veridion/pkg/stream"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

type fakeGatewayDBCloser struct {
	*fakeGatewayDB
}

func (fakeGatewayDBCloser) Close() {}

func stubTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GW_TEST_STR", "value")
	if got := env("GW_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("env = %q", got)
	}
	if got := env("GW_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("env fallback = %q", got)
	}
	t.Setenv("GW_TEST_INT", "42")
	if got := envInt("GW_TEST_INT", 7); got != 42 {
		t.Fatalf("envInt = %d", got)
	}
	t.Setenv("GW_TEST_INT", "not a number")
	if got := envInt("GW_TEST_INT", 7); got != 7 {
		t.Fatalf("envInt fallback = %d", got)
	}
	t.Setenv("GW_TEST_DUR", "3")
	if got := envDurationSec("GW_TEST_DUR", 9); got != 3*time.Second {
		t.Fatalf("envDurationSec = %v", got)
	}
}

func TestRunGatewayTelemetryError(t *testing.T) {
	failInit := func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("collector unreachable")
	}
	err := runGateway(failInit, nil, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "otel") {
		t.Fatalf("expected otel error, got %v", err)
	}
}

func TestRunGatewayMasterKeyRequired(t *testing.T) {
	t.Setenv("VERIDION_MASTER_KEY", "")
	err := runGateway(stubTelemetry, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected missing master key to fail startup")
	}
}

func TestRunGatewayDBError(t *testing.T) {
	t.Setenv("VERIDION_MASTER_KEY", strings.Repeat("k", 32))
	openDB := func(ctx context.Context) (gatewayDBCloser, error) {
		return nil, errors.New("connection refused")
	}
	err := runGateway(stubTelemetry, openDB, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "db") {
		t.Fatalf("expected db error, got %v", err)
	}
}

func TestRunGatewayServesAndShutsDown(t *testing.T) {
	t.Setenv("VERIDION_MASTER_KEY", strings.Repeat("k", 32))
	t.Setenv("AUTH_MODE", "off")
	openDB := func(ctx context.Context) (gatewayDBCloser, error) {
		return fakeGatewayDBCloser{&fakeGatewayDB{}}, nil
	}
	openRedis := func(ctx context.Context) (*redis.Client, error) {
		return nil, errors.New("redis down")
	}
	var served *http.Server
	listen := func(server *http.Server) error {
		served = server
		return http.ErrServerClosed
	}
	var loopsStarted bool
	startLoops := func(ctx context.Context, s *Server) { loopsStarted = true }

	if err := runGateway(stubTelemetry, openDB, openRedis, listen, startLoops); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if served == nil || served.Handler == nil {
		t.Fatal("expected a configured http server")
	}
	if !loopsStarted {
		t.Fatal("expected background loops to start")
	}

	rr := httptest.NewRecorder()
	served.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("healthz through the router: %d %s", rr.Code, rr.Body.String())
	}
}

func TestMainFatalSeam(t *testing.T) {
	origInit, origFatal := initTelemetryG, logFatalf
	defer func() { initTelemetryG, logFatalf = origInit, origFatal }()

	initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("boom")
	}
	var fatalMsg string
	logFatalf = func(format string, v ...any) { fatalMsg = format }
	main()
	if fatalMsg == "" {
		t.Fatal("expected main to hit the fatal path")
	}
}

func TestBreakerProberLoopPublishesRecoveries(t *testing.T) {
	db := &fakeGatewayDB{}
	db.queryFn = func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		if strings.Contains(sql, "RETURNING policy_id") {
			return &fakeGatewayRows{rows: [][]any{{"p1"}}}, nil
		}
		return &fakeGatewayRows{}, nil
	}
	s := newTestServer(t, db)
	s.Defaults.Swap(config.Defaults{
		Breaker: config.BreakerDefaults{ProberSeconds: 0},
		Canary:  s.Defaults.Current().Canary,
	})

	sub := s.Events.Subscribe(8)
	defer s.Events.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.breakerProberLoop(ctx)

	select {
	case evt := <-sub:
		if evt.Type != stream.EventBreakerChange {
			t.Fatalf("unexpected event type %s", evt.Type)
		}
		if !strings.Contains(string(evt.Data), models.BreakerHalfOpen) {
			t.Fatalf("expected HALF_OPEN payload, got %s", evt.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prober loop published nothing")
	}
}

func TestCanaryEvaluatorLoopPublishesResolutions(t *testing.T) {
	resolved := time.Now().UTC().Add(time.Hour)
	created := time.Now().UTC().Add(-time.Hour)
	db := &fakeGatewayDB{}
	db.queryFn = func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		if strings.Contains(sql, "ORDER BY created_at") {
			return &fakeGatewayRows{rows: [][]any{
				{"dep-1", "p1", 1, 2, 50, 0, 1.0, 5.0, models.CanaryRolledBack, nil, created, resolved},
			}}, nil
		}
		return &fakeGatewayRows{}, nil
	}
	s := newTestServer(t, db)
	s.Defaults.Swap(config.Defaults{
		Breaker: s.Defaults.Current().Breaker,
		Canary:  config.CanaryDefaults{EvalSeconds: 0},
	})

	sub := s.Events.Subscribe(8)
	defer s.Events.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.canaryEvaluatorLoop(ctx)

	select {
	case evt := <-sub:
		if evt.Type != stream.EventCanaryResolved {
			t.Fatalf("unexpected event type %s", evt.Type)
		}
		if !strings.Contains(string(evt.Data), models.CanaryRolledBack) {
			t.Fatalf("expected rolled back payload, got %s", evt.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("evaluator loop published nothing")
	}
}

func TestMetricsMiddlewareRecordsStatus(t *testing.T) {
	s := newTestServer(t, &fakeGatewayDB{})
	handler := s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/probe", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status must pass through, got %d", rr.Code)
	}

	rec := &statusRecorder{ResponseWriter: rr, code: 200}
	if rec.Unwrap() != http.ResponseWriter(rr) {
		t.Fatal("Unwrap must expose the wrapped writer")
	}
}
