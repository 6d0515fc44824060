// Command gateway is the policy-enforcement entry point. It evaluates
// every agent action against the active sovereignty policy, seals and
// records the outcome, and serves the operator surface for enforcement
// modes, circuit breakers, canary rollouts and policy versioning.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"veridion/pkg/audit"
	"veridion/pkg/auth"
	"veridion/pkg/breaker"
	"veridion/pkg/canary"
	"veridion/pkg/config"
	"veridion/pkg/enforcement"
	"veridion/pkg/hardening"
	"veridion/pkg/httpx"
	"veridion/pkg/metrics"
	"veridion/pkg/notary"
	"veridion/pkg/policystore"
	"veridion/pkg/ratelimit"
	"veridion/pkg/shredder"
	"veridion/pkg/statebus"
	"veridion/pkg/store"
	"veridion/pkg/stream"
	"veridion/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

// Server wires the enforcement pipeline and the operator surface.
type Server struct {
	Cache    store.Cache
	Shredder *shredder.Shredder
	Audit    *audit.Chain
	Policies *policystore.Store
	Modes    *enforcement.Controller
	Breakers *breaker.Breaker
	Canaries *canary.Controller
	Notary   *notary.Client
	Events   *stream.Hub
	Bus      statebus.Publisher
	Metrics  *metrics.Registry
	Defaults *config.Holder

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int

	// PolicyID is the sovereignty policy every action is evaluated
	// against; the admin surface can manage any policy id.
	PolicyID            string
	MaxRequestBodyBytes int64
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(ctx context.Context, s *Server) {
		go s.breakerProberLoop(ctx)
		go s.canaryEvaluatorLoop(ctx)
	}
	notifyCtxG = func(parent context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdownTelemetry, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	master, err := shredder.NewMasterKey(os.Getenv("VERIDION_MASTER_KEY"))
	if err != nil {
		return err
	}

	authCfg := auth.ParseConfig(env("AUTH_MODE", auth.ModeAPIKey), env("API_KEY_HASHES", ""))
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:              authCfg.Mode,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "VERIDION_MASTER_KEY", Value: os.Getenv("VERIDION_MASTER_KEY")},
			{Name: "API_KEY_HASHES", Value: env("API_KEY_HASHES", "")},
		},
	}); err != nil {
		return err
	}
	if authCfg.Mode == auth.ModeAPIKey && len(authCfg.KeyHashes) == 0 {
		log.Printf("no API key hashes configured; every authenticated route will reject")
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	defaults, err := config.Load(env("DEFAULTS_FILE", ""))
	if err != nil {
		log.Printf("defaults file rejected, using built-in values: %v", err)
	}
	holder := config.NewHolder(defaults)

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	policies := policystore.New(pool)
	s := &Server{
		Cache:               cache,
		Shredder:            shredder.New(pool, master),
		Audit:               &audit.Chain{DB: pool},
		Policies:            policies,
		Modes:               enforcement.New(pool),
		Breakers:            breaker.New(pool),
		Canaries:            canary.New(pool, policies),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Defaults:            holder,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		PolicyID:            env("SOVEREIGN_POLICY_ID", "sovereign-lock"),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	s.Breakers.Defaults = breaker.Config{
		Threshold:       defaults.Breaker.Threshold,
		WindowSeconds:   defaults.Breaker.WindowSeconds,
		CooldownSeconds: defaults.Breaker.CooldownSeconds,
		MinRequests:     defaults.Breaker.MinRequests,
	}
	s.Canaries.StepPercent = defaults.Canary.StepPercent
	s.Canaries.MinRequests = int64(defaults.Canary.MinRequests)
	s.Canaries.Dwell = time.Second * time.Duration(defaults.Canary.DwellSeconds)
	s.Canaries.PromoteThreshold = defaults.Canary.PromoteThreshold
	s.Canaries.RollbackThreshold = defaults.Canary.RollbackThreshold
	if notaryURL := env("NOTARY_URL", ""); notaryURL != "" {
		s.Notary = notary.New(notaryURL, env("NOTARY_API_KEY", ""))
		s.Notary.HTTP = telemetry.InstrumentClient(s.Notary.HTTP)
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "veridion.compliance"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		s.Bus = pub
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	if startLoops != nil {
		startLoops(loopCtx, s)
	}
	if path := env("DEFAULTS_FILE", ""); path != "" {
		if watcher, err := config.NewWatcher(holder, path); err != nil {
			log.Printf("defaults hot-reload disabled: %v", err)
		} else {
			go func() { _ = watcher.Run(loopCtx) }()
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(authCfg))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/log_action", s.handleLogAction)
	authRouter.Get("/logs", s.handleListLogs)
	authRouter.Post("/shred_data", s.handleShredData)
	authRouter.Get("/system/enforcement-mode", s.handleGetEnforcementMode)
	authRouter.Post("/system/enforcement-mode", s.handleSetEnforcementMode)
	authRouter.Post("/policies/{policy_id}/config", s.handleUpdatePolicy)
	authRouter.Get("/policies/{policy_id}/versions", s.handleListVersions)
	authRouter.Post("/policies/{policy_id}/circuit-breaker/config", s.handleBreakerConfig)
	authRouter.Post("/policies/{policy_id}/circuit-breaker/force", s.handleBreakerForce)
	authRouter.Get("/analytics/circuit-breaker", s.handleBreakerAnalytics)
	authRouter.Post("/policies/{policy_id}/canary-config", s.handleCanaryStage)
	authRouter.Get("/analytics/canary", s.handleCanaryAnalytics)
	authRouter.Post("/rollback", s.handleRollback)
	authRouter.Get("/v1/stream", s.handleStream)
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}

	stop, cancelNotify := notifyCtxG(context.Background())
	defer cancelNotify()
	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		cancelLoops()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-stop.Done():
		// drain in-flight writes before the loops stop
		drainCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 15))
		defer cancel()
		shutdownErr := server.Shutdown(drainCtx)
		cancelLoops()
		<-errCh
		return shutdownErr
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer so
// websocket upgrades can hijack through the middleware chain.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
