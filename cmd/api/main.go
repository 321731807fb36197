package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/paygate/internal/api"
	"github.com/noah-isme/paygate/internal/app"
	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/config"
	"github.com/noah-isme/paygate/internal/events"
	"github.com/noah-isme/paygate/internal/health"
	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/lock"
	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/ratelimit"
	"github.com/noah-isme/paygate/internal/reconcile"
	"github.com/noah-isme/paygate/internal/security"
	"github.com/noah-isme/paygate/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "paygate")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "paygate-api",
			ServiceVersion: envOrDefault("APP_VERSION", "dev"),
			Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:       envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio:  sampling,
			Environment:    cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	deps, err := app.Open(startCtx, cfg, app.Options{ApplicationName: "paygate-api", RedisMetrics: metricsEnabled}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	if cfg.MigrateOnStart {
		if err := app.MigrateLedger(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrate ledger")
		}
	}

	manager, err := app.BuildManager(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise gateways")
	}
	store := ledger.NewPostgres(deps.DB)
	bus := &events.Bus{
		Store:     store,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger.With().Str("component", "events").Logger()}},
	}

	taskClient := asynq.NewClient(deps.TaskRedis)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	paymentSvc := api.NewService(manager, store, reconcile.Enqueuer{Client: taskClient, Delay: cfg.ReconcileDelay}, bus, deps.Validator, logger)
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL, Prefix: "paygate:idem"}
	apiHandler := &api.Handler{Svc: paymentSvc, Writes: []func(http.Handler) http.Handler{idem.Middleware}}

	limiterStore, err := app.NewLimiterStore(deps.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise limiter store")
	}
	apiLimit, err := api.RateLimit(limiterStore, cfg.RateLimitAPI)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse RATE_LIMIT_API")
	}

	webhookHandler := webhook.Handler{Dispatcher: &webhook.Dispatcher{
		Gateways: manager,
		Ledger:   store,
		Locker:   &lock.Locker{R: deps.Redis, Prefix: "paygate:lock"},
		LockTTL:  cfg.WebhookLockTTL,
		Events:   bus,
		Logger:   logger.With().Str("component", "webhook").Logger(),
	}}
	webhookLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: "paygate:ratelimit:"},
		Config: ratelimit.Config{
			Key:    ratelimit.ByRouteParamAndIP("webhook", "gateway"),
			Window: time.Minute,
			Max:    cfg.RateLimitWebhookPerMin,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("webhook rate limiter unavailable") },
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger, Quiet: []string{"/health/live", "/health/ready", "/metrics"}}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotent-Replayed", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofToken))
	}

	health.Handler{
		Checker:        health.Deps{DB: deps.DB, Redis: deps.Redis},
		Gateways:       manager,
		DBTimeout:      envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout:   envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		GatewayTimeout: cfg.GatewayTimeout,
	}.Routes(r)

	r.Group(func(wr chi.Router) {
		wr.Use(security.BodyLimit{Max: cfg.WebhookMaxBodyBytes}.Middleware)
		wr.Use(webhookLimit.Middleware)
		webhookHandler.Routes(wr)
	})

	r.Group(func(ar chi.Router) {
		ar.Use(security.BodyLimit{Max: 64 << 10}.Middleware)
		ar.Use(apiLimit)
		apiHandler.Routes(ar)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Strs("gateways", cfg.GatewayOrder).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server shutdown complete")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return mux
}

// protectPprof requires a bearer token when one is configured.
func protectPprof(handler http.Handler, token string) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
