package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/paygate/internal/payment"
)

var ready atomic.Bool

func init() {
	ready.Store(true)
}

// SetReady flips readiness. The API clears it when shutdown begins so load
// balancers drain traffic before the listener closes.
func SetReady(v bool) {
	ready.Store(v)
}

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// GatewayProber is satisfied by *payment.Manager.
type GatewayProber interface {
	HealthCheck(ctx context.Context, timeout time.Duration) []payment.HealthReport
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker        Checker
	Gateways       GatewayProber
	DBTimeout      time.Duration
	RedisTimeout   time.Duration
	GatewayTimeout time.Duration
}

// Routes mounts the health endpoints.
func (h Handler) Routes(r chi.Router) {
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/gateways", h.GatewayStatus)
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	ctx := r.Context()
	dbStatus := "ok"
	if err := h.Checker.PingDB(ctx, h.dbTimeout()); err != nil {
		dbStatus = err.Error()
	}
	redisStatus := "ok"
	if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
		redisStatus = err.Error()
	}
	status := map[string]string{
		"db":    dbStatus,
		"redis": redisStatus,
	}
	code := http.StatusOK
	if dbStatus != "ok" || redisStatus != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// GatewayStatus probes every registered gateway. Any unhealthy gateway makes
// the answer 503 while still listing every report.
func (h Handler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.Gateways == nil {
		http.Error(w, "gateways unavailable", http.StatusServiceUnavailable)
		return
	}
	reports := h.Gateways.HealthCheck(r.Context(), h.gatewayTimeout())
	code := http.StatusOK
	for _, rep := range reports {
		if !rep.Healthy {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{"gateways": reports})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h Handler) dbTimeout() time.Duration {
	if h.DBTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.DBTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}

func (h Handler) gatewayTimeout() time.Duration {
	if h.GatewayTimeout <= 0 {
		return 3 * time.Second
	}
	return h.GatewayTimeout
}

// Deps probes the pool and redis client the service runs on.
type Deps struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

func (d Deps) PingDB(ctx context.Context, timeout time.Duration) error {
	if d.DB == nil {
		return errors.New("database not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.DB.Ping(ctx)
}

func (d Deps) PingRedis(ctx context.Context, timeout time.Duration) error {
	if d.Redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}
