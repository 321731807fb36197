package common

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	idemLocked       = "locked"
	idemHeader       = "Idempotency-Key"
	idemReplayHeader = "Idempotent-Replayed"
)

// Idem provides an Idempotency-Key middleware backed by Redis. The first
// response for a key is cached and replayed to later requests with the same
// key. Server errors are not cached so the caller can retry.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func (i Idem) hashKey(r *http.Request, key string) string {
	prefix := i.Prefix
	if prefix == "" {
		prefix = "idem"
	}
	return prefix + ":" + Sha256Hex(r.Method+" "+r.URL.Path+" "+key)
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(idemHeader)
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ctx := r.Context()
		key := i.hashKey(r, header)
		ok, err := i.R.SetNX(ctx, key, idemLocked, ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			i.replay(w, r, key)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			// release the key when the handler panicked or failed server side
			if !completed || rec.status >= http.StatusInternalServerError {
				_ = i.R.Del(context.Background(), key).Err()
			}
		}()
		next.ServeHTTP(rec, r)
		completed = true
		if rec.status >= http.StatusInternalServerError {
			return
		}
		raw, err := json.Marshal(cachedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err != nil {
			return
		}
		_ = i.R.Set(context.Background(), key, raw, ttl).Err()
	})
}

func (i Idem) replay(w http.ResponseWriter, r *http.Request, key string) {
	val, err := i.R.Get(r.Context(), key).Result()
	if err != nil || val == idemLocked {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "request with this key is still in progress", nil)
		return
	}
	var cached cachedResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	w.Header().Set(idemReplayHeader, "true")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
