package common

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newIdem(t *testing.T) (Idem, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return Idem{R: client, TTL: time.Hour}, mr
}

func post(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIdemReplaysCachedResponse(t *testing.T) {
	idem, _ := newIdem(t)
	var calls atomic.Int32
	h := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		JSON(w, http.StatusCreated, map[string]string{"transaction_id": "pi_1"})
	}))

	first := post(h, "order-1")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := post(h, "order-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.Equal(t, "application/json", second.Header().Get("Content-Type"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.EqualValues(t, 1, calls.Load())

	require.Equal(t, http.StatusCreated, post(h, "order-2").Code)
	require.EqualValues(t, 2, calls.Load())
}

func TestIdemInFlightConflict(t *testing.T) {
	idem, mr := newIdem(t)
	h := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil)
	require.NoError(t, mr.Set(idem.hashKey(req, "order-1"), "locked"))

	rr := post(h, "order-1")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "IDEMPOTENT_REPLAY")
}

func TestIdemReleasesKeyOnServerError(t *testing.T) {
	idem, _ := newIdem(t)
	var calls atomic.Int32
	h := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			JSONError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "processor unreachable", nil)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.Equal(t, http.StatusBadGateway, post(h, "order-1").Code)
	require.Equal(t, http.StatusOK, post(h, "order-1").Code)
	require.EqualValues(t, 2, calls.Load())
}

func TestIdemPassThroughWithoutKey(t *testing.T) {
	idem, _ := newIdem(t)
	var calls atomic.Int32
	h := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	post(h, "")
	post(h, "")
	require.EqualValues(t, 2, calls.Load())
}
