package resilience_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/resilience"
)

func TestHTTPClientSingleAttemptReturnsServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "amount=1000", string(body))
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer srv.Close()

	client := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("amount=1000"))
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.JSONEq(t, `{"error":"upstream"}`, string(body))
	require.EqualValues(t, 1, calls.Load())
}

func TestHTTPClientRetriesReplayBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "id=pi_1", string(body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := resilience.HTTPClient{
		Client:      srv.Client(),
		Breaker:     resilience.NewBreaker(10, 0.5, time.Second),
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("id=pi_1"))
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, calls.Load())
}

func TestHTTPClientOpenCircuitShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	breaker.Report(context.Background(), false)

	client := resilience.HTTPClient{Client: srv.Client(), Breaker: breaker}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(context.Background(), req)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Zero(t, calls.Load())
}

func TestHTTPClientRequiresClient(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	_, err := resilience.HTTPClient{}.Do(context.Background(), req)
	require.Error(t, err)
}
