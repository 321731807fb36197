package payment

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/resilience"
)

// DefaultTimeout bounds every outbound processor call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// TransportConfig controls the outbound HTTP client of an adapter. There is no
// switch for TLS verification: RootCAs only adds trust anchors.
type TransportConfig struct {
	Timeout time.Duration
	RootCAs *x509.CertPool
	Breaker *resilience.Breaker
}

func newHTTPClient(gateway string, cfg TransportConfig) resilience.HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    cfg.RootCAs,
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(10, 0.5, 30*time.Second)
	}
	return resilience.HTTPClient{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
		Breaker:     breaker.WithTarget(gateway),
		MaxAttempts: 1,
		Timeout:     timeout,
	}
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) ok() bool { return r.status >= 200 && r.status < 300 }

// send performs exactly one request and classifies failures that never
// produced a processor response.
func send(ctx context.Context, client resilience.HTTPClient, gateway, op string, req *http.Request) (apiResponse, error) {
	start := time.Now()
	result := "error"
	defer func() {
		if obs.GatewayRequestDuration != nil {
			obs.GatewayRequestDuration.WithLabelValues(gateway, op, result).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	resp, err := client.Do(ctx, req)
	if err != nil {
		return apiResponse{}, transportFailure(gateway, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apiResponse{}, transportFailure(gateway, op, err)
	}
	result = strconv.Itoa(resp.StatusCode/100) + "xx"
	return apiResponse{status: resp.StatusCode, body: body}, nil
}

func transportFailure(gateway, op string, err error) *Error {
	message := "processor unreachable"
	var netErr net.Error
	switch {
	case errors.Is(err, resilience.ErrOpenCircuit):
		message = "circuit breaker open"
	case errors.Is(err, context.DeadlineExceeded):
		message = "request timed out"
	case errors.Is(err, context.Canceled):
		message = "request canceled"
	case errors.As(err, &netErr) && netErr.Timeout():
		message = "request timed out"
	}
	return newError(KindTransport, gateway, op, "transport", message, err)
}

// processorFailure builds the error for a non-2xx answer that is not a decline.
func processorFailure(gateway, op string, status int, code, message string) *Error {
	kind := KindTransport
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = KindAuth
	}
	if code == "" {
		code = "transport"
	}
	if message == "" {
		message = "processor returned " + strconv.Itoa(status)
	}
	e := newError(kind, gateway, op, code, message, nil)
	e.HTTPStatus = status
	return e
}
