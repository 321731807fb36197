package api

import (
	"net/http"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"

	"github.com/noah-isme/paygate/internal/common"
)

// RateLimit builds a per client fixed window limiter from a formatted rate
// such as "120-M".
func RateLimit(store limiter.Store, formatted string) (func(http.Handler) http.Handler, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	mw := stdlib.NewMiddleware(
		limiter.New(store, rate, limiter.WithTrustForwardHeader(true)),
		stdlib.WithKeyGetter(func(r *http.Request) string {
			return "api:" + common.ClientIP(r)
		}),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "rate limiter unavailable", nil)
		}),
	)
	return mw.Handler, nil
}
