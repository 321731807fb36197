package payment

import (
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/noah-isme/paygate/internal/money"
)

// unixOr reads a processor unix timestamp, falling back when it is unset.
func unixOr(sec int64, fallback time.Time) time.Time {
	if sec <= 0 {
		return fallback.UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// rfc3339Or reads a processor RFC 3339 timestamp, falling back when it is
// missing or unreadable.
func rfc3339Or(value string, fallback time.Time) time.Time {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return fallback.UTC()
	}
	return ts.UTC()
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func currencySet(codes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if n := money.Normalize(c); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// httpsBaseURL rejects anything but an absolute https URL.
func httpsBaseURL(value, fallback string) (string, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		raw = fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", errors.New("base url must be an absolute https url")
	}
	return strings.TrimRight(u.String(), "/"), nil
}
