// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	xglog "github.com/ManuGH/ingestbridge/internal/log"
)

var httpRateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingestbridge_http_rate_limited_total",
	Help: "Admin API requests refused by the rate limiter",
})

type RateLimitConfig struct {
	RequestLimit int
	WindowSize   time.Duration
	// KeyFunc picks the bucket of a request. Nil buckets by client IP.
	KeyFunc httprate.KeyFunc
}

// RateLimit applies httprate's sliding window per key. Refused requests get
// a JSON 429 whose Retry-After covers one window.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	key := cfg.KeyFunc
	if key == nil {
		key = httprate.KeyByIP
	}
	window := max(cfg.WindowSize, time.Second)
	retryAfter := strconv.Itoa(int(window / time.Second))

	refuse := func(w http.ResponseWriter, r *http.Request) {
		httpRateLimited.Inc()
		logger := xglog.WithComponentFromContext(r.Context(), "api")
		logger.Debug().
			Str(xglog.FieldEvent, "api.rate_limited").
			Str(xglog.FieldPath, r.URL.Path).
			Msg("request refused by rate limiter")
		w.Header().Set("Retry-After", retryAfter)
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
	}

	return httprate.Limit(cfg.RequestLimit, window,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(refuse))
}

// writeError writes the admin API's JSON error body.
func writeError(w http.ResponseWriter, code int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + kind + `"}`))
}
