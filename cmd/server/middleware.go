package main

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/liamcoop/detect/internal/logger"
)

// idle limiters are forgotten after an hour; a returning client starts with a full bucket
const (
	maxLimiters = 10000
	limiterTTL  = time.Hour
)

// ipRateLimiter hands out one token bucket per client address
type ipRateLimiter struct {
	rps      rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
	mu       sync.Mutex
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](maxLimiters, nil, limiterTTL),
	}
}

func (l *ipRateLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.limiters.Add(ip, lim)
	return lim
}

// Middleware rejects requests over the per-address rate with 429
func (l *ipRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(clientIP(r)).Allow() {
			respondError(w, http.StatusTooManyRequests, "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP expects middleware.RealIP to have run first
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestLogger writes one structured line per request and counts 4xx/5xx responses
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			}

			switch {
			case status >= 500:
				logger.ErrorHttp5xx()
				logger.Error("request failed", args...)
			case status >= 400:
				logger.WarnHttp4xx(status)
				logger.Debug("request rejected", args...)
			default:
				logger.Debug("request", args...)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}
