package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPThrottle rate limits requests per client IP. It guards the auth
// endpoints against credential stuffing; the exchange-facing limits
// live elsewhere.
type IPThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPThrottle allows r requests per second with the given burst per IP
func NewIPThrottle(r rate.Limit, burst int) *IPThrottle {
	return &IPThrottle{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    burst,
	}
}

func (t *IPThrottle) limiterFor(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = time.Now()

	// Drop entries idle for over an hour so the map stays bounded
	if len(t.visitors) > 1024 {
		cutoff := time.Now().Add(-time.Hour)
		for k, vv := range t.visitors {
			if vv.lastSeen.Before(cutoff) {
				delete(t.visitors, k)
			}
		}
	}
	return v.limiter
}

// Middleware rejects requests over the per-IP limit with 429
func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !t.limiterFor(ip).Allow() {
			http.Error(w, `{"error": "Too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
