package mediaserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipRateLimiter throttles per-renderer-IP request rate on the media
// server: a map of per-IP token buckets with a background cleanup sweep
// for IPs gone quiet. Unexported since mediaserver is the only consumer;
// no admin surface exposes rate-limit state.
type ipRateLimiter struct {
	mu    sync.Mutex
	ips   map[string]*rateLimitEntry
	rate  rate.Limit
	burst int
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(ctx context.Context, rps, burst int) *ipRateLimiter {
	l := &ipRateLimiter{
		ips:   make(map[string]*rateLimitEntry),
		rate:  rate.Limit(rps),
		burst: burst,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()

	return l
}

func (l *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.ips[ip]
	if !ok {
		e = &rateLimitEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.ips[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (l *ipRateLimiter) cleanup() {
	const inactiveLimit = 3 * time.Minute
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.ips {
		if time.Since(e.lastSeen) > inactiveLimit {
			delete(l.ips, ip)
		}
	}
}

func (l *ipRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		limiter := l.getLimiter(ip)
		if !limiter.Allow() {
			reservation := limiter.Reserve()
			delay := reservation.Delay()
			reservation.Cancel()

			retrySeconds := max(1, int(delay.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
