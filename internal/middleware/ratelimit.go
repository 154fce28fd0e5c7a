package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a client may stay silent before its limiter is
// forgotten.
const idleAfter = 10 * time.Minute

// RateLimiter keeps one token bucket per client IP, allowing requestsPerMin
// requests per minute with a burst of the same size.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*clientLimiter
	requestsPerMin int
	lastSweep      time.Time
	now            func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin requests per client per minute.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	return &RateLimiter{
		clients:        make(map[string]*clientLimiter),
		requestsPerMin: requestsPerMin,
		now:            time.Now,
	}
}

// Middleware rejects requests over the limit with 429 and a JSON error.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay := rl.reserve(clientKey(r)); delay > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded, try again later"})
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		next.ServeHTTP(w, r)
	})
}

// Allow consumes a token for client and reports whether one was available.
func (rl *RateLimiter) Allow(client string) bool {
	return rl.reserve(client) == 0
}

// reserve takes a token for client. A positive result is how long the
// client must wait; the token is handed back in that case.
func (rl *RateLimiter) reserve(client string) time.Duration {
	if rl.requestsPerMin <= 0 {
		return 0
	}
	now := rl.now()
	lim := rl.limiterFor(client, now)

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay
	}
	return 0
}

func (rl *RateLimiter) limiterFor(client string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweepLocked(now)
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.requestsPerMin)), rl.requestsPerMin),
		}
		rl.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter
}

// sweepLocked drops idle clients, at most once per idle period.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < idleAfter {
		return
	}
	rl.lastSweep = now
	for client, c := range rl.clients {
		if now.Sub(c.lastSeen) > idleAfter {
			delete(rl.clients, client)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
