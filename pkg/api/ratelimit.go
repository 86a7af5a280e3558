package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limit tiers. File downloads stream whole run artifacts, so they get a
// fraction of the budget the JSON history routes get.
const (
	tierHistory = "history"
	tierFiles   = "files"

	filesBudgetDivisor = 4
	limiterIdleTTL     = 10 * time.Minute
)

type limiterKey struct {
	tier   string
	client string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters keeps one token bucket per client and tier. Buckets idle for
// longer than limiterIdleTTL are pruned lazily on access.
type clientLimiters struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[limiterKey]*bucket
	lastPrune time.Time
	now       func() time.Time
}

func newClientLimiters(requestsPerMinute int) *clientLimiters {
	return &clientLimiters{
		perMinute: requestsPerMinute,
		buckets:   make(map[limiterKey]*bucket, 64),
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

// budget is the per-minute allowance of a tier, never below one.
func (c *clientLimiters) budget(tier string) int {
	if tier == tierFiles {
		return max(1, c.perMinute/filesBudgetDivisor)
	}

	return max(1, c.perMinute)
}

func (c *clientLimiters) allow(tier, client string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if now.Sub(c.lastPrune) > limiterIdleTTL {
		for key, b := range c.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(c.buckets, key)
			}
		}

		c.lastPrune = now
	}

	key := limiterKey{tier: tier, client: client}

	b, ok := c.buckets[key]
	if !ok {
		perMinute := c.budget(tier)
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
		c.buckets[key] = b
	}

	b.lastSeen = now

	return b.limiter.AllowN(now, 1)
}

// rateLimit charges each request to the caller's bucket of tier. A nil
// limiter set disables limiting. The client address is expected to have been
// resolved by chi's RealIP middleware.
func rateLimit(limiters *clientLimiters, tier string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiters == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				client = r.RemoteAddr
			}

			if !limiters.allow(tier, client) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
