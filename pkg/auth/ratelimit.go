package auth

import (
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mizan-labs/idis/pkg/errs"
)

// RateLimitPolicy configures the per-actor token bucket.
type RateLimitPolicy struct {
	RPS   float64
	Burst int
}

// Limiter hands out one token bucket per actor. Buckets are created lazily
// and never expire; the actor space is bounded by the configured API keys.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	policy  RateLimitPolicy
}

// NewLimiter builds a limiter with the given policy.
func NewLimiter(policy RateLimitPolicy) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		policy:  policy,
	}
}

// Allow consumes one token for actor, reporting whether the request may
// proceed.
func (l *Limiter) Allow(actor string) bool {
	l.mu.Lock()
	b, ok := l.buckets[actor]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.policy.RPS), l.policy.Burst)
		l.buckets[actor] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// RateLimitMiddleware enforces the per-actor bucket. The bucket key is the
// authenticated tenant/actor pair; unauthenticated paths key on remote
// address. A nil limiter disables limiting.
func RateLimitMiddleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			actor := r.RemoteAddr
			if tc, err := FromContext(r.Context()); err == nil {
				actor = tc.TenantID + "/" + tc.ActorID
			}

			if !l.Allow(actor) {
				retryAfter := 1
				if l.policy.RPS > 0 && l.policy.RPS < 1 {
					retryAfter = int(1 / l.policy.RPS)
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				errs.Write(w, RequestID(r.Context()),
					errs.New(errs.CodeRateLimited, "Rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
