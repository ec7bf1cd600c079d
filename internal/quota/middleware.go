package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
)

// ActorFromContext extracts the actor ID from the request context.
// This function type allows decoupling from the auth package.
type ActorFromContext func(ctx context.Context) string

// RateLimitMiddleware returns middleware that enforces per-actor rate limits.
func RateLimitMiddleware(limiter *RateLimiter, getActor ActorFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := getActor(r.Context())
			if actorID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(actorID) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(actorID)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": "rate limit exceeded",
					"code":  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
