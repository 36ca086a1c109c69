package middleware

import (
	"log/slog"
	"math"
	"net/http"

	"github.com/UditSharma04/Embedder-farm/internal/pkg/metrics"
	"github.com/UditSharma04/Embedder-farm/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// RateLimit throttles requests per client IP using the shared token
// bucket. Denied requests get 429 with a retry hint; limiter backend
// errors fail open so an unreachable redis never blocks logins.
func RateLimit(limiter *ratelimit.RateLimiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		allowed, wait, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit check failed", slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !allowed {
			metrics.RateLimitRejectedTotal.Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": retryAfter})
			c.Abort()
			return
		}
		c.Next()
	}
}
