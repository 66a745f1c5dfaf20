package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/ratelimit"
)

// RateLimiter enforces a fixed-window budget per client on a route group.
type RateLimiter struct {
	limiter *ratelimit.Limiter
	scope   string
	logger  *zap.Logger
}

// NewRateLimiter wraps limiter for the routes identified by scope.
func NewRateLimiter(limiter *ratelimit.Limiter, scope string, logger *zap.Logger) *RateLimiter {
	if limiter == nil {
		return nil
	}
	if logger == nil {
		logger = zap.L()
	}
	return &RateLimiter{limiter: limiter, scope: scope, logger: logger}
}

// Handler returns the gin middleware enforcing throttling behaviour.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		key := r.scope + ":" + ratelimit.ClientKey(c.Request)
		decision, err := r.limiter.Check(c.Request.Context(), key)
		if err != nil {
			r.logger.Warn("rate limiter unavailable, allowing request", zap.String("scope", r.scope), zap.Error(err))
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(r.limiter.Limit()))
		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
				"retry_after":       decision.RetryAfterSeconds,
			})
			return
		}

		c.Next()
	}
}
