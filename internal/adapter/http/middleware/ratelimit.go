package middleware

import (
	"fmt"
	"strconv"
	"time"

	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"
	"wallet-settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRateLimitRules returns the limits per endpoint group. Network
// traffic is sized for tap bursts at busy venues.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"network":     {Limit: 1200, Window: time.Minute},
		"gateway":     {Limit: 600, Window: time.Minute},
		"redemptions": {Limit: 60, Window: time.Minute},
		"wallet_read": {Limit: 120, Window: time.Minute},
		"topup":       {Limit: 20, Window: time.Minute},
		"transfers":   {Limit: 30, Window: time.Minute},
	}
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// Limiter errors fail open.
func RateLimiter(limiter ports.RateLimiter, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", extractIdentifier(c), group)

		result, err := limiter.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys client routes by user and webhooks by sender.
func extractIdentifier(c *gin.Context) string {
	if id, ok := UserID(c); ok {
		return "user:" + id.String()
	}
	if src := c.GetString(CtxSource); src != "" {
		return "source:" + src
	}
	return "ip:" + c.ClientIP()
}
