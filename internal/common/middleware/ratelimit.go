package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/openidx/sessiongate/internal/common/errors"
)

// RateLimitConfig configures one fixed-window limiter
type RateLimitConfig struct {
	// Scope separates the counters of different endpoints
	Scope string
	// Requests allowed per window and client IP
	Requests int
	Window   time.Duration
	// Prefix for Redis keys
	Prefix string
}

// RateLimit limits requests per client IP with a Redis fixed-window counter.
// If Redis is unavailable or nil it fails open.
func RateLimit(client redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sessiongate:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	windowSeconds := int64(cfg.Window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	return func(c *gin.Context) {
		if client == nil || cfg.Requests <= 0 {
			c.Next()
			return
		}

		now := time.Now().Unix()
		key := fmt.Sprintf("%sratelimit:%s:%s:%d", cfg.Prefix, cfg.Scope, c.ClientIP(), now/windowSeconds)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		pipe := client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, cfg.Window+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			rlFailOpenTotal.WithLabelValues(cfg.Scope).Inc()
			logger.Warn("Rate limit Redis error, failing open",
				zap.Error(err),
				zap.String("scope", cfg.Scope))
			c.Next()
			return
		}

		count := incr.Val()
		remaining := int64(cfg.Requests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(cfg.Requests) {
			retryAfter := windowSeconds - now%windowSeconds
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			rlHitsTotal.WithLabelValues(cfg.Scope).Inc()
			apperrors.HandleError(c, apperrors.RateLimit("Rate limit exceeded"))
			return
		}

		c.Next()
	}
}
