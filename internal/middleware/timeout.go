package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"e2ee-keyserver/pkg/constants"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

const timeoutOverrideKey = "timeout_override"

// TimeoutMiddleware bounds every request with a deadline
type TimeoutMiddleware struct {
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewTimeoutMiddleware creates a new timeout middleware. m may be nil.
func NewTimeoutMiddleware(defaultTimeout time.Duration, m *metrics.Metrics) *TimeoutMiddleware {
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultTimeout
	}
	return &TimeoutMiddleware{defaultTimeout: defaultTimeout, metrics: m}
}

// Middleware returns a Gin middleware for timeout protection
func (tm *TimeoutMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timeout := tm.defaultTimeout
		if override, ok := c.Get(timeoutOverrideKey); ok {
			if d, ok := override.(time.Duration); ok {
				timeout = d
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if tm.metrics != nil {
				tm.metrics.RecordRequestTimeout(c.Request.Method, c.FullPath())
			}
			logger.FromContext(ctx).Warn("Request hit its deadline",
				zap.Duration("timeout", timeout),
				zap.String("route", c.FullPath()))
		}
	}
}

// WithTimeoutOverride sets a route-specific deadline. It must run before
// the timeout middleware.
func WithTimeoutOverride(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(timeoutOverrideKey, timeout)
		c.Next()
	}
}
