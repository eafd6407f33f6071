package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"e2ee-keyserver/pkg/cache"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
	"e2ee-keyserver/pkg/response"
)

func rateIdentifier(c *gin.Context) string {
	if userID := c.GetString(ContextUserID); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}

// RateLimiter is a fixed-window limiter kept in redis so the budget holds
// across instances
type RateLimiter struct {
	redisClient *redis.Client
	requests    int
	window      time.Duration
	metrics     *metrics.Metrics
}

// NewRateLimiter creates a new rate limiter. m may be nil.
func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
		metrics:     m,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, resetAt, err := rl.hit(c.Request.Context(), rateIdentifier(c))
		if err != nil {
			// Fail open when redis is unavailable
			logger.FromContext(c.Request.Context()).Warn("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		remaining := max(rl.requests-int(count), 0)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if int(count) > rl.requests {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlocked(c.FullPath())
			}
			response.TooManyRequests(c, "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit counts one request in the current window
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int64, time.Time, error) {
	window := time.Now().Truncate(rl.window)
	key := fmt.Sprintf("ratelimit:%s:%d", identifier, window.Unix())

	pipe := rl.redisClient.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count request: %w", err)
	}

	return incr.Val(), window.Add(rl.window), nil
}

// TokenBucketLimiter is an in-process per-user token bucket, used on
// routes where a burst drains a shared resource such as one-time keys
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters *cache.MemoryCache
	limit    rate.Limit
	burst    int
	metrics  *metrics.Metrics
}

// NewTokenBucketLimiter allows perSecond requests per user with the given
// burst. Idle buckets are evicted after idle.
func NewTokenBucketLimiter(perSecond float64, burst int, idle time.Duration, m *metrics.Metrics) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: cache.NewMemoryCache(idle, 100000),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		metrics:  m,
	}
}

func (tl *TokenBucketLimiter) limiter(identifier string) *rate.Limiter {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if v, ok := tl.limiters.Get(identifier); ok {
		l := v.(*rate.Limiter)
		tl.limiters.Set(identifier, l, 0)
		return l
	}
	l := rate.NewLimiter(tl.limit, tl.burst)
	tl.limiters.Set(identifier, l, 0)
	return l
}

// Allow reports whether identifier may proceed now
func (tl *TokenBucketLimiter) Allow(identifier string) bool {
	return tl.limiter(identifier).Allow()
}

// Middleware returns a Gin middleware enforcing the bucket
func (tl *TokenBucketLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !tl.Allow(rateIdentifier(c)) {
			if tl.metrics != nil {
				tl.metrics.RecordRateLimitBlocked(c.FullPath())
			}
			response.TooManyRequests(c, "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}
