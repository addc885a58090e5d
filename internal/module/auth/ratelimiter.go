package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// RateLimiter bounds per-user request rates with a sliding window in Redis.
type RateLimiter struct {
	redis redis.UniversalClient
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(redis redis.UniversalClient) *RateLimiter {
	return &RateLimiter{redis: redis}
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	ResetAt   int64 `json:"reset_at"`
	Limit     int64 `json:"limit"`
}

// slidingWindow removes entries older than the window, counts the rest, and
// admits the request only if the limit holds, in one atomic script.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local window_start = tonumber(ARGV[1])
	local window_end = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local expiry = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local current = redis.call('ZCARD', key)
	if current + 1 > limit then
		return {0, limit - current}
	end

	redis.call('ZADD', key, window_end, window_end)
	redis.call('PEXPIRE', key, expiry)

	return {1, limit - current - 1}
`)

// CheckRPM checks the caller against a requests-per-minute limit.
func (r *RateLimiter) CheckRPM(ctx context.Context, userID uuid.UUID, limit int) (*RateLimitResult, error) {
	window := time.Minute
	now := time.Now()

	result, err := slidingWindow.Run(ctx, r.redis,
		[]string{fmt.Sprintf("ratelimit:rpm:%s", userID.String())},
		now.Add(-window).UnixNano(),
		now.UnixNano(),
		limit,
		window.Milliseconds()+60000,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed, _ := strconv.ParseInt(fmt.Sprint(result[0]), 10, 64)
	remaining, _ := strconv.ParseInt(fmt.Sprint(result[1]), 10, 64)
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetAt:   now.Add(window).Unix(),
		Limit:     int64(limit),
	}, nil
}

// Reset clears the rate limit counters for a user.
func (r *RateLimiter) Reset(ctx context.Context, userID uuid.UUID) error {
	return r.redis.Del(ctx, fmt.Sprintf("ratelimit:rpm:%s", userID.String())).Err()
}

// Limit is gin middleware enforcing a per-user RPM limit. It must run after
// RequireAuth. A Redis failure admits the request; rate limiting is
// protective, not load-bearing.
func (r *RateLimiter) Limit(rpm int) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, exists := c.Get("user_id")
		if !exists {
			c.Next()
			return
		}
		userID, ok := raw.(uuid.UUID)
		if !ok {
			c.Next()
			return
		}

		result, err := r.CheckRPM(c.Request.Context(), userID, rpm)
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			response.AbortError(c, apperrors.NewAppError("RATE_LIMITED", "too many requests", http.StatusTooManyRequests, nil))
			return
		}
		c.Next()
	}
}
