package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:mutate:"

// RateLimit caps mutating requests per client IP in fixed one-minute windows
// counted in Redis. It is a no-op without Redis or with a zero limit, and
// fails open when Redis errors.
func RateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil || maxPerMin <= 0 {
			return c.Next()
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := rateLimitPrefix + c.IP()
		ctx := c.UserContext()
		var (
			incr *redis.IntCmd
			ttl  *redis.DurationCmd
		)
		if _, err := cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			ttl = pipe.TTL(ctx, key)
			return nil
		}); err != nil {
			logger.Warn("rate limit check failed", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}
		cnt := incr.Val()

		// A counter without a TTL would never reset, so any window whose
		// expiry was not set (first hit, or an earlier EXPIRE that failed)
		// gets one now.
		if ttl.Val() < 0 {
			if err := cache.Expire(ctx, key, time.Minute).Err(); err != nil {
				logger.Warn("rate limit expiry failed", slog.String("key", key), slog.Any("error", err))
			}
		}

		remaining := int64(maxPerMin) - cnt
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(maxPerMin))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
