package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/enrollpay-api/utils/cache"
	"github.com/sahilchouksey/enrollpay-api/utils/response"
)

// VerifyThrottle rate-limits the payment verification endpoint per client IP
// using Redis. The completion payload comes from an untrusted, retry-happy
// browser SDK; legitimate retries are cheap (the engine is idempotent) but a
// signature-guessing client gets locked out progressively.
type VerifyThrottle struct {
	redisCache *cache.RedisCache
}

// NewVerifyThrottle creates a new verify throttle instance
func NewVerifyThrottle(redisCache *cache.RedisCache) *VerifyThrottle {
	return &VerifyThrottle{
		redisCache: redisCache,
	}
}

// Check middleware rejects requests from locked-out IPs
func (v *VerifyThrottle) Check() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := c.IP()
		lockKey := fmt.Sprintf("verify:lock:%s", ip)

		// If Redis is down, allow the request; the engine stays correct
		// without the throttle.
		locked, err := v.redisCache.Exists(c.Context(), lockKey)
		if err != nil {
			return c.Next()
		}

		if locked {
			ttl, _ := v.redisCache.TTL(c.Context(), lockKey)
			retryAfter := int(ttl.Seconds())
			if retryAfter < 0 {
				retryAfter = 60
			}

			c.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			return response.TooManyRequests(c, fmt.Sprintf("Too many failed attempts. Try again in %d seconds", retryAfter))
		}

		return c.Next()
	}
}

// RecordFailure records a failed verification and applies progressive lockouts
func (v *VerifyThrottle) RecordFailure(c *fiber.Ctx, ip string) {
	ctx := c.Context()
	attemptKey := fmt.Sprintf("verify:attempts:%s", ip)
	lockKey := fmt.Sprintf("verify:lock:%s", ip)

	attempts, err := v.redisCache.Increment(ctx, attemptKey)
	if err != nil {
		return
	}

	// 15 minute counting window
	if attempts == 1 {
		v.redisCache.Expire(ctx, attemptKey, 15*time.Minute)
	}

	var lockDuration time.Duration
	switch {
	case attempts >= 20:
		lockDuration = 1 * time.Hour
	case attempts >= 10:
		lockDuration = 10 * time.Minute
	case attempts >= 5:
		lockDuration = 1 * time.Minute
	default:
		return
	}

	v.redisCache.Set(ctx, lockKey, "locked", lockDuration)
}
