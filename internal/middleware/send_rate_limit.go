package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// SendRateLimit limits spend submissions per dependent (or per IP when the
// body names none) using Redis if available.
func SendRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		var req struct {
			Dependent string `json:"dependent"`
		}
		_ = c.BodyParser(&req)
		subject := strings.ToLower(strings.TrimSpace(req.Dependent))
		if subject == "" {
			subject = c.IP()
		}
		key := "rl:send:" + subject
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err == nil && cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many payment attempts, try again later")
		}
		return c.Next()
	}
}
