package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

func TestSendRateLimitPerDependent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Post("/send", SendRateLimit(cache, 2), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusCreated)
	})

	post := func(dependent string) int {
		req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"dependent":"`+dependent+`"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	const dep = "0x000000000000000000000000000000000000D00D"
	for i := 0; i < 2; i++ {
		if code := post(dep); code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i+1, code)
		}
	}
	if code := post(strings.ToLower(dep)); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the limit is reached, got %d", code)
	}
	if code := post("0x000000000000000000000000000000000000d0d0"); code != http.StatusCreated {
		t.Fatalf("other dependents must not be limited, got %d", code)
	}

	mr.FastForward(time.Minute + time.Second)
	if code := post(dep); code != http.StatusCreated {
		t.Fatalf("limit must reset after a minute, got %d", code)
	}
}

func TestSendRateLimitWithoutRedis(t *testing.T) {
	app := fiber.New()
	app.Post("/send", SendRateLimit(nil, 1), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusCreated)
	})
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/send", nil), -1)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected pass-through without redis, got %d", resp.StatusCode)
		}
	}
}
