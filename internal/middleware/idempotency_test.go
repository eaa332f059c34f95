package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/allowance/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, func()) {
	t.Helper()
	app, _, cleanup := setupCountingApp(t)
	return app, cleanup
}

func setupCountingApp(t *testing.T) (*fiber.App, *int, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	logger := logging.Discard()
	app.Use(Idempotency(cache, time.Minute, logger))
	calls := 0
	app.Post("/resource", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true})
	})
	app.Post("/other", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"other": true})
	})
	app.Post("/declined", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "sub-wallet is not active"})
	})
	app.Post("/rejected", func(c *fiber.Ctx) error {
		calls++
		return fiber.NewError(fiber.StatusUnprocessableEntity, "amount exceeds remaining spending limit")
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}

	return app, &calls, cleanup
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	req := httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, resp.StatusCode)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, cleanup := setupTestApp(t)
	defer cleanup()

	body := strings.NewReader("{}")
	req := httptest.NewRequest(fiber.MethodPost, "/resource", body)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(idempotencyKeyHeader, "abc123")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()

	// Second request should return the cached response without invoking handler again.
	req2 := httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader("{}"))
	req2.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req2.Header.Set(idempotencyKeyHeader, "abc123")

	resp2, err := app.Test(req2)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if resp2.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, resp2.StatusCode)
	}

	cachedPayload, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("read cached body: %v", err)
	}
	resp2.Body.Close()

	if string(cachedPayload) != string(payload) {
		t.Fatalf("expected cached payload %s got %s", string(payload), string(cachedPayload))
	}

	var decoded map[string]any
	if err := json.Unmarshal(cachedPayload, &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func postWithKey(t *testing.T, app *fiber.App, path, key string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(idempotencyKeyHeader, key)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s: %v", path, err)
	}
	return resp
}

func TestIdempotencyReplaysWithoutInvokingHandler(t *testing.T) {
	app, calls, cleanup := setupCountingApp(t)
	defer cleanup()

	postWithKey(t, app, "/resource", "spend-1")
	resp := postWithKey(t, app, "/resource", "spend-1")
	if *calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", *calls)
	}
	if resp.Header.Get(replayedHeader) != "true" {
		t.Fatal("replayed response must be marked")
	}
}

func TestIdempotencyKeysAreScopedByRoute(t *testing.T) {
	app, calls, cleanup := setupCountingApp(t)
	defer cleanup()

	postWithKey(t, app, "/resource", "shared")
	resp := postWithKey(t, app, "/other", "shared")
	if resp.StatusCode != fiber.StatusAccepted || *calls != 2 {
		t.Fatalf("expected /other to run independently, status %d calls %d", resp.StatusCode, *calls)
	}
}

func TestIdempotencyReleasesKeyOnFailure(t *testing.T) {
	app, calls, cleanup := setupCountingApp(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		resp := postWithKey(t, app, "/rejected", "retry-me")
		if resp.StatusCode != fiber.StatusUnprocessableEntity {
			t.Fatalf("attempt %d: expected 422, got %d", i+1, resp.StatusCode)
		}
	}
	if *calls != 2 {
		t.Fatalf("failed requests must be retryable, handler ran %d times", *calls)
	}
}

func TestIdempotencyReleasesKeyOnErrorStatus(t *testing.T) {
	app, calls, cleanup := setupCountingApp(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		resp := postWithKey(t, app, "/declined", "declined-1")
		if resp.StatusCode != fiber.StatusForbidden {
			t.Fatalf("attempt %d: expected 403, got %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get(replayedHeader) != "" {
			t.Fatalf("attempt %d: error responses must not be replayed", i+1)
		}
	}
	if *calls != 2 {
		t.Fatalf("expected handler to run for each attempt, ran %d times", *calls)
	}
}

func TestIdempotencyRejectsDuplicateInFlight(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	calls := 0
	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/payments/send", func(c *fiber.Ctx) error {
		calls++
		return c.SendStatus(fiber.StatusCreated)
	})

	if err := mr.Set(idempotencyPrefix+"POST:/payments/send:busy", inProgressMarker); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	resp := postWithKey(t, app, "/payments/send", "busy")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409 while the first request is in flight, got %d", resp.StatusCode)
	}
	if calls != 0 {
		t.Fatalf("expected handler not to run, ran %d times", calls)
	}
}
