package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	replayedHeader       = "Idempotent-Replayed"
	storeTimeout         = 2 * time.Second
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Idempotency guards spend and guardian management routes. A relayed call
// consumes a one-time authorization, so a client retrying after a lost
// response must get the first answer back rather than a second relay. The
// first response for (method, route, Idempotency-Key) is kept in Redis for
// ttl and replayed with the Idempotent-Replayed header; a concurrent
// duplicate gets 409 while the first is in flight. Responses with a 4xx or
// 5xx status release the key so a corrected request can reuse it. Without
// Redis it is a no-op.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		method := strings.ToUpper(c.Method())
		switch method {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		slot := idempotencySlot{
			cache:  cache,
			key:    idempotencyPrefix + method + ":" + c.Path() + ":" + key,
			ttl:    ttl,
			logger: logger.With(slog.String("idempotency_key", key), slog.String("path", c.Path())),
		}

		stored, found, err := slot.lookup()
		if err != nil {
			return err
		}
		if found {
			return stored.replay(c)
		}
		if err := slot.reserve(); err != nil {
			return err
		}

		if err := c.Next(); err != nil {
			slot.release()
			return err
		}
		if c.Response().StatusCode() >= fiber.StatusBadRequest {
			slot.release()
			return nil
		}
		return slot.persist(c)
	}
}

type idempotencySlot struct {
	cache  *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func (s idempotencySlot) lookup() (storedResponse, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	cached, err := s.cache.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return storedResponse{}, false, nil
	}
	if err != nil {
		s.logger.Error("idempotency lookup failed", slog.Any("error", err))
		return storedResponse{}, false, fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}
	if cached == inProgressMarker {
		return storedResponse{}, false, fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		s.logger.Warn("stored idempotent response is unreadable", slog.Any("error", err))
		return storedResponse{}, false, fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	return stored, true, nil
}

func (s idempotencySlot) reserve() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ok, err := s.cache.SetNX(ctx, s.key, inProgressMarker, s.ttl).Result()
	if err != nil {
		s.logger.Error("idempotency reservation failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
	}
	if !ok {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}
	return nil
}

func (s idempotencySlot) release() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cache.Del(ctx, s.key).Err(); err != nil {
		s.logger.Warn("idempotency release failed", slog.Any("error", err))
	}
}

func (s idempotencySlot) persist(c *fiber.Ctx) error {
	stored := storedResponse{
		Status:  c.Response().StatusCode(),
		Body:    string(c.Response().Body()),
		Headers: map[string]string{},
	}
	c.Response().Header.VisitAll(func(k, v []byte) {
		stored.Headers[string(k)] = string(v)
	})

	payload, err := json.Marshal(stored)
	if err != nil {
		s.logger.Error("idempotent response encoding failed", slog.Any("error", err))
		s.release()
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		// The relay already accepted the call; keep the marker so a retry
		// gets 409 instead of a second spend.
		s.logger.Error("idempotent response not persisted", slog.Any("error", err))
	}
	return nil
}

func (r storedResponse) replay(c *fiber.Ctx) error {
	for header, value := range r.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	c.Set(replayedHeader, "true")
	return c.Status(r.Status).SendString(r.Body)
}
