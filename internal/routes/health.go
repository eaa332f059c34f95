package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		checks := fiber.Map{}
		healthy := true
		report := func(name string, err error) {
			if err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = "ok"
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB != nil {
			report("postgres", d.DB.Ping(ctx))
		}
		if d.Cache != nil {
			report("redis", d.Cache.Ping(ctx).Err())
		}
		if d.RPC != nil {
			_, err := d.RPC.BlockNumber(ctx)
			report("rpc", err)
		}
		if d.NATS != nil {
			if d.NATS.Connected() {
				checks["nats"] = "ok"
			} else {
				checks["nats"] = "disconnected"
			}
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
