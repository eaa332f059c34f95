package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/allowance/internal/routes"
)

// Server wraps the Fiber application and its background workers.
type Server struct {
	app     *fiber.App
	addr    string
	runtime *routes.Runtime
	logger  *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(deps routes.Deps) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      deps.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	rt, err := routes.Setup(app, deps)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, addr: deps.Cfg.Address(), runtime: rt, logger: deps.Logger}, nil
}

// App exposes the underlying Fiber application for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting requests, then stops polling sessions and the
// log compactor.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.runtime.Close()
	s.logger.Info("background workers stopped")
	return err
}
