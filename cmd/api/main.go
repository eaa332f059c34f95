package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/allowance/internal/config"
	"github.com/congo-pay/allowance/internal/infra"
	"github.com/congo-pay/allowance/internal/logging"
	"github.com/congo-pay/allowance/internal/notification"
	"github.com/congo-pay/allowance/internal/routes"
	"github.com/congo-pay/allowance/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName, cfg.AppEnv)

	ctx := context.Background()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if err := infra.Migrate(cfg.DatabaseURL); err != nil {
			logger.Error("migrate postgres", "error", err)
			os.Exit(1)
		}
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory identity and transaction stores")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set; idempotency, rate limiting and history caching disabled")
	}

	rpc, err := infra.NewEthClient(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		logger.Error("connect rpc", "error", err)
		os.Exit(1)
	}
	defer rpc.Close()

	var nc *notification.NATSNotifier
	if cfg.NATSURL != "" {
		nc, err = notification.NewNATSNotifier(cfg.NATSURL)
		if err != nil {
			logger.Error("connect nats", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := nc.Close(); err != nil {
				logger.Warn("close nats", "error", err)
			}
		}()
	}

	srv, err := server.New(routes.Deps{Cfg: cfg, DB: db, Cache: cache, RPC: rpc, NATS: nc, Logger: logger})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
