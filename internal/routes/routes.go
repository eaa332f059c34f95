package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/allowance/internal/chain"
	"github.com/congo-pay/allowance/internal/config"
	"github.com/congo-pay/allowance/internal/correlator"
	"github.com/congo-pay/allowance/internal/history"
	"github.com/congo-pay/allowance/internal/identity"
	"github.com/congo-pay/allowance/internal/indexer"
	"github.com/congo-pay/allowance/internal/middleware"
	"github.com/congo-pay/allowance/internal/notification"
	"github.com/congo-pay/allowance/internal/payments"
	"github.com/congo-pay/allowance/internal/poller"
	"github.com/congo-pay/allowance/internal/qr"
	"github.com/congo-pay/allowance/internal/relay"
	"github.com/congo-pay/allowance/internal/txlog"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	RPC    chain.Reader
	NATS   *notification.NATSNotifier
	Logger *slog.Logger
}

// Runtime holds the background workers started by Setup.
type Runtime struct {
	Pollers   *poller.Manager
	Compactor *history.Compactor
}

// Close stops polling sessions and the log compactor.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	r.Pollers.StopAll()
	r.Compactor.Stop()
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.RPC == nil {
		return nil, fmt.Errorf("ledger rpc client is required")
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	httpClient := &http.Client{Timeout: d.Cfg.HTTPClientTimeout}

	var identityRepo identity.Repository
	var store txlog.Store
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
		store = txlog.NewPostgresStore(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
		store = txlog.NewMemoryStore()
	}

	var notifier notification.Notifier = notification.NewLoggerNotifier(d.Logger)
	if d.NATS != nil {
		notifier = notification.Multi{notifier, d.NATS}
	}

	ledger := chain.NewClient(d.RPC, d.Cfg.FactoryAddress)
	finder := correlator.New(ledger, d.Cfg.FactoryDeployBlock, d.Logger)
	idx := indexer.NewClient(d.Cfg.IndexerURL, httpClient)
	relayer := relay.New(ledger, relay.Config{
		BaseURL:    d.Cfg.RelayURL,
		ChainID:    d.Cfg.ChainID,
		Delegate:   d.Cfg.DelegateAddress,
		Deadline:   d.Cfg.RelayDeadline,
		HTTPClient: httpClient,
	}, d.Logger)
	guardian, err := guardianAuthorizer(d.Cfg, httpClient)
	if err != nil {
		return nil, err
	}

	identitySvc := identity.NewService(identityRepo)
	historySvc := history.NewService(idx, store, d.Logger)
	historyCache := history.NewCache(d.Cache, d.Cfg.HistoryCacheTTL)
	paymentSvc := payments.NewService(payments.Deps{
		Identities: identitySvc,
		Finder:     finder,
		Relayer:    relayer,
		Log:        store,
		Notifier:   notifier,
		Guardian:   guardian,
		Decimals:   d.Cfg.TokenDecimals,
		Logger:     d.Logger,
	})
	pollers := poller.NewManager(finder, poller.ManagerConfig{
		Interval:    d.Cfg.PollInterval,
		MaxSessions: d.Cfg.MaxPollSessions,
		SessionTTL:  d.Cfg.PollSessionTTL,
	}, linkNotifications(notifier, d.Logger), d.Logger)

	compactor := history.NewCompactor(idx, store, d.Cfg.CompactInterval, d.Cfg.LocalLogRetention, d.Logger)
	compactor.Start()

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterIdentityRoutes(api, identity.NewHandler(identitySvc))
	RegisterLinkRoutes(api, poller.NewHandler(pollers, finder, d.Cfg.TokenDecimals))
	RegisterHistoryRoutes(api, history.NewHandler(historySvc, historyCache))

	idempotent := middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	RegisterPaymentRoutes(api, payments.NewHandler(paymentSvc, historyCache), idempotent,
		middleware.SendRateLimit(d.Cache, d.Cfg.SendRatePerMin))

	return &Runtime{Pollers: pollers, Compactor: compactor}, nil
}

// RegisterIdentityRoutes wires onboarding endpoints.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/identity", h.Create)
	r.Get("/identity", h.Get)
	r.Get("/identity/:address", h.Get)
	r.Get("/identity/:address/qr", h.QR)
	r.Post("/qr/decode", qr.DecodeHandler)
}

// RegisterLinkRoutes wires the sub-wallet discovery endpoints.
func RegisterLinkRoutes(r fiber.Router, h *poller.Handler) {
	r.Post("/link/:address", h.Start)
	r.Get("/link/:address", h.Status)
	r.Delete("/link/:address", h.Stop)
	r.Get("/subwallets/:address", h.Find)
}

// RegisterHistoryRoutes wires transaction history.
func RegisterHistoryRoutes(r fiber.Router, h *history.Handler) {
	r.Get("/history", h.List)
}

// RegisterPaymentRoutes wires spends and guardian management calls.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, idempotent, rateLimit fiber.Handler) {
	r.Post("/payments/send", idempotent, rateLimit, h.Send)
	r.Post("/guardian/manage", idempotent, h.Manage)
}

func guardianAuthorizer(cfg config.Config, httpClient *http.Client) (relay.Authorizer, error) {
	if !cfg.RemoteSignerEnabled() {
		return nil, nil
	}
	var signer *relay.RequestSigner
	if cfg.SignerRequestKey != "" {
		var err error
		if signer, err = relay.NewRequestSigner(cfg.SignerRequestKey); err != nil {
			return nil, fmt.Errorf("load signer request key: %w", err)
		}
	}
	return relay.NewRemoteAuthorizer(relay.RemoteConfig{
		BaseURL:     cfg.SignerURL,
		WalletID:    cfg.SignerWalletID,
		AppID:       cfg.SignerAppID,
		AccessToken: cfg.SignerAccessToken,
		Address:     cfg.GuardianAddress,
		Signer:      signer,
		HTTPClient:  httpClient,
	}), nil
}
