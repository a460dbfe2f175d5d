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

	"github.com/congo-pay/wallet_ledger/internal/config"
	"github.com/congo-pay/wallet_ledger/internal/idempotency"
	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/middleware"
	"github.com/congo-pay/wallet_ledger/internal/notification"
	"github.com/congo-pay/wallet_ledger/internal/payments"
	"github.com/congo-pay/wallet_ledger/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	engine := newEngine(d)
	walletHandler := wallet.NewHandler(engine)
	paymentHandler := payments.NewHandler(engine)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	mutating := api.Group("", middleware.RateLimit(d.Cache, d.Cfg.RateLimit, d.Logger))
	RegisterWalletRoutes(mutating, walletHandler)
	RegisterPaymentRoutes(mutating, paymentHandler)

	return nil
}

// newEngine picks the Postgres store when a pool is configured and the
// in-memory store otherwise; Redis, when present, fronts idempotency lookups.
func newEngine(d Deps) *ledger.Engine {
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB, d.Cfg.LockTimeout)
	} else {
		d.Logger.Warn("no database configured, using in-memory ledger store")
		store = ledger.NewInMemoryStore(ledger.WithLockTimeout(d.Cfg.LockTimeout))
	}

	opts := []ledger.Option{ledger.WithNotifier(notification.NewLoggerNotifier(d.Logger))}
	if d.Cache != nil {
		opts = append(opts, ledger.WithReplayCache(idempotency.NewRedisCache(d.Cache, d.Cfg.IdempotencyTTL)))
	}
	return ledger.NewEngine(store, d.Logger, opts...)
}
