package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet_ledger/internal/config"
	"github.com/congo-pay/wallet_ledger/internal/infra"
	"github.com/congo-pay/wallet_ledger/internal/logging"
	"github.com/congo-pay/wallet_ledger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName, cfg.AppEnv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, cache, err := connect(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("connect backends", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	srv, err := server.New(cfg, db, cache, logger)
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

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

// connect opens Postgres and Redis when configured. In development either
// may be absent and the service falls back to in-memory storage.
func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*pgxpool.Pool, *redis.Client, error) {
	var (
		db    *pgxpool.Pool
		cache *redis.Client
		err   error
	)

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := infra.MigrateUp(cfg.DatabaseURL, logger); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PostgresOptions{ApplicationName: cfg.AppName})
		if err != nil {
			return nil, nil, err
		}
	}

	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, nil, err
		}
	}

	return db, cache, nil
}
