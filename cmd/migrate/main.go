package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/congo-pay/wallet_ledger/internal/config"
	"github.com/congo-pay/wallet_ledger/internal/infra"
	"github.com/congo-pay/wallet_ledger/internal/logging"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [up|down]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL must be set")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName+"-migrate", cfg.AppEnv)

	direction := flag.Arg(0)
	if direction == "" {
		direction = "up"
	}

	switch direction {
	case "up":
		err = infra.MigrateUp(cfg.DatabaseURL, logger)
	case "down":
		err = infra.MigrateDown(cfg.DatabaseURL, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migration failed", "direction", direction, "error", err)
		os.Exit(1)
	}
}
