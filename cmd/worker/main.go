package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"tripmail/internal/pkg/logger"
	"tripmail/internal/platform/config"
	"tripmail/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init(cfg.Logging)

	if cfg.Security.CronSecret == "" {
		log.Fatal().Msg("security.cron_secret is required for the scheduler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("url", cfg.Scheduler.ProcessURL).
		Dur("interval", cfg.Scheduler.Interval).
		Msg("Starting webhook scheduler")

	workers.NewTrigger(cfg.Scheduler, cfg.Security.CronSecret).Run(ctx, cfg.Scheduler.Interval)

	log.Info().Msg("Webhook scheduler stopped")
}
