package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"callassist/internal/app"
	"callassist/internal/config"
	"callassist/internal/logger"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	zlog := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: os.Stdout})

	application, err := app.New(cfg, zlog)
	if err != nil {
		zlog.Fatal().Err(err).Msg("init")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := application.Run(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("run")
	}
}
