package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mailpilot/config"
	"mailpilot/internal/bootstrap"
	"mailpilot/internal/scheduler"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/logger"
)

func main() {
	env := pkgconfig.GetConfigEnv()
	cfg, err := config.Load(env, pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.App.Debug)
	defer log.Sync()

	log.Info("Starting mailpilot scheduler...",
		zap.String("env", env),
		zap.Duration("sync_interval", cfg.Scheduler.SyncInterval),
		zap.Duration("style_interval", cfg.Scheduler.StyleInterval),
	)

	infra, err := bootstrap.NewInfra(cfg, log)
	if err != nil {
		log.Fatal("Failed to init infrastructure", zap.Error(err))
	}
	defer infra.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler.New(infra.Repo, infra.Requester, cfg.Scheduler, log).Run(ctx)

	log.Info("mailpilot scheduler shutdown complete")
}
