package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mailpilot/config"
	"mailpilot/internal/bootstrap"
	"mailpilot/internal/handler"
	"mailpilot/internal/httpserver"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/outbox"
)

func main() {
	env := pkgconfig.GetConfigEnv()
	cfg, err := config.Load(env, pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.App.Debug)
	defer log.Sync()

	log.Info("Starting mailpilot api...",
		zap.String("env", env),
		zap.String("version", cfg.App.Version),
		zap.String("db_host", cfg.DB.Host),
	)

	infra, err := bootstrap.NewInfra(cfg, log)
	if err != nil {
		log.Fatal("Failed to init infrastructure", zap.Error(err))
	}
	defer infra.Close()

	reviewService := infra.Review(infra.Gmail())
	replay := outbox.NewReplayService(infra.Outbox, infra.Publisher, log)

	router := httpserver.NewRouter(httpserver.Handlers{
		Actions:    handler.NewActionHandler(reviewService, log),
		Objectives: handler.NewObjectiveHandler(infra.Repo, log),
		Sync:       handler.NewSyncHandler(infra.Requester, log),
		Admin:      handler.NewAdminHandler(replay, log),
	}, cfg.JWT.Secret, infra.Repo, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := httpserver.NewServer(cfg.Server.Port, router, log).Run(ctx); err != nil {
		log.Error("HTTP server failed", zap.Error(err))
	}

	log.Info("mailpilot api shutdown complete")
}
