package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailpilot/config"
	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/bootstrap"
	"mailpilot/internal/mqhandler"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/util"
)

func main() {
	env := pkgconfig.GetConfigEnv()
	cfg, err := config.Load(env, pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.App.Debug)
	defer log.Sync()

	log.Info("Starting mailpilot worker...",
		zap.String("env", env),
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.NewInfra(cfg, log)
	if err != nil {
		log.Fatal("Failed to init infrastructure", zap.Error(err))
	}
	defer infra.Close()

	gmail := infra.Gmail()
	pipeline, err := infra.NewPipeline(ctx, gmail)
	if err != nil {
		log.Fatal("Failed to init triage pipeline", zap.Error(err))
	}
	reviewService := infra.Review(gmail)
	sender, telegram, err := infra.Notifier(reviewService)
	if err != nil {
		log.Fatal("Failed to init notifier", zap.Error(err))
	}

	deduper := util.NewDeduper(infra.Redis, cfg.Worker.DedupTTL, log)
	retries := util.NewRetryCounter(infra.Redis, cfg.Worker.RetryTTL)

	consumers := []struct {
		queue       string
		routingKey  string
		concurrency int
		handle      mq.MessageHandler
	}{
		{
			// 不同用户并行同步，同一用户由 Runner 的用户锁串行化
			queue:       mqcontracts.QueueSyncRequested,
			routingKey:  mqcontracts.RoutingSyncRequested,
			concurrency: pipeline.Runner.Concurrency(),
			handle:      mqhandler.NewSyncRequestedHandler(pipeline.Runner, deduper, retries, log).Handle,
		},
		{
			queue:      mqcontracts.QueueStyleLearnRequested,
			routingKey: mqcontracts.RoutingStyleLearnRequested,
			handle:     mqhandler.NewStyleLearnHandler(pipeline.Learner, deduper, retries, log).Handle,
		},
		{
			queue:      mqcontracts.QueueNotificationCreated,
			routingKey: mqcontracts.RoutingNotificationCreated,
			handle:     mqhandler.NewNotificationCreatedHandler(sender, deduper, retries, log).Handle,
		},
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		log.Info("Initializing MQ consumer",
			zap.String("queue", c.queue),
			zap.String("routing_key", c.routingKey),
		)
		consumer, err := mq.NewConsumer(cfg.MQ.URL, c.queue, c.routingKey, cfg.Worker.Prefetch, log,
			mq.WithConcurrency(c.concurrency),
			mq.WithRetryDelay(cfg.Worker.RetryDelay),
		)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("queue", c.queue), zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(c.handle)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("Consumer stopped with error", zap.String("queue", c.queue), zap.Error(err))
				stop()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		infra.Dispatcher().Start(ctx)
	}()

	if telegram != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := telegram.Run(ctx); err != nil {
				log.Error("Telegram bot stopped with error", zap.Error(err))
			}
		}()
	}

	// 健康检查与指标
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: pkgconfig.GetEnv("WORKER_HTTP_ADDR", ":8081"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Worker HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("mailpilot worker is running")
	<-ctx.Done()

	log.Info("Shutting down mailpilot worker gracefully...")
	_ = srv.Shutdown(context.Background())
	wg.Wait()
	log.Info("mailpilot worker shutdown complete")
}
