package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ridehail/internal/app"
	"ridehail/internal/config"
	"ridehail/internal/consumer"
	"ridehail/internal/logger"
	internalRedis "ridehail/internal/redis"
	"ridehail/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("payment-worker", "info").Error("failed to load config", err)
		os.Exit(1)
	}
	log := logger.New("payment-worker", cfg.Log.Level)

	if cfg.Queue.Driver == config.QueueDriverMemory {
		log.Error("payment worker needs a shared broker", nil, "driver", cfg.Queue.Driver)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nrApp := app.NewNewRelic(cfg.NewRelic, log)
	if nrApp != nil {
		defer nrApp.Shutdown(5 * time.Second)
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stores, err := app.NewStores(startCtx, cfg, nrApp, log)
	if err != nil {
		log.Error("failed to open store", err, "driver", cfg.Store.Driver)
		os.Exit(1)
	}
	defer stores.Close()

	var lockStore internalRedis.LockStoreInterface
	if cfg.Redis.Enabled {
		redisClient, err := app.NewRedisClient(startCtx, cfg.Redis, nrApp)
		if err != nil {
			log.Error("failed to connect to redis", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		lockStore = internalRedis.NewLockStore(redisClient)
	}

	broker, err := app.NewBroker(startCtx, cfg, log)
	if err != nil {
		log.Error("failed to connect to broker", err, "driver", cfg.Queue.Driver)
		os.Exit(1)
	}
	defer broker.Close()

	paymentService := service.NewPaymentService(stores.Payments, service.NewApprovingPSP(), log)
	paymentConsumer := consumer.NewPaymentConsumer(broker, paymentService, lockStore, nrApp, log, consumer.Config{
		Workers:        cfg.Payment.Workers,
		LockTTL:        cfg.Payment.LockTTL,
		ProcessTimeout: cfg.Payment.ProcessTimeout,
		LockRetryDelay: cfg.Payment.RedeliveryDelay,
	})

	log.Info("payment worker started", "workers", cfg.Payment.Workers, "queue", cfg.Queue.Driver)
	if err := paymentConsumer.Run(ctx); err != nil {
		log.Error("payment consumer stopped", err)
	}
	log.Info("payment worker exited")
}
