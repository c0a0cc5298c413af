package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"ridehail/internal/app"
	"ridehail/internal/config"
	"ridehail/internal/consumer"
	"ridehail/internal/handler"
	"ridehail/internal/logger"
	"ridehail/internal/queue"
	internalRedis "ridehail/internal/redis"
	"ridehail/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("ride-service", "info").Error("failed to load config", err)
		os.Exit(1)
	}
	log := logger.New("ride-service", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// New Relic first so the database and Redis clients get instrumented.
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
	log.Info("store ready", "driver", cfg.Store.Driver)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = app.NewRedisClient(startCtx, cfg.Redis, nrApp)
		if err != nil {
			log.Error("failed to connect to redis", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		log.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	broker, err := app.NewBroker(startCtx, cfg, log)
	if err != nil {
		log.Error("failed to connect to broker", err, "driver", cfg.Queue.Driver)
		os.Exit(1)
	}
	defer broker.Close()
	log.Info("broker ready", "driver", cfg.Queue.Driver)

	var wg sync.WaitGroup
	server := wire(ctx, &wg, cfg, stores, redisClient, broker, nrApp, log)

	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", err)
	}
	wg.Wait()

	log.Info("server exited")
}

// wire builds the services, starts the background loops on wg and returns the HTTP server.
func wire(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *config.Config,
	stores *app.Stores,
	redisClient *redis.Client,
	broker queue.Broker,
	nrApp *newrelic.Application,
	log logger.Logger,
) *http.Server {
	var (
		cacheStore    internalRedis.CacheStoreInterface
		locationStore internalRedis.LocationStoreInterface
	)
	if redisClient != nil {
		cacheStore = internalRedis.NewCacheStore(redisClient)
		locationStore = internalRedis.NewLocationStore(redisClient)
	}

	rideService := service.NewRideService(
		stores.Rides,
		stores.Positions,
		broker,
		cacheStore,
		locationStore,
		log,
		service.RideServiceConfig{
			MaxConflictRetries: cfg.Ride.MaxConflictRetries,
			PublishAttempts:    cfg.Ride.PublishAttempts,
			PublishBackoff:     cfg.Ride.PublishBackoff,
			FarePerKm:          cfg.Ride.FarePerKm,
			NearbyRadiusKm:     cfg.Ride.NearbyRadiusKm,
		},
	)

	// Lookups only; charging happens in the payment consumer.
	paymentService := service.NewPaymentService(stores.Payments, service.NewApprovingPSP(), log)

	reconciler := service.NewDispatchReconciler(rideService, stores.Rides, log, cfg.Ride.ReconcileInterval, cfg.Ride.ReconcileBatch)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reconciler.Run(ctx)
	}()

	// The memory broker does not cross processes, so its consumer runs here.
	if cfg.Queue.Driver == config.QueueDriverMemory {
		var lockStore internalRedis.LockStoreInterface
		if redisClient != nil {
			lockStore = internalRedis.NewLockStore(redisClient)
		}
		paymentConsumer := consumer.NewPaymentConsumer(broker, paymentService, lockStore, nrApp, log, consumer.Config{
			Workers:        cfg.Payment.Workers,
			LockTTL:        cfg.Payment.LockTTL,
			ProcessTimeout: cfg.Payment.ProcessTimeout,
			LockRetryDelay: cfg.Payment.RedeliveryDelay,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = paymentConsumer.Run(ctx)
		}()
		log.Info("payment consumer running in process")
	}

	router := app.NewRouter(app.RouterDeps{
		RideHandler:    handler.NewRideHandler(rideService),
		PaymentHandler: handler.NewPaymentHandler(paymentService),
		RedisClient:    redisClient,
		NewRelicApp:    nrApp,
		Logger:         log,
	})

	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
