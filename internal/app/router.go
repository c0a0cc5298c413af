package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"ridehail/internal/handler"
	"ridehail/internal/logger"
	"ridehail/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	RideHandler    *handler.RideHandler
	PaymentHandler *handler.PaymentHandler
	RedisClient    *redis.Client // optional; enables Idempotency-Key replay
	NewRelicApp    *newrelic.Application
	Logger         logger.Logger
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORSMiddleware())

	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
		router.Use(middleware.RideAttributes())
	}

	if deps.RedisClient != nil {
		router.Use(middleware.IdempotencyMiddleware(deps.RedisClient, deps.Logger))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		rides := v1.Group("/rides")
		{
			rides.POST("", deps.RideHandler.RequestRide)
			rides.GET("/nearby", deps.RideHandler.NearbyRides)
			rides.GET("/:id", deps.RideHandler.GetRide)
			rides.POST("/:id/accept", deps.RideHandler.AcceptRide)
			rides.POST("/:id/start", deps.RideHandler.StartRide)
			rides.POST("/:id/positions", deps.RideHandler.UpdatePosition)
			rides.GET("/:id/positions", deps.RideHandler.GetPositions)
			rides.POST("/:id/complete", deps.RideHandler.CompleteRide)
			rides.GET("/:id/payment", deps.PaymentHandler.GetRidePayment)
		}

		payments := v1.Group("/payments")
		{
			payments.GET("/:id", deps.PaymentHandler.GetPayment)
		}
	}

	return router
}
