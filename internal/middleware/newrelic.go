package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
)

// RideAttributes tags the New Relic transaction started by nrgin with the
// ride id of the route and reports handler errors recorded on the context.
// Requests outside a transaction pass through.
func RideAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := nrgin.Transaction(c)
		if txn == nil {
			c.Next()
			return
		}

		if rideID := c.Param("id"); rideID != "" && strings.HasPrefix(c.FullPath(), "/v1/rides/") {
			txn.AddAttribute("ride_id", rideID)
		}
		if key := c.GetHeader(idempotencyHeader); key != "" {
			txn.AddAttribute("idempotency_key", key)
		}

		c.Next()

		for _, err := range c.Errors {
			txn.NoticeError(err.Err)
		}
	}
}
