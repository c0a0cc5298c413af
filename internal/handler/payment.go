package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridehail/internal/domain"
	"ridehail/internal/service"
)

// PaymentHandler handles HTTP requests for payments.
type PaymentHandler struct {
	paymentService *service.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentService *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

// PaymentResponse is the HTTP response for payment lookups.
type PaymentResponse struct {
	ID             string    `json:"id"`
	RideID         string    `json:"ride_id"`
	Amount         float64   `json:"amount"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	Attempts       int       `json:"attempts"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:             p.ID,
		RideID:         p.RideID,
		Amount:         p.Amount,
		Status:         string(p.Status),
		IdempotencyKey: p.IdempotencyKey,
		Attempts:       p.Attempts,
		UpdatedAt:      p.UpdatedAt,
	}
}

// GetPayment handles GET /v1/payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	payment, err := h.paymentService.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, newPaymentResponse(payment))
}

// GetRidePayment handles GET /v1/rides/:id/payment
func (h *PaymentHandler) GetRidePayment(c *gin.Context) {
	payment, err := h.paymentService.GetRidePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, newPaymentResponse(payment))
}
