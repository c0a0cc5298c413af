package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ridehail/internal/domain"
	"ridehail/internal/logger"
	"ridehail/internal/repository"
)

// PSP is the interface for a Payment Service Provider. The provider must
// treat repeated charges with the same idempotency key as one charge.
type PSP interface {
	Charge(ctx context.Context, idempotencyKey string, amount float64) (bool, error)
}

// ApprovingPSP is a PSP that approves every charge.
type ApprovingPSP struct {
	charges atomic.Int64
}

// NewApprovingPSP creates a new approving PSP.
func NewApprovingPSP() *ApprovingPSP {
	return &ApprovingPSP{}
}

// Charge approves the charge.
func (p *ApprovingPSP) Charge(ctx context.Context, idempotencyKey string, amount float64) (bool, error) {
	p.charges.Add(1)
	return true, nil
}

// Charges returns the number of charges made.
func (p *ApprovingPSP) Charges() int64 {
	return p.charges.Load()
}

// PaymentService settles completed rides.
type PaymentService struct {
	paymentRepo repository.PaymentRepository
	psp         PSP
	log         logger.Logger
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(paymentRepo repository.PaymentRepository, psp PSP, log logger.Logger) *PaymentService {
	return &PaymentService{
		paymentRepo: paymentRepo,
		psp:         psp,
		log:         log,
	}
}

// PaymentIdempotencyKey returns the ledger key of a ride's payment.
func PaymentIdempotencyKey(rideID string) string {
	return fmt.Sprintf("payment:ride:%s", rideID)
}

// ProcessRidePayment charges the fare of a completed ride at most once.
//
// The payment row keyed by the ride is the idempotency ledger: success and
// failed (declined) are terminal and further deliveries are no-ops, while a
// pending payment is charged again with the same key. Provider errors leave
// the payment pending and return ErrPaymentProcessing so the event is redelivered.
func (s *PaymentService) ProcessRidePayment(ctx context.Context, event domain.RideCompletedEvent) (*domain.Payment, error) {
	if event.RideID == "" {
		return nil, ErrInvalidRideID
	}
	if event.Fare < 0 || math.IsNaN(event.Fare) || math.IsInf(event.Fare, 0) {
		return nil, ErrInvalidPaymentAmount
	}

	log := s.log.Action("process_payment").With("ride_id", event.RideID)
	idempotencyKey := PaymentIdempotencyKey(event.RideID)

	payment, err := s.paymentRepo.GetByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	if payment == nil {
		now := time.Now()
		payment = &domain.Payment{
			ID:             uuid.New().String(),
			RideID:         event.RideID,
			Amount:         event.Fare,
			Status:         domain.PaymentStatusPending,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.paymentRepo.Create(ctx, payment); err != nil {
			if !errors.Is(err, repository.ErrDuplicateKey) {
				return nil, fmt.Errorf("failed to create payment: %w", err)
			}
			// Another delivery created it first.
			payment, err = s.paymentRepo.GetByIdempotencyKey(ctx, idempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load payment after conflict: %w", err)
			}
			if payment == nil {
				return nil, fmt.Errorf("payment for ride %s conflicts with a different key", event.RideID)
			}
		}
	}

	if payment.Status != domain.PaymentStatusPending {
		log.Info("payment already settled, skipping", "payment_id", payment.ID, "status", payment.Status)
		return payment, nil
	}

	approved := true
	if payment.Amount > 0 {
		approved, err = s.psp.Charge(ctx, idempotencyKey, payment.Amount)
		if err != nil {
			if updateErr := s.paymentRepo.RecordAttempt(ctx, payment.ID, domain.PaymentStatusPending); updateErr != nil {
				log.Warn("failed to record payment attempt", "payment_id", payment.ID, "error", updateErr)
			}
			return payment, fmt.Errorf("%w: %v", ErrPaymentProcessing, err)
		}
	}

	status := domain.PaymentStatusSuccess
	if !approved {
		status = domain.PaymentStatusFailed
	}
	if err := s.paymentRepo.RecordAttempt(ctx, payment.ID, status); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// A concurrent delivery settled it first; the provider deduped the charge by key.
			settled, getErr := s.paymentRepo.GetByID(ctx, payment.ID)
			if getErr == nil {
				log.Info("payment settled concurrently", "payment_id", payment.ID, "status", settled.Status)
				return settled, nil
			}
		}
		return payment, fmt.Errorf("%w: failed to record payment status: %v", ErrPaymentProcessing, err)
	}
	payment.Status = status
	payment.Attempts++

	log.Info("payment settled", "payment_id", payment.ID, "status", status, "amount", payment.Amount)
	return payment, nil
}

// GetPayment retrieves a payment by ID.
func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	if paymentID == "" {
		return nil, ErrInvalidPaymentID
	}

	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}

// GetRidePayment retrieves the payment of a ride.
func (s *PaymentService) GetRidePayment(ctx context.Context, rideID string) (*domain.Payment, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}

	payment, err := s.paymentRepo.GetByRideID(ctx, rideID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}
