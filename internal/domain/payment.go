package domain

import "time"

// PaymentStatus represents the current status of a payment.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment is the payment record produced for one completed ride.
type Payment struct {
	ID             string
	RideID         string
	Amount         float64
	Status         PaymentStatus
	IdempotencyKey string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TopicRideCompleted is the topic ride completion events are published to.
const TopicRideCompleted = "ride_completed"

// RideCompletedEvent is the payload published once per ride completion.
type RideCompletedEvent struct {
	RideID      string    `json:"rideId"`
	PassengerID string    `json:"passengerId,omitempty"`
	DriverID    string    `json:"driverId,omitempty"`
	Distance    float64   `json:"distance"`
	Fare        float64   `json:"fare"`
	CompletedAt time.Time `json:"completedAt"`
}

// NewRideCompletedEvent builds the completion event for a completed ride.
func NewRideCompletedEvent(r *Ride) RideCompletedEvent {
	return RideCompletedEvent{
		RideID:      r.ID,
		PassengerID: r.PassengerID,
		DriverID:    r.DriverID,
		Distance:    r.Distance,
		Fare:        r.Fare,
		CompletedAt: r.CompletedAt,
	}
}
