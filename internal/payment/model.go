package payment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated  Status = "created"
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

const (
	ReferenceAppointment = "APPOINTMENT"
	TypeBookingFee       = "BOOKING_FEE"
)

// IsActive reports whether the payment still waits on the provider.
func (s Status) IsActive() bool {
	return s == StatusCreated || s == StatusPending
}

// IsTerminal reports whether the payment reached an outcome. A successful
// payment can still be refunded.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRefunded
}

// CanTransitionTo enforces forward-only movement.
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusCreated:
		return to == StatusPending || to == StatusSuccess || to == StatusFailed
	case StatusPending:
		return to == StatusSuccess || to == StatusFailed
	case StatusSuccess:
		return to == StatusRefunded
	default:
		return false
	}
}

// Payment is one payment intent for a reference entity.
type Payment struct {
	ID                uuid.UUID
	ReferenceType     string
	ReferenceID       uuid.UUID
	PatientID         uuid.UUID
	Amount            int64
	Currency          string
	PaymentType       string
	Status            Status
	Provider          string
	ProviderOrderID   string
	ProviderPaymentID string
	RefundedAmount    int64
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefundableAmount is what is left to refund.
func (p *Payment) RefundableAmount() int64 {
	if p.Status != StatusSuccess {
		return 0
	}
	return p.Amount - p.RefundedAmount
}
