package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrInvalidTransition       = errors.New("invalid payment status transition")
	ErrRefundNotAllowed        = errors.New("refund is only allowed for successful payments")
	ErrSignatureInvalid        = errors.New("payment signature invalid")
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")
	ErrUnknownProvider         = errors.New("unknown payment provider")
	ErrMalformedEvent          = errors.New("malformed webhook event")
	ErrGateway                 = errors.New("payment gateway error")
)

// Repository persists payment intents and their lifecycle transitions.
type Repository interface {
	Create(ctx context.Context, p *Payment) (*Payment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetLatestByReference(ctx context.Context, referenceType string, referenceID uuid.UUID) (*Payment, error)
	GetByProviderOrderID(ctx context.Context, provider, orderID string) (*Payment, error)

	// AttachOrder moves a created payment to pending with the provider order id.
	AttachOrder(ctx context.Context, id uuid.UUID, orderID string) (*Payment, error)
	// Transition is a compare-and-set on status; ErrPaymentNotFound when the row
	// is missing or no longer in from.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, providerPaymentID string) (*Payment, error)
	RecordRefund(ctx context.Context, id uuid.UUID, amount int64) (*Payment, error)
}
