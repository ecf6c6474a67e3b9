package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// LockSlot serialises reservations of one slot until the transaction ends.
	LockSlot(ctx context.Context, key SlotKey) error
	FindStalePendingForSlot(ctx context.Context, key SlotKey, now time.Time) ([]uuid.UUID, error)
	CountActiveForSlot(ctx context.Context, key SlotKey) (int, error)
	InsertPendingAppointment(ctx context.Context, a *Appointment) (*Appointment, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// TransitionStatus is a compare-and-set; ErrAppointmentNotFound when the
	// row is gone or no longer in from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	// MarkConfirmed sets the token once and records the paid amount.
	MarkConfirmed(ctx context.Context, id uuid.UUID, token int, paidAmount int64) (*Appointment, error)
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	InsertEvent(ctx context.Context, eventType string, appointmentID uuid.UUID, payload map[string]any) error
}
