package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/db"
)

type unitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Expirer moves a pending appointment whose window closed to expired, together
// with its payment. It reports false when the appointment was no longer stale.
type Expirer interface {
	ExpireAppointment(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

type ReserveRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	ClinicID  uuid.UUID
	Date      string
	StartTime string
	EndTime   string
	FeeAmount int64
	ExpiresAt time.Time
}

func (r ReserveRequest) slot() SlotKey {
	return SlotKey{DoctorID: r.DoctorID, ClinicID: r.ClinicID, Date: r.Date, StartTime: r.StartTime}
}

// Ledger is the single source of truth for slot occupancy.
type Ledger struct {
	uow     unitOfWork
	repo    Repository
	expirer Expirer
	now     func() time.Time
}

func NewLedger(uow unitOfWork, repo Repository, expirer Expirer, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{uow: uow, repo: repo, expirer: expirer, now: now}
}

// ReserveSlot claims the slot for a pending appointment. The check and the
// insert run under a transaction-scoped advisory lock on the slot, so two
// callers for the same slot are serialised; the partial unique index on
// active appointments backs the lock up.
func (l *Ledger) ReserveSlot(ctx context.Context, req ReserveRequest) (*Appointment, error) {
	key := req.slot()

	var appt *Appointment
	err := l.uow.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.repo.LockSlot(ctx, key); err != nil {
			return fmt.Errorf("%w: lock slot: %w", ErrStorage, err)
		}

		stale, err := l.repo.FindStalePendingForSlot(ctx, key, l.now())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		for _, id := range stale {
			if _, err := l.expirer.ExpireAppointment(ctx, id, "slot_reclaim"); err != nil {
				return fmt.Errorf("reclaim stale appointment %s: %w", id, err)
			}
		}

		n, err := l.repo.CountActiveForSlot(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if n > 0 {
			return ErrSlotConflict
		}

		expiresAt := req.ExpiresAt
		appt, err = l.repo.InsertPendingAppointment(ctx, &Appointment{
			PatientID:        req.PatientID,
			DoctorID:         req.DoctorID,
			ClinicID:         req.ClinicID,
			AppointmentDate:  req.Date,
			SlotStartTime:    req.StartTime,
			SlotEndTime:      req.EndTime,
			BookingFeeAmount: req.FeeAmount,
			ExpiresAt:        &expiresAt,
		})
		if err != nil {
			if db.IsUniqueViolation(err) {
				return ErrSlotConflict
			}
			if db.IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: unknown patient, doctor or clinic", ErrValidation)
			}
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// IsAvailable answers availability reads. Pending rows past their window do
// not count even before they are swept.
func (l *Ledger) IsAvailable(ctx context.Context, key SlotKey) (bool, error) {
	n, err := l.repo.CountActiveForSlot(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if n == 0 {
		return true, nil
	}
	stale, err := l.repo.FindStalePendingForSlot(ctx, key, l.now())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return n == len(stale), nil
}

func isBusinessError(err error) bool {
	return errors.Is(err, ErrSlotConflict) ||
		errors.Is(err, ErrPaymentExpired) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrValidation)
}
