package booking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
	EventAppointmentFailed    = "APPOINTMENT_FAILED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventPaymentRefunded      = "PAYMENT_REFUNDED"
)

type AppointmentStatus string

const (
	StatusPaymentPending AppointmentStatus = "payment_pending"
	StatusConfirmed      AppointmentStatus = "confirmed"
	StatusExpired        AppointmentStatus = "expired"
	StatusFailed         AppointmentStatus = "failed"
	StatusCancelled      AppointmentStatus = "cancelled"
)

// IsActive reports whether the appointment occupies its slot.
func (s AppointmentStatus) IsActive() bool {
	return s == StatusPaymentPending || s == StatusConfirmed
}

func (s AppointmentStatus) IsTerminal() bool {
	return s != StatusPaymentPending
}

// CanTransitionTo allows nothing out of a terminal state except
// confirmed -> cancelled.
func (s AppointmentStatus) CanTransitionTo(to AppointmentStatus) bool {
	switch s {
	case StatusPaymentPending:
		return to == StatusConfirmed || to == StatusExpired || to == StatusFailed || to == StatusCancelled
	case StatusConfirmed:
		return to == StatusCancelled
	default:
		return false
	}
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	ClinicID         uuid.UUID
	AppointmentDate  string
	SlotStartTime    string
	SlotEndTime      string
	Status           AppointmentStatus
	BookingFeeAmount int64
	PaidAmount       int64
	QueueTokenNumber *int
	ExpiresAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsExpiredAt reports whether a pending appointment's payment window closed
// before now.
func (a *Appointment) IsExpiredAt(now time.Time) bool {
	return a.Status == StatusPaymentPending && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

func (a *Appointment) Slot() SlotKey {
	return SlotKey{
		DoctorID:  a.DoctorID,
		ClinicID:  a.ClinicID,
		Date:      a.AppointmentDate,
		StartTime: a.SlotStartTime,
	}
}

// SlotKey identifies a bookable slot. Date is YYYY-MM-DD and StartTime HH:mm.
type SlotKey struct {
	DoctorID  uuid.UUID
	ClinicID  uuid.UUID
	Date      string
	StartTime string
}

// LockKey is hashed into the advisory lock id.
func (k SlotKey) LockKey() string {
	return fmt.Sprintf("slot:%s:%s:%s:%s", k.DoctorID, k.ClinicID, k.Date, k.StartTime)
}
