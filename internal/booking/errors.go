package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotConflict        = errors.New("this slot was just taken, please pick another")
	ErrPaymentExpired      = errors.New("booking expired, please rebook")
	ErrInvalidTransition   = errors.New("invalid appointment status transition")
	ErrValidation          = errors.New("validation failed")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrStorage             = errors.New("storage unavailable")
	ErrInvariantViolation  = errors.New("invariant violation")
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// NormalizeSlot validates the raw slot fields and returns them in canonical form.
func NormalizeSlot(date, start, end string) (string, string, string, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: appointmentDate must be YYYY-MM-DD", ErrValidation)
	}
	s, err := time.Parse(TimeLayout, start)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: slotStartTime must be HH:mm", ErrValidation)
	}
	e, err := time.Parse(TimeLayout, end)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: slotEndTime must be HH:mm", ErrValidation)
	}
	if !s.Before(e) {
		return "", "", "", fmt.Errorf("%w: slotStartTime must be before slotEndTime", ErrValidation)
	}
	return d.Format(DateLayout), s.Format(TimeLayout), e.Format(TimeLayout), nil
}

func requireIDs(ids map[string]uuid.UUID) error {
	for name, id := range ids {
		if id == uuid.Nil {
			return fmt.Errorf("%w: %s is required", ErrValidation, name)
		}
	}
	return nil
}
