package queue

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// IncrementToken finds or creates the queue for the day and bumps
	// last_issued_token_number under the row lock.
	IncrementToken(ctx context.Context, clinicID, doctorID uuid.UUID, date string) (*ClinicQueue, error)
	InsertEntry(ctx context.Context, e *Entry) (*Entry, error)

	GetQueue(ctx context.Context, id uuid.UUID) (*ClinicQueue, error)
	GetQueueForUpdate(ctx context.Context, id uuid.UUID) (*ClinicQueue, error)
	SetQueueStatus(ctx context.Context, id uuid.UUID, status QueueStatus) (*ClinicQueue, error)
	AdvanceCurrent(ctx context.Context, id uuid.UUID, token int) (*ClinicQueue, error)

	GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetEntryForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetEntryByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Entry, error)
	GetEntryByAppointmentForUpdate(ctx context.Context, appointmentID uuid.UUID) (*Entry, error)
	NextWaiting(ctx context.Context, queueID uuid.UUID) (*Entry, error)
	// UpdateEntryStatus is a compare-and-set that stamps the matching timestamp.
	UpdateEntryStatus(ctx context.Context, id uuid.UUID, from, to EntryStatus) (*Entry, error)
	SetCheckIn(ctx context.Context, id uuid.UUID) (*Entry, error)

	// CountAhead counts active entries strictly between the current token and token.
	CountAhead(ctx context.Context, queueID uuid.UUID, current, token int) (int, error)
}
