package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueNotFound     = errors.New("clinic queue not found")
	ErrEntryNotFound     = errors.New("queue entry not found")
	ErrInvalidTransition = errors.New("invalid queue transition")
)

type QueueStatus string

const (
	QueueNotStarted QueueStatus = "not_started"
	QueueRunning    QueueStatus = "running"
	QueuePaused     QueueStatus = "paused"
	QueueClosed     QueueStatus = "closed"
)

func (s QueueStatus) CanTransitionTo(to QueueStatus) bool {
	switch s {
	case QueueNotStarted:
		return to == QueueRunning || to == QueueClosed
	case QueueRunning:
		return to == QueuePaused || to == QueueClosed
	case QueuePaused:
		return to == QueueRunning || to == QueueClosed
	default:
		return false
	}
}

// AcceptsCalls reports whether callNext may advance the queue.
func (s QueueStatus) AcceptsCalls() bool {
	return s == QueueNotStarted || s == QueueRunning
}

type EntryStatus string

const (
	EntryWaiting EntryStatus = "waiting"
	EntryCalled  EntryStatus = "called"
	EntryServing EntryStatus = "serving"
	EntryDone    EntryStatus = "done"
	EntryNoShow  EntryStatus = "no_show"
)

// IsActive reports whether the entry still occupies a place in the line.
func (s EntryStatus) IsActive() bool {
	return s == EntryWaiting || s == EntryCalled || s == EntryServing
}

func (s EntryStatus) CanTransitionTo(to EntryStatus) bool {
	switch s {
	case EntryWaiting:
		return to == EntryCalled || to == EntryNoShow
	case EntryCalled:
		return to == EntryServing || to == EntryNoShow
	case EntryServing:
		return to == EntryDone
	default:
		return false
	}
}

// ClinicQueue is the daily line for one doctor at one clinic. It is the only
// source of token numbers.
type ClinicQueue struct {
	ID                    uuid.UUID
	ClinicID              uuid.UUID
	DoctorID              uuid.UUID
	QueueDate             string
	Status                QueueStatus
	CurrentTokenNumber    int
	LastIssuedTokenNumber int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Entry struct {
	ID            uuid.UUID
	ClinicQueueID uuid.UUID
	AppointmentID uuid.UUID
	TokenNumber   int
	Status        EntryStatus
	CheckInTime   *time.Time
	CallTime      *time.Time
	StartTime     *time.Time
	EndTime       *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Position is the patient-facing projection of an entry.
type Position struct {
	EntryID              uuid.UUID   `json:"entryId"`
	AppointmentID        uuid.UUID   `json:"appointmentId"`
	QueueID              uuid.UUID   `json:"queueId"`
	TokenNumber          int         `json:"tokenNumber"`
	Status               EntryStatus `json:"status"`
	Position             int         `json:"position"`
	AheadCount           int         `json:"aheadCount"`
	EstimatedWaitMinutes int         `json:"estimatedWaitMinutes"`
	NowServingToken      int         `json:"nowServingToken"`
}

// CallResult is the outcome of callNext. Empty is set when nobody is waiting.
type CallResult struct {
	Queue *ClinicQueue
	Entry *Entry
	Empty bool
}
