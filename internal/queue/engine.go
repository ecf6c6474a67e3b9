package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/db"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

type unitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Metrics interface {
	ObserveTokenIssued()
	ObserveCallNext(outcome string)
}

type EngineConfig struct {
	AverageServiceMinutes int
}

// Engine owns clinic queues and their entries. Token issuance relies on the
// upsert row lock; every other mutation locks the row it changes.
type Engine struct {
	uow     unitOfWork
	repo    Repository
	cache   PositionCache
	cfg     EngineConfig
	logger  *logging.Logger
	metrics Metrics
}

func NewEngine(uow unitOfWork, repo Repository, cache PositionCache, cfg EngineConfig, logger *logging.Logger, metrics Metrics) *Engine {
	if cache == nil {
		cache = NewNoopPositionCache()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.AverageServiceMinutes <= 0 {
		cfg.AverageServiceMinutes = 10
	}
	return &Engine{
		uow:     uow,
		repo:    repo,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// IssueToken hands out the next token of the day's queue and creates the
// waiting entry. It joins the caller's transaction, so the token and the
// confirmation commit or roll back together.
func (e *Engine) IssueToken(ctx context.Context, clinicID, doctorID uuid.UUID, date string, appointmentID uuid.UUID) (*Entry, error) {
	var entry *Entry
	err := e.uow.WithinTx(ctx, func(ctx context.Context) error {
		q, err := e.repo.IncrementToken(ctx, clinicID, doctorID, date)
		if err != nil {
			return err
		}
		if q.Status == QueueClosed {
			e.logger.Warn("token issued on closed queue", "queue_id", q.ID, "appointment_id", appointmentID)
		}

		entry, err = e.repo.InsertEntry(ctx, &Entry{
			ClinicQueueID: q.ID,
			AppointmentID: appointmentID,
			TokenNumber:   q.LastIssuedTokenNumber,
			Status:        EntryWaiting,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	e.invalidate(ctx, entry.ClinicQueueID)
	if e.metrics != nil {
		e.metrics.ObserveTokenIssued()
	}
	e.logger.Info("queue token issued",
		"queue_id", entry.ClinicQueueID,
		"appointment_id", appointmentID,
		"token", entry.TokenNumber,
	)
	return entry, nil
}

// CallNext calls the lowest waiting token. An empty line is reported through
// CallResult.Empty rather than as an error.
func (e *Engine) CallNext(ctx context.Context, queueID uuid.UUID) (*CallResult, error) {
	result := &CallResult{}
	err := e.uow.WithinTx(ctx, func(ctx context.Context) error {
		q, err := e.repo.GetQueueForUpdate(ctx, queueID)
		if err != nil {
			return err
		}
		if !q.Status.AcceptsCalls() {
			return fmt.Errorf("%w: queue is %s", ErrInvalidTransition, q.Status)
		}

		next, err := e.repo.NextWaiting(ctx, queueID)
		if errors.Is(err, ErrEntryNotFound) {
			result.Queue = q
			result.Empty = true
			return nil
		}
		if err != nil {
			return err
		}

		called, err := e.repo.UpdateEntryStatus(ctx, next.ID, EntryWaiting, EntryCalled)
		if err != nil {
			return err
		}
		q, err = e.repo.AdvanceCurrent(ctx, queueID, called.TokenNumber)
		if err != nil {
			return err
		}

		result.Queue = q
		result.Entry = called
		return nil
	})
	if err != nil {
		e.observeCall("error")
		return nil, err
	}

	if result.Empty {
		e.observeCall("empty")
		return result, nil
	}

	e.invalidate(ctx, queueID)
	e.observeCall("called")
	e.logger.Info("queue token called", "queue_id", queueID, "token", result.Entry.TokenNumber)
	return result, nil
}

func (e *Engine) StartServing(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	return e.transitionEntry(ctx, entryID, EntryServing)
}

func (e *Engine) CompleteServing(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	return e.transitionEntry(ctx, entryID, EntryDone)
}

func (e *Engine) MarkNoShow(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	return e.transitionEntry(ctx, entryID, EntryNoShow)
}

func (e *Engine) transitionEntry(ctx context.Context, entryID uuid.UUID, to EntryStatus) (*Entry, error) {
	var updated *Entry
	err := e.uow.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := e.repo.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if !cur.Status.CanTransitionTo(to) {
			return fmt.Errorf("%w: entry %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		updated, err = e.repo.UpdateEntryStatus(ctx, entryID, cur.Status, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, updated.ClinicQueueID)
	e.logger.Info("queue entry updated", "entry_id", entryID, "token", updated.TokenNumber, "status", updated.Status)
	return updated, nil
}

// CheckIn records arrival at the clinic. Checking in twice is a no-op.
func (e *Engine) CheckIn(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	var updated *Entry
	err := e.uow.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := e.repo.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if cur.Status != EntryWaiting {
			return fmt.Errorf("%w: check-in while %s", ErrInvalidTransition, cur.Status)
		}
		if cur.CheckInTime != nil {
			updated = cur
			return nil
		}
		updated, err = e.repo.SetCheckIn(ctx, entryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelEntry takes a cancelled appointment out of the line. Only a waiting
// entry can leave; it is kept as no_show and its token is never reused. A nil
// entry means the appointment never received a token.
func (e *Engine) CancelEntry(ctx context.Context, appointmentID uuid.UUID) (*Entry, error) {
	var updated *Entry
	err := e.uow.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := e.repo.GetEntryByAppointmentForUpdate(ctx, appointmentID)
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status != EntryWaiting {
			return fmt.Errorf("%w: cannot cancel entry while %s", ErrInvalidTransition, cur.Status)
		}
		updated, err = e.repo.UpdateEntryStatus(ctx, cur.ID, EntryWaiting, EntryNoShow)
		return err
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		e.invalidate(ctx, updated.ClinicQueueID)
	}
	return updated, nil
}

func (e *Engine) Pause(ctx context.Context, queueID uuid.UUID) (*ClinicQueue, error) {
	return e.setQueueStatus(ctx, queueID, QueuePaused)
}

func (e *Engine) Resume(ctx context.Context, queueID uuid.UUID) (*ClinicQueue, error) {
	return e.setQueueStatus(ctx, queueID, QueueRunning)
}

func (e *Engine) Close(ctx context.Context, queueID uuid.UUID) (*ClinicQueue, error) {
	return e.setQueueStatus(ctx, queueID, QueueClosed)
}

func (e *Engine) setQueueStatus(ctx context.Context, queueID uuid.UUID, to QueueStatus) (*ClinicQueue, error) {
	var updated *ClinicQueue
	err := e.uow.WithinTx(ctx, func(ctx context.Context) error {
		q, err := e.repo.GetQueueForUpdate(ctx, queueID)
		if err != nil {
			return err
		}
		if !q.Status.CanTransitionTo(to) {
			return fmt.Errorf("%w: queue %s -> %s", ErrInvalidTransition, q.Status, to)
		}
		updated, err = e.repo.SetQueueStatus(ctx, queueID, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("queue status changed", "queue_id", queueID, "status", to)
	return updated, nil
}

func (e *Engine) GetQueue(ctx context.Context, queueID uuid.UUID) (*ClinicQueue, error) {
	return e.repo.GetQueue(ctx, queueID)
}

func (e *Engine) GetEntry(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	return e.repo.GetEntry(ctx, entryID)
}

// GetPosition is a pure read. Entries that are done or no_show report
// position 0.
func (e *Engine) GetPosition(ctx context.Context, entryID uuid.UUID) (*Position, error) {
	entry, err := e.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return e.position(ctx, entry)
}

// GetPositionByAppointment serves the patient-facing read through the cache.
func (e *Engine) GetPositionByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Position, error) {
	if p, ok := e.cache.Get(ctx, appointmentID); ok {
		return p, nil
	}

	entry, err := e.repo.GetEntryByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	// read the version before the rows so a concurrent bump orphans this write
	version := e.cache.Version(ctx, entry.ClinicQueueID)
	p, err := e.position(ctx, entry)
	if err != nil {
		return nil, err
	}
	e.cache.Set(ctx, version, p)
	return p, nil
}

func (e *Engine) position(ctx context.Context, entry *Entry) (*Position, error) {
	q, err := e.repo.GetQueue(ctx, entry.ClinicQueueID)
	if err != nil {
		return nil, err
	}

	p := &Position{
		EntryID:         entry.ID,
		AppointmentID:   entry.AppointmentID,
		QueueID:         q.ID,
		TokenNumber:     entry.TokenNumber,
		Status:          entry.Status,
		NowServingToken: q.CurrentTokenNumber,
	}
	if !entry.Status.IsActive() {
		return p, nil
	}

	ahead, err := e.repo.CountAhead(ctx, q.ID, q.CurrentTokenNumber, entry.TokenNumber)
	if err != nil {
		return nil, err
	}
	p.AheadCount = ahead
	p.Position = ahead + 1
	p.EstimatedWaitMinutes = ahead * e.cfg.AverageServiceMinutes
	return p, nil
}

// invalidate bumps the queue's cache version once the surrounding unit of work
// commits, so readers never cache positions computed from uncommitted rows.
func (e *Engine) invalidate(ctx context.Context, queueID uuid.UUID) {
	db.AfterCommit(ctx, func(ctx context.Context) {
		e.cache.Invalidate(ctx, queueID)
	})
}

func (e *Engine) observeCall(outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveCallNext(outcome)
	}
}
