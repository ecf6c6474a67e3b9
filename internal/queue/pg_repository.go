package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-booking-queue/internal/db"
)

type PgRepository struct {
	pool db.Querier
}

func NewPgRepository(pool db.Querier) *PgRepository {
	if pool == nil {
		panic("queue: pgx pool required")
	}
	return &PgRepository{pool: pool}
}

const queueColumns = `id, clinic_id, doctor_id, to_char(queue_date, 'YYYY-MM-DD'), status,
	current_token_number, last_issued_token_number, created_at, updated_at`

const entryColumns = `id, clinic_queue_id, appointment_id, token_number, status,
	check_in_time, call_time, start_time, end_time, created_at, updated_at`

// Helpers

func scanQueue(row pgx.Row) (*ClinicQueue, error) {
	var q ClinicQueue
	err := row.Scan(
		&q.ID,
		&q.ClinicID,
		&q.DoctorID,
		&q.QueueDate,
		&q.Status,
		&q.CurrentTokenNumber,
		&q.LastIssuedTokenNumber,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, err
	}
	return &q, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID,
		&e.ClinicQueueID,
		&e.AppointmentID,
		&e.TokenNumber,
		&e.Status,
		&e.CheckInTime,
		&e.CallTime,
		&e.StartTime,
		&e.EndTime,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Queues

func (r *PgRepository) IncrementToken(ctx context.Context, clinicID, doctorID uuid.UUID, date string) (*ClinicQueue, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO clinic_queues (id, clinic_id, doctor_id, queue_date, status,
			current_token_number, last_issued_token_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4::date, 'not_started', 0, 1, now(), now())
		ON CONFLICT (clinic_id, doctor_id, queue_date)
		DO UPDATE SET last_issued_token_number = clinic_queues.last_issued_token_number + 1,
		              updated_at = now()
		RETURNING `+queueColumns,
		uuid.New(), clinicID, doctorID, date)

	q, err := scanQueue(row)
	if err != nil {
		return nil, fmt.Errorf("increment token: %w", err)
	}
	return q, nil
}

func (r *PgRepository) GetQueue(ctx context.Context, id uuid.UUID) (*ClinicQueue, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM clinic_queues
		WHERE id = $1
	`, id)
	return scanQueue(row)
}

func (r *PgRepository) GetQueueForUpdate(ctx context.Context, id uuid.UUID) (*ClinicQueue, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM clinic_queues
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanQueue(row)
}

func (r *PgRepository) SetQueueStatus(ctx context.Context, id uuid.UUID, status QueueStatus) (*ClinicQueue, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE clinic_queues
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+queueColumns,
		id, status)
	return scanQueue(row)
}

// AdvanceCurrent moves the now-serving pointer forward and starts a queue that
// has not started yet.
func (r *PgRepository) AdvanceCurrent(ctx context.Context, id uuid.UUID, token int) (*ClinicQueue, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE clinic_queues
		SET current_token_number = GREATEST(current_token_number, $2),
		    status = CASE WHEN status = 'not_started' THEN 'running' ELSE status END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+queueColumns,
		id, token)
	return scanQueue(row)
}

// Entries

func (r *PgRepository) InsertEntry(ctx context.Context, e *Entry) (*Entry, error) {
	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO queue_entries (id, clinic_queue_id, appointment_id, token_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+entryColumns,
		id, e.ClinicQueueID, e.AppointmentID, e.TokenNumber, e.Status)

	created, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (r *PgRepository) GetEntryForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanEntry(row)
}

func (r *PgRepository) GetEntryByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Entry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE appointment_id = $1
	`, appointmentID)
	return scanEntry(row)
}

func (r *PgRepository) GetEntryByAppointmentForUpdate(ctx context.Context, appointmentID uuid.UUID) (*Entry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE appointment_id = $1
		FOR UPDATE
	`, appointmentID)
	return scanEntry(row)
}

func (r *PgRepository) NextWaiting(ctx context.Context, queueID uuid.UUID) (*Entry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_queue_id = $1
		  AND status = 'waiting'
		ORDER BY token_number
		LIMIT 1
		FOR UPDATE
	`, queueID)
	return scanEntry(row)
}

func (r *PgRepository) UpdateEntryStatus(ctx context.Context, id uuid.UUID, from, to EntryStatus) (*Entry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $2::text,
		    call_time = CASE WHEN $2::text = 'called' THEN now() ELSE call_time END,
		    start_time = CASE WHEN $2::text = 'serving' THEN now() ELSE start_time END,
		    end_time = CASE WHEN $2::text IN ('done', 'no_show') THEN now() ELSE end_time END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+entryColumns,
		id, to, from)
	return scanEntry(row)
}

func (r *PgRepository) SetCheckIn(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE queue_entries
		SET check_in_time = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'waiting'
		  AND check_in_time IS NULL
		RETURNING `+entryColumns,
		id)
	return scanEntry(row)
}

func (r *PgRepository) CountAhead(ctx context.Context, queueID uuid.UUID, current, token int) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE clinic_queue_id = $1
		  AND status IN ('waiting', 'called', 'serving')
		  AND token_number > $2
		  AND token_number < $3
	`, queueID, current, token).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ahead: %w", err)
	}
	return n, nil
}
