package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-booking-queue/internal/db"
)

type PgRepository struct {
	pool db.Querier
}

func NewPgRepository(pool db.Querier) *PgRepository {
	if pool == nil {
		panic("booking: pgx pool required")
	}
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, doctor_id, clinic_id,
	to_char(appointment_date, 'YYYY-MM-DD'), to_char(slot_start_time, 'HH24:MI'), to_char(slot_end_time, 'HH24:MI'),
	status, booking_fee_amount, paid_amount, queue_token_number, expires_at, created_at, updated_at`

const slotPredicate = `doctor_id = $1
		  AND clinic_id = $2
		  AND appointment_date = $3::date
		  AND slot_start_time = $4::time`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ClinicID,
		&a.AppointmentDate,
		&a.SlotStartTime,
		&a.SlotEndTime,
		&a.Status,
		&a.BookingFeeAmount,
		&a.PaidAmount,
		&a.QueueTokenNumber,
		&a.ExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Slot ledger

func (r *PgRepository) LockSlot(ctx context.Context, key SlotKey) error {
	return db.AdvisoryXactLock(ctx, db.Conn(ctx, r.pool), key.LockKey())
}

func (r *PgRepository) FindStalePendingForSlot(ctx context.Context, key SlotKey, now time.Time) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id
		FROM appointments
		WHERE `+slotPredicate+`
		  AND status = 'payment_pending'
		  AND expires_at < $5
	`, key.DoctorID, key.ClinicID, key.Date, key.StartTime, now)
	if err != nil {
		return nil, fmt.Errorf("find stale pending: %w", err)
	}
	return collectIDs(rows)
}

func (r *PgRepository) CountActiveForSlot(ctx context.Context, key SlotKey) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE `+slotPredicate+`
		  AND status IN ('payment_pending', 'confirmed')
	`, key.DoctorID, key.ClinicID, key.Date, key.StartTime).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (r *PgRepository) InsertPendingAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, clinic_id, appointment_date, slot_start_time, slot_end_time,
			status, booking_fee_amount, paid_amount, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::date, $6::time, $7::time, 'payment_pending', $8, 0, $9, now(), now())
		RETURNING `+appointmentColumns,
		id, a.PatientID, a.DoctorID, a.ClinicID, a.AppointmentDate, a.SlotStartTime, a.SlotEndTime,
		a.BookingFeeAmount, a.ExpiresAt)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from)
	return scanAppointment(row)
}

func (r *PgRepository) MarkConfirmed(ctx context.Context, id uuid.UUID, token int, paidAmount int64) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointments
		SET status = 'confirmed',
		    queue_token_number = $2,
		    paid_amount = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'payment_pending'
		  AND queue_token_number IS NULL
		RETURNING `+appointmentColumns,
		id, token, paidAmount)
	return scanAppointment(row)
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id
		FROM appointments
		WHERE status = 'payment_pending'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired pending: %w", err)
	}
	return collectIDs(rows)
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, eventType string, appointmentID uuid.UUID, payload map[string]any) error {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}

	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, eventType, appointmentID, raw)
	if err != nil {
		return fmt.Errorf("insert appointment event: %w", err)
	}
	return nil
}
