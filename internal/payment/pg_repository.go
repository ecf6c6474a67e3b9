package payment

import (
	"context"
	"errors"
	"fmt"

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
		panic("payment: pgx pool required")
	}
	return &PgRepository{pool: pool}
}

const paymentColumns = `id, reference_type, reference_id, patient_id, amount, currency, payment_type,
	status, provider, provider_order_id, provider_payment_id, refunded_amount, metadata, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var orderID, paymentID *string
	var metadata []byte

	err := row.Scan(
		&p.ID,
		&p.ReferenceType,
		&p.ReferenceID,
		&p.PatientID,
		&p.Amount,
		&p.Currency,
		&p.PaymentType,
		&p.Status,
		&p.Provider,
		&orderID,
		&paymentID,
		&p.RefundedAmount,
		&metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if orderID != nil {
		p.ProviderOrderID = *orderID
	}
	if paymentID != nil {
		p.ProviderPaymentID = *paymentID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func (r *PgRepository) Create(ctx context.Context, p *Payment) (*Payment, error) {
	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode payment metadata: %w", err)
	}
	if p.Metadata == nil {
		metadata = []byte(`{}`)
	}

	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO payments (id, reference_type, reference_id, patient_id, amount, currency, payment_type,
			status, provider, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING `+paymentColumns,
		id, p.ReferenceType, p.ReferenceID, p.PatientID, p.Amount, p.Currency, p.PaymentType,
		p.Status, p.Provider, metadata)

	created, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
	`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanPayment(row)
}

func (r *PgRepository) GetLatestByReference(ctx context.Context, referenceType string, referenceID uuid.UUID) (*Payment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, referenceType, referenceID)
	return scanPayment(row)
}

func (r *PgRepository) GetByProviderOrderID(ctx context.Context, provider, orderID string) (*Payment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE provider = $1 AND provider_order_id = $2
	`, provider, orderID)
	return scanPayment(row)
}

func (r *PgRepository) AttachOrder(ctx context.Context, id uuid.UUID, orderID string) (*Payment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE payments
		SET status = 'pending',
		    provider_order_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'created'
		RETURNING `+paymentColumns,
		id, orderID)
	return scanPayment(row)
}

func (r *PgRepository) Transition(ctx context.Context, id uuid.UUID, from, to Status, providerPaymentID string) (*Payment, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    provider_payment_id = COALESCE(NULLIF($4, ''), provider_payment_id),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+paymentColumns,
		id, to, from, providerPaymentID)
	return scanPayment(row)
}

func (r *PgRepository) RecordRefund(ctx context.Context, id uuid.UUID, amount int64) (*Payment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE payments
		SET status = 'refunded',
		    refunded_amount = refunded_amount + $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'success'
		  AND refunded_amount + $2 <= amount
		RETURNING `+paymentColumns,
		id, amount)
	return scanPayment(row)
}
