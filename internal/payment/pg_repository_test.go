package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentColumnNames = []string{
	"id", "reference_type", "reference_id", "patient_id", "amount", "currency", "payment_type",
	"status", "provider", "provider_order_id", "provider_payment_id", "refunded_amount", "metadata",
	"created_at", "updated_at",
}

func strPtr(s string) *string { return &s }

func paymentRows(p Payment) *pgxmock.Rows {
	var orderID, paymentID *string
	if p.ProviderOrderID != "" {
		orderID = strPtr(p.ProviderOrderID)
	}
	if p.ProviderPaymentID != "" {
		paymentID = strPtr(p.ProviderPaymentID)
	}
	return pgxmock.NewRows(paymentColumnNames).AddRow(
		p.ID, p.ReferenceType, p.ReferenceID, p.PatientID, p.Amount, p.Currency, p.PaymentType,
		p.Status, p.Provider, orderID, paymentID, p.RefundedAmount, []byte(`{"slot":"09:00"}`),
		p.CreatedAt, p.UpdatedAt,
	)
}

func samplePayment(status Status) Payment {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return Payment{
		ID:            uuid.New(),
		ReferenceType: ReferenceAppointment,
		ReferenceID:   uuid.New(),
		PatientID:     uuid.New(),
		Amount:        int64(5000),
		Currency:      "INR",
		PaymentType:   TypeBookingFee,
		Status:        status,
		Provider:      "fake",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock), mock
}

func TestPgRepositoryGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := samplePayment(StatusPending)
	p.ProviderOrderID = "order_1"

	mock.ExpectQuery("SELECT .+ FROM payments\\s+WHERE id = \\$1").
		WithArgs(p.ID).
		WillReturnRows(paymentRows(p))

	got, err := repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "order_1", got.ProviderOrderID)
	assert.Empty(t, got.ProviderPaymentID)
	assert.Equal(t, "09:00", got.Metadata["slot"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM payments").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryTransitionRejectsBackwardMove(t *testing.T) {
	repo, mock := newMockRepo(t)

	_, err := repo.Transition(context.Background(), uuid.New(), StatusSuccess, StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryTransitionCompareAndSet(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := samplePayment(StatusSuccess)
	p.ProviderOrderID = "order_1"
	p.ProviderPaymentID = "pay_1"

	mock.ExpectQuery("UPDATE payments").
		WithArgs(p.ID, StatusSuccess, StatusPending, "pay_1").
		WillReturnRows(paymentRows(p))

	got, err := repo.Transition(context.Background(), p.ID, StatusPending, StatusSuccess, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "pay_1", got.ProviderPaymentID)

	mock.ExpectQuery("UPDATE payments").
		WithArgs(p.ID, StatusSuccess, StatusPending, "pay_1").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.Transition(context.Background(), p.ID, StatusPending, StatusSuccess, "pay_1")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProcessedStore(mock)

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("razorpay", "evt").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	processed, err := store.AlreadyProcessed(context.Background(), "razorpay", "evt")
	require.NoError(t, err)
	assert.True(t, processed)

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("razorpay", "evt-miss").WillReturnError(pgx.ErrNoRows)
	processed, err = store.AlreadyProcessed(context.Background(), "razorpay", "evt-miss")
	require.NoError(t, err)
	assert.False(t, processed)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("razorpay", "evt-new").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkProcessed(context.Background(), "razorpay", "evt-new")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("razorpay", "evt-new").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = store.MarkProcessed(context.Background(), "razorpay", "evt-new")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}
