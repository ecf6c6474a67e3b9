package booking

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/internal/queue"
)

const fee = int64(5000)

type harness struct {
	db      *memDB
	tokens  *memTokens
	gateway *flakyGateway
	clock   *testClock
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := newMemDB()
	h := &harness{
		db:      d,
		tokens:  &memTokens{d: d},
		gateway: &flakyGateway{FakeGateway: payment.NewFakeGateway("test-secret")},
		clock:   &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(d, memAppointments{d}, memPayments{d}, payment.NewRegistry(h.gateway), h.tokens, Config{
		PaymentWindow:     15 * time.Minute,
		BookingFeeAmount:  fee,
		Currency:          "INR",
		RoundingTolerance: 0,
		Provider:          "fake",
		SweepBatch:        50,
	}, nil, nil).WithClock(h.clock.Now)
	return h
}

type slot struct {
	doctorID, clinicID uuid.UUID
	date, start, end   string
}

func newSlot() slot {
	return slot{doctorID: uuid.New(), clinicID: uuid.New(), date: "2026-03-02", start: "09:00", end: "09:15"}
}

func (h *harness) book(ctx context.Context, s slot) (*Reservation, error) {
	return h.svc.CreateAppointment(ctx, CreateAppointmentInput{
		PatientID:       uuid.New(),
		DoctorID:        s.doctorID,
		ClinicID:        s.clinicID,
		AppointmentDate: s.date,
		SlotStartTime:   s.start,
		SlotEndTime:     s.end,
	})
}

func (h *harness) proof(p *payment.Payment, providerPaymentID string) VerificationProof {
	return VerificationProof{
		ProviderOrderID:   p.ProviderOrderID,
		ProviderPaymentID: providerPaymentID,
		Signature:         h.gateway.Sign(p.ProviderOrderID, providerPaymentID),
	}
}

func (h *harness) bookAndConfirm(t *testing.T, s slot) (*Reservation, *Appointment) {
	t.Helper()
	res, err := h.book(context.Background(), s)
	require.NoError(t, err)
	appt, err := h.svc.ConfirmPayment(context.Background(), res.Payment.ID, h.proof(res.Payment, "pay_"+res.Payment.ID.String()[:8]))
	require.NoError(t, err)
	return res, appt
}

func TestCreateAppointmentHappyPath(t *testing.T) {
	h := newHarness(t)

	res, err := h.book(context.Background(), newSlot())
	require.NoError(t, err)

	assert.Equal(t, StatusPaymentPending, res.Appointment.Status)
	assert.Equal(t, fee, res.Appointment.BookingFeeAmount)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), res.ExpiresAt)
	assert.Equal(t, payment.StatusPending, res.Payment.Status)
	assert.NotEmpty(t, res.Payment.ProviderOrderID)
	assert.Equal(t, fee, res.Payment.Amount)
	assert.Equal(t, 1, h.db.eventCount(EventAppointmentCreated))
}

func TestCreateAppointmentValidation(t *testing.T) {
	h := newHarness(t)
	s := newSlot()

	tests := []struct {
		name             string
		date, start, end string
	}{
		{"bad date", "02-03-2026", "09:00", "09:15"},
		{"bad start", "2026-03-02", "9am", "09:15"},
		{"end before start", "2026-03-02", "10:00", "09:15"},
		{"same start and end", "2026-03-02", "10:00", "10:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.book(context.Background(), slot{s.doctorID, s.clinicID, tt.date, tt.start, tt.end})
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err := h.svc.CreateAppointment(context.Background(), CreateAppointmentInput{
		DoctorID: s.doctorID, ClinicID: s.clinicID, AppointmentDate: s.date, SlotStartTime: s.start, SlotEndTime: s.end,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReserveSlotConcurrentExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	s := newSlot()

	const n = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.book(context.Background(), s)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

// Without the slot lock and without the unique index, check-then-insert lets
// two callers that both saw an empty slot book it twice.
func TestNaiveCheckThenInsertDoubleBooks(t *testing.T) {
	h := newHarness(t)
	h.db.skipSlotLock = true
	h.db.uniqueSlots = false

	var barrier sync.WaitGroup
	barrier.Add(2)
	h.db.afterCount = func() {
		barrier.Done()
		barrier.Wait()
	}

	s := newSlot()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.book(context.Background(), s)
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	assert.Len(t, h.db.activeForSlot(SlotKey{s.doctorID, s.clinicID, s.date, s.start}), 2)
}

func TestUniqueIndexBacksUpTheSlotLock(t *testing.T) {
	h := newHarness(t)
	h.db.skipSlotLock = true

	var barrier sync.WaitGroup
	barrier.Add(2)
	h.db.afterCount = func() {
		barrier.Done()
		barrier.Wait()
	}

	s := newSlot()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.book(context.Background(), s)
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else {
			assert.ErrorIs(t, err, ErrSlotConflict)
		}
	}
	assert.Equal(t, 1, okCount)
}

func TestConfirmPaymentIssuesTokenAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.book(ctx, newSlot())
	require.NoError(t, err)
	proof := h.proof(res.Payment, "pay_1")

	first, err := h.svc.ConfirmPayment(ctx, res.Payment.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, first.Status)
	require.NotNil(t, first.QueueTokenNumber)
	assert.Equal(t, 1, *first.QueueTokenNumber)
	assert.Equal(t, fee, first.PaidAmount)

	second, err := h.svc.ConfirmPayment(ctx, res.Payment.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, *first.QueueTokenNumber, *second.QueueTokenNumber)
	assert.Equal(t, int64(1), h.tokens.issued.Load())

	p, err := h.svc.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, p.Status)
	assert.Equal(t, "pay_1", p.ProviderPaymentID)
}

func TestConfirmPaymentConcurrentIssuesOneToken(t *testing.T) {
	h := newHarness(t)
	res, err := h.book(context.Background(), newSlot())
	require.NoError(t, err)
	proof := h.proof(res.Payment, "pay_c")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appt, err := h.svc.ConfirmPayment(context.Background(), res.Payment.ID, proof)
			if assert.NoError(t, err) {
				assert.Equal(t, StatusConfirmed, appt.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.tokens.issued.Load())
	assert.Equal(t, 1, h.db.eventCount(EventAppointmentConfirmed))
}

func TestTokensFollowConfirmationOrder(t *testing.T) {
	h := newHarness(t)
	s := newSlot()

	var tokens []int
	for _, start := range []string{"09:00", "09:15", "09:30"} {
		s.start, s.end = start, "10:00"
		_, appt := h.bookAndConfirm(t, s)
		tokens = append(tokens, *appt.QueueTokenNumber)
	}
	assert.Equal(t, []int{1, 2, 3}, tokens)
}

func TestConfirmPaymentBadSignatureFailsBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := newSlot()

	res, err := h.book(ctx, s)
	require.NoError(t, err)
	proof := h.proof(res.Payment, "pay_1")
	proof.Signature = "0000"

	appt, err := h.svc.ConfirmPayment(ctx, res.Payment.ID, proof)
	assert.ErrorIs(t, err, payment.ErrSignatureInvalid)
	require.NotNil(t, appt)
	assert.Equal(t, StatusFailed, appt.Status)

	p, err := h.svc.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)
	assert.Zero(t, h.tokens.issued.Load())

	// failed bookings free the slot
	_, err = h.book(ctx, s)
	assert.NoError(t, err)
}

func TestConfirmPaymentOrderMismatchChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.book(ctx, newSlot())
	require.NoError(t, err)
	proof := h.proof(res.Payment, "pay_1")
	proof.ProviderOrderID = "order_someone_else"

	_, err = h.svc.ConfirmPayment(ctx, res.Payment.ID, proof)
	assert.ErrorIs(t, err, ErrValidation)

	view, err := h.svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, view.Appointment.Status)
	assert.Equal(t, payment.StatusPending, view.Payment.Status)
}

func TestLateConfirmationExpiresBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := newSlot()

	res, err := h.book(ctx, s)
	require.NoError(t, err)

	h.clock.Advance(15*time.Minute + time.Second)

	appt, err := h.svc.ConfirmPayment(ctx, res.Payment.ID, h.proof(res.Payment, "pay_late"))
	assert.ErrorIs(t, err, ErrPaymentExpired)
	require.NotNil(t, appt)
	assert.Equal(t, StatusExpired, appt.Status)
	assert.Nil(t, appt.QueueTokenNumber)

	p, err := h.svc.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)

	// repeat calls see the terminal state
	again, err := h.svc.ConfirmPayment(ctx, res.Payment.ID, h.proof(res.Payment, "pay_late"))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, again.Status)

	_, err = h.book(ctx, s)
	assert.NoError(t, err)
}

func TestConfirmationAtDeadlineIsAccepted(t *testing.T) {
	h := newHarness(t)
	res, err := h.book(context.Background(), newSlot())
	require.NoError(t, err)

	h.clock.Advance(15 * time.Minute)

	appt, err := h.svc.ConfirmPayment(context.Background(), res.Payment.ID, h.proof(res.Payment, "pay_edge"))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, appt.Status)
}

func TestStalePendingSlotIsReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := newSlot()

	first, err := h.book(ctx, s)
	require.NoError(t, err)

	_, err = h.book(ctx, s)
	assert.ErrorIs(t, err, ErrSlotConflict)

	h.clock.Advance(16 * time.Minute)

	available, err := h.svc.Ledger().IsAvailable(ctx, first.Appointment.Slot())
	require.NoError(t, err)
	assert.True(t, available)

	second, err := h.book(ctx, s)
	require.NoError(t, err)
	assert.NotEqual(t, first.Appointment.ID, second.Appointment.ID)

	view, err := h.svc.GetAppointment(ctx, first.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Appointment.Status)
	assert.Equal(t, payment.StatusFailed, view.Payment.Status)
}

func TestGetAppointmentExpiresLazily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.book(ctx, newSlot())
	require.NoError(t, err)

	view, err := h.svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, view.Appointment.Status)

	h.clock.Advance(20 * time.Minute)

	view, err = h.svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Appointment.Status)
	assert.Equal(t, 1, h.db.eventCount(EventAppointmentExpired))
}

func TestConfirmRollsBackWhenTokenIssueFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.book(ctx, newSlot())
	require.NoError(t, err)

	boom := errors.New("queue unavailable")
	h.db.failIssue = boom
	_, err = h.svc.ConfirmPayment(ctx, res.Payment.ID, h.proof(res.Payment, "pay_1"))
	assert.ErrorIs(t, err, boom)

	view, err := h.svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, view.Appointment.Status)
	assert.Nil(t, view.Appointment.QueueTokenNumber)
	assert.Equal(t, payment.StatusPending, view.Payment.Status)

	h.db.failIssue = nil
	appt, err := h.svc.ConfirmPayment(ctx, res.Payment.ID, h.proof(res.Payment, "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, 1, *appt.QueueTokenNumber)
}

func TestOrderCreationRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.failOrders.Store(true)
	res, err := h.book(ctx, newSlot())
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCreated, res.Payment.Status)
	assert.Empty(t, res.Payment.ProviderOrderID)

	_, err = h.svc.CreatePaymentOrder(ctx, res.Payment.ID)
	assert.ErrorIs(t, err, payment.ErrGateway)

	h.gateway.failOrders.Store(false)
	p, err := h.svc.CreatePaymentOrder(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.NotEmpty(t, p.ProviderOrderID)

	again, err := h.svc.CreatePaymentOrder(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ProviderOrderID, again.ProviderOrderID)
}

func TestCancelPendingAppointment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := newSlot()

	res, err := h.book(ctx, s)
	require.NoError(t, err)

	appt, err := h.svc.CancelAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, appt.Status)

	p, err := h.svc.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)

	_, err = h.book(ctx, s)
	assert.NoError(t, err)

	_, err = h.svc.CancelAppointment(ctx, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelConfirmedAppointment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, _ := h.bookAndConfirm(t, newSlot())

	appt, err := h.svc.CancelAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Equal(t, 1, *appt.QueueTokenNumber, "the token stays on record")

	h.db.mu.Lock()
	assert.Equal(t, queue.EntryNoShow, h.db.entries[res.Appointment.ID].Status)
	h.db.mu.Unlock()
}

func TestCancelAfterServiceStartedIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, _ := h.bookAndConfirm(t, newSlot())
	h.tokens.setStatus(res.Appointment.ID, queue.EntryServing)

	_, err := h.svc.CancelAppointment(ctx, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	view, err := h.svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, view.Appointment.Status)
}

func TestExpirePendingAppointmentsSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := newSlot()
	for _, start := range []string{"09:00", "09:15", "09:30"} {
		s.start, s.end = start, "11:00"
		_, err := h.book(ctx, s)
		require.NoError(t, err)
	}
	s.start = "10:00"
	h.bookAndConfirm(t, s)

	n, err := h.svc.ExpirePendingAppointments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Hour)
	n, err = h.svc.ExpirePendingAppointments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = h.svc.ExpirePendingAppointments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefundPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.book(ctx, newSlot())
	require.NoError(t, err)
	_, err = h.svc.RefundPayment(ctx, pending.Payment.ID, RefundInput{})
	assert.ErrorIs(t, err, payment.ErrRefundNotAllowed)

	res, _ := h.bookAndConfirm(t, newSlot())

	_, err = h.svc.RefundPayment(ctx, res.Payment.ID, RefundInput{Amount: fee + 1})
	assert.ErrorIs(t, err, ErrValidation)

	p, err := h.svc.RefundPayment(ctx, res.Payment.ID, RefundInput{Reason: "doctor unavailable"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.Equal(t, fee, p.RefundedAmount)
	assert.Equal(t, 1, h.db.eventCount(EventPaymentRefunded))

	_, err = h.svc.RefundPayment(ctx, res.Payment.ID, RefundInput{})
	assert.ErrorIs(t, err, payment.ErrRefundNotAllowed)
}

func (h *harness) send(proc *payment.WebhookProcessor, hook payment.FakeWebhook) (payment.Outcome, error) {
	body, err := json.Marshal(hook)
	if err != nil {
		return "", err
	}
	headers := http.Header{}
	headers.Set(h.gateway.WebhookSignatureHeader(), h.gateway.SignWebhook(body))
	return proc.Process(context.Background(), "fake", body, headers)
}

func (h *harness) deliver(t *testing.T, proc *payment.WebhookProcessor, hook payment.FakeWebhook) payment.Outcome {
	t.Helper()
	outcome, err := h.send(proc, hook)
	require.NoError(t, err)
	return outcome
}

func TestWebhookCaptureRacesClientVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proc := payment.NewWebhookProcessor(payment.NewRegistry(h.gateway), h.db, memProcessed{h.db}, h.svc, nil, nil)

	res, err := h.book(ctx, newSlot())
	require.NoError(t, err)
	hook := payment.FakeWebhook{
		ID: "evt_1", Event: string(payment.EventPaymentCaptured),
		OrderID: res.Payment.ProviderOrderID, PaymentID: "pay_1", Amount: fee, Currency: "INR",
	}

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := h.send(proc, hook)
			assert.NoError(t, err)
		}()
	}
	go func() {
		defer wg.Done()
		_, err := h.svc.ConfirmPayment(ctx, res.Payment.ID, h.proof(res.Payment, "pay_1"))
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, int64(1), h.tokens.issued.Load())
	view, err := h.svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, view.Appointment.Status)
	require.NotNil(t, view.Position)
	assert.Equal(t, 1, view.Position.Position)

	assert.Equal(t, payment.OutcomeDuplicate, h.deliver(t, proc, hook))
}

func TestWebhookFailureAndLateCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proc := payment.NewWebhookProcessor(payment.NewRegistry(h.gateway), h.db, memProcessed{h.db}, h.svc, nil, nil)

	res, err := h.book(ctx, newSlot())
	require.NoError(t, err)

	outcome := h.deliver(t, proc, payment.FakeWebhook{
		ID: "evt_f", Event: string(payment.EventPaymentFailed), OrderID: res.Payment.ProviderOrderID, Reason: "card declined",
	})
	assert.Equal(t, payment.OutcomeApplied, outcome)

	view, err := h.svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Appointment.Status)

	// a capture after failure is acknowledged but confirms nothing
	outcome = h.deliver(t, proc, payment.FakeWebhook{
		ID: "evt_c", Event: string(payment.EventPaymentCaptured), OrderID: res.Payment.ProviderOrderID, PaymentID: "pay_x", Amount: fee,
	})
	assert.Equal(t, payment.OutcomeApplied, outcome)
	assert.Zero(t, h.tokens.issued.Load())

	// unknown orders are acknowledged
	outcome = h.deliver(t, proc, payment.FakeWebhook{
		ID: "evt_u", Event: string(payment.EventPaymentCaptured), OrderID: "order_unknown", PaymentID: "pay_u", Amount: fee,
	})
	assert.Equal(t, payment.OutcomeApplied, outcome)
}

func TestWebhookRefundProcessed(t *testing.T) {
	h := newHarness(t)
	proc := payment.NewWebhookProcessor(payment.NewRegistry(h.gateway), h.db, memProcessed{h.db}, h.svc, nil, nil)

	res, _ := h.bookAndConfirm(t, newSlot())
	h.deliver(t, proc, payment.FakeWebhook{
		ID: "evt_r", Event: string(payment.EventRefundProcessed), OrderID: res.Payment.ProviderOrderID, Amount: 2000,
	})

	p, err := h.svc.GetPayment(context.Background(), res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.Equal(t, int64(2000), p.RefundedAmount)
}
