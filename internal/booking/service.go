package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/internal/queue"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

// TokenIssuer is the slice of the queue engine the lifecycle manager needs.
type TokenIssuer interface {
	IssueToken(ctx context.Context, clinicID, doctorID uuid.UUID, date string, appointmentID uuid.UUID) (*queue.Entry, error)
	CancelEntry(ctx context.Context, appointmentID uuid.UUID) (*queue.Entry, error)
	GetPositionByAppointment(ctx context.Context, appointmentID uuid.UUID) (*queue.Position, error)
}

type Metrics interface {
	ObserveBooking(outcome string)
	ObserveConfirmation(outcome string)
	ObserveExpiry(reason string)
}

type Config struct {
	PaymentWindow     time.Duration
	BookingFeeAmount  int64
	Currency          string
	RoundingTolerance int64
	Provider          string
	SweepBatch        int
}

type CreateAppointmentInput struct {
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	ClinicID        uuid.UUID
	AppointmentDate string
	SlotStartTime   string
	SlotEndTime     string
}

// Reservation is what a patient needs to start the payment countdown.
type Reservation struct {
	Appointment *Appointment
	Payment     *payment.Payment
	ExpiresAt   time.Time
}

// VerificationProof is the checkout result the client relays from the provider.
type VerificationProof struct {
	ProviderOrderID   string
	ProviderPaymentID string
	Signature         string
}

type RefundInput struct {
	// Amount in minor units; zero refunds whatever is left.
	Amount int64
	Reason string
}

type AppointmentView struct {
	Appointment *Appointment
	Payment     *payment.Payment
	Position    *queue.Position
}

// Service is the reservation and payment lifecycle manager. It is the only
// writer of appointment status.
type Service struct {
	uow      unitOfWork
	repo     Repository
	ledger   *Ledger
	payments payment.Repository
	gateways *payment.Registry
	tokens   TokenIssuer
	cfg      Config
	logger   *logging.Logger
	metrics  Metrics
	now      func() time.Time
}

func NewService(
	uow unitOfWork,
	repo Repository,
	payments payment.Repository,
	gateways *payment.Registry,
	tokens TokenIssuer,
	cfg Config,
	logger *logging.Logger,
	metrics Metrics,
) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 15 * time.Minute
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 200
	}
	s := &Service{
		uow:      uow,
		repo:     repo,
		payments: payments,
		gateways: gateways,
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
	s.ledger = NewLedger(uow, repo, s, func() time.Time { return s.now() })
	return s
}

// WithClock replaces the wall clock, for tests and simulations.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Ledger() *Ledger { return s.ledger }

// IsSlotAvailable normalises a raw slot and asks the ledger.
func (s *Service) IsSlotAvailable(ctx context.Context, doctorID, clinicID uuid.UUID, date, start string) (bool, error) {
	if err := requireIDs(map[string]uuid.UUID{"doctorId": doctorID, "clinicId": clinicID}); err != nil {
		return false, err
	}
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return false, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	t, err := time.Parse(TimeLayout, start)
	if err != nil {
		return false, fmt.Errorf("%w: start must be HH:mm", ErrValidation)
	}
	return s.ledger.IsAvailable(ctx, SlotKey{
		DoctorID:  doctorID,
		ClinicID:  clinicID,
		Date:      d.Format(DateLayout),
		StartTime: t.Format(TimeLayout),
	})
}

// CreateAppointment reserves the slot and opens the booking-fee payment in one
// transaction. The provider order is requested after commit; when that fails
// the reservation stands and the client retries through CreatePaymentOrder.
func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*Reservation, error) {
	if err := requireIDs(map[string]uuid.UUID{
		"patientId": in.PatientID,
		"doctorId":  in.DoctorID,
		"clinicId":  in.ClinicID,
	}); err != nil {
		s.observeBooking("invalid")
		return nil, err
	}
	date, start, end, err := NormalizeSlot(in.AppointmentDate, in.SlotStartTime, in.SlotEndTime)
	if err != nil {
		s.observeBooking("invalid")
		return nil, err
	}
	gw, err := s.gateways.Get(s.cfg.Provider)
	if err != nil {
		return nil, err
	}

	var res Reservation
	err = s.uow.WithinTx(ctx, func(ctx context.Context) error {
		appt, err := s.ledger.ReserveSlot(ctx, ReserveRequest{
			PatientID: in.PatientID,
			DoctorID:  in.DoctorID,
			ClinicID:  in.ClinicID,
			Date:      date,
			StartTime: start,
			EndTime:   end,
			FeeAmount: s.cfg.BookingFeeAmount,
			ExpiresAt: s.now().Add(s.cfg.PaymentWindow),
		})
		if err != nil {
			return err
		}

		p, err := s.payments.Create(ctx, &payment.Payment{
			ReferenceType: payment.ReferenceAppointment,
			ReferenceID:   appt.ID,
			PatientID:     in.PatientID,
			Amount:        appt.BookingFeeAmount,
			Currency:      s.cfg.Currency,
			PaymentType:   payment.TypeBookingFee,
			Status:        payment.StatusCreated,
			Provider:      gw.Name(),
			Metadata: map[string]any{
				"doctorId":        in.DoctorID.String(),
				"clinicId":        in.ClinicID.String(),
				"appointmentDate": date,
				"slotStartTime":   start,
			},
		})
		if err != nil {
			return fmt.Errorf("%w: create payment: %w", ErrStorage, err)
		}

		if err := s.repo.InsertEvent(ctx, EventAppointmentCreated, appt.ID, map[string]any{
			"paymentId": p.ID.String(),
			"expiresAt": appt.ExpiresAt,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}

		res.Appointment = appt
		res.Payment = p
		res.ExpiresAt = *appt.ExpiresAt
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSlotConflict):
			s.observeBooking("conflict")
		case errors.Is(err, ErrValidation):
			s.observeBooking("invalid")
		default:
			s.observeBooking("error")
			s.logger.Error("reserve slot failed", "doctor_id", in.DoctorID, "clinic_id", in.ClinicID, "date", date, "start", start, "error", err)
		}
		return nil, err
	}

	s.observeBooking("reserved")
	s.logger.Info("slot reserved",
		"appointment_id", res.Appointment.ID,
		"payment_id", res.Payment.ID,
		"expires_at", res.ExpiresAt,
	)

	if p, err := s.requestOrder(ctx, gw, res.Payment, res.Appointment); err != nil {
		s.logger.Warn("provider order creation failed, client may retry",
			"payment_id", res.Payment.ID,
			"provider", gw.Name(),
			"error", err,
		)
	} else {
		res.Payment = p
	}
	return &res, nil
}

// CreatePaymentOrder asks the provider for an order when the first attempt
// failed. A payment that already has an order is returned as is.
func (s *Service) CreatePaymentOrder(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == payment.StatusPending && p.ProviderOrderID != "" {
		return p, nil
	}
	if p.Status != payment.StatusCreated {
		return nil, fmt.Errorf("%w: payment is %s", payment.ErrInvalidTransition, p.Status)
	}

	a, err := s.repo.GetAppointmentByID(ctx, p.ReferenceID)
	if err != nil {
		return nil, err
	}
	if a.IsExpiredAt(s.now()) {
		if _, err := s.ExpireAppointment(ctx, a.ID, "lazy_read"); err != nil {
			return nil, err
		}
		return nil, ErrPaymentExpired
	}
	if a.Status != StatusPaymentPending {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}

	gw, err := s.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	return s.requestOrder(ctx, gw, p, a)
}

func (s *Service) requestOrder(ctx context.Context, gw payment.Gateway, p *payment.Payment, a *Appointment) (*payment.Payment, error) {
	order, err := gw.CreateOrder(ctx, payment.OrderRequest{
		Amount:   p.Amount,
		Currency: p.Currency,
		Receipt:  a.ID.String(),
		Notes: map[string]string{
			"appointmentId": a.ID.String(),
			"paymentId":     p.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.payments.AttachOrder(ctx, p.ID, order.OrderID)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		// a concurrent retry attached its order first
		return s.payments.GetByID(ctx, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("attach provider order: %w", err)
	}
	s.logger.Info("provider order created", "payment_id", p.ID, "order_id", order.OrderID, "provider", gw.Name())
	return updated, nil
}

// ConfirmPayment settles a checkout. It is idempotent for payments that
// already reached an outcome. A bad signature fails the booking and a late
// confirmation expires it; both commit before the error is returned.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID uuid.UUID, proof VerificationProof) (*Appointment, error) {
	var appt *Appointment
	var outcome error

	err := s.uow.WithinTx(ctx, func(ctx context.Context) error {
		p, a, err := s.lockPaymentAndAppointment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			appt = a
			return nil
		}
		if proof.ProviderOrderID == "" || proof.ProviderOrderID != p.ProviderOrderID {
			return fmt.Errorf("%w: providerOrderId does not match the payment", ErrValidation)
		}
		if a.Status != StatusPaymentPending {
			return s.invariant("active payment %s on %s appointment %s", p.ID, a.Status, a.ID)
		}

		gw, err := s.gateways.Get(p.Provider)
		if err != nil {
			return err
		}
		if !gw.VerifySignature(p.ProviderOrderID, proof.ProviderPaymentID, proof.Signature) {
			appt, err = s.failLocked(ctx, p, a, "signature_invalid")
			if err != nil {
				return err
			}
			outcome = payment.ErrSignatureInvalid
			return nil
		}

		appt, err = s.settle(ctx, p, a, proof.ProviderPaymentID, p.Amount)
		if errors.Is(err, ErrPaymentExpired) {
			outcome = err
			return nil
		}
		return err
	})
	if err != nil {
		if isBusinessError(err) {
			s.observeConfirmation("rejected")
		} else {
			s.observeConfirmation("error")
		}
		return nil, err
	}

	switch {
	case errors.Is(outcome, payment.ErrSignatureInvalid):
		s.observeConfirmation("signature_invalid")
		s.logger.Warn("payment signature rejected", "payment_id", paymentID, "appointment_id", appt.ID)
		return appt, outcome
	case errors.Is(outcome, ErrPaymentExpired):
		s.observeConfirmation("expired")
		return appt, outcome
	}

	s.observeConfirmation("confirmed")
	return appt, nil
}

// FailPayment records a provider-side failure for an open payment.
func (s *Service) FailPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*Appointment, error) {
	var appt *Appointment
	err := s.uow.WithinTx(ctx, func(ctx context.Context) error {
		p, a, err := s.lockPaymentAndAppointment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			appt = a
			return nil
		}
		appt, err = s.failLocked(ctx, p, a, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// ApplyPaymentEvent applies a verified, first-seen provider event. It runs in
// the webhook transaction that recorded the event id.
func (s *Service) ApplyPaymentEvent(ctx context.Context, ev *payment.WebhookEvent) error {
	found, err := s.payments.GetByProviderOrderID(ctx, ev.Provider, ev.ProviderOrderID)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		s.logger.Warn("webhook for unknown order", "provider", ev.Provider, "order_id", ev.ProviderOrderID, "event_id", ev.EventID)
		return nil
	}
	if err != nil {
		return err
	}

	return s.uow.WithinTx(ctx, func(ctx context.Context) error {
		p, a, err := s.lockPaymentAndAppointment(ctx, found.ID)
		if err != nil {
			return err
		}

		switch ev.Type {
		case payment.EventPaymentCaptured:
			return s.applyCapture(ctx, p, a, ev)
		case payment.EventPaymentFailed:
			if p.Status.IsTerminal() {
				return nil
			}
			reason := ev.Reason
			if reason == "" {
				reason = "provider_failed"
			}
			_, err := s.failLocked(ctx, p, a, reason)
			return err
		case payment.EventRefundProcessed:
			return s.applyRefund(ctx, p, ev)
		default:
			return nil
		}
	})
}

func (s *Service) applyCapture(ctx context.Context, p *payment.Payment, a *Appointment, ev *payment.WebhookEvent) error {
	switch p.Status {
	case payment.StatusSuccess, payment.StatusRefunded:
		return nil
	case payment.StatusFailed:
		s.logger.Error("payment captured after it was failed, refund required",
			"payment_id", p.ID,
			"appointment_id", a.ID,
			"provider_payment_id", ev.ProviderPaymentID,
			"amount", ev.Amount,
		)
		return nil
	}
	if a.Status != StatusPaymentPending {
		return s.invariant("active payment %s on %s appointment %s", p.ID, a.Status, a.ID)
	}

	_, err := s.settle(ctx, p, a, ev.ProviderPaymentID, ev.Amount)
	if errors.Is(err, ErrPaymentExpired) {
		s.observeConfirmation("expired")
		s.logger.Error("payment captured after the booking expired, refund required",
			"payment_id", p.ID,
			"appointment_id", a.ID,
			"provider_payment_id", ev.ProviderPaymentID,
		)
		return nil
	}
	if err != nil {
		return err
	}
	s.observeConfirmation("confirmed")
	return nil
}

func (s *Service) applyRefund(ctx context.Context, p *payment.Payment, ev *payment.WebhookEvent) error {
	if p.Status != payment.StatusSuccess {
		return nil
	}
	amount := ev.Amount
	if amount <= 0 || amount > p.RefundableAmount() {
		amount = p.RefundableAmount()
	}
	if _, err := s.payments.RecordRefund(ctx, p.ID, amount); err != nil {
		return err
	}
	return s.repo.InsertEvent(ctx, EventPaymentRefunded, p.ReferenceID, map[string]any{
		"paymentId": p.ID.String(),
		"amount":    amount,
		"source":    "webhook",
	})
}

// settle confirms a locked pending appointment: the payment succeeds, a token
// is issued and the appointment is confirmed in the caller's transaction. A
// closed payment window expires the booking instead and yields
// ErrPaymentExpired with the expiry left for the caller to commit.
func (s *Service) settle(ctx context.Context, p *payment.Payment, a *Appointment, providerPaymentID string, amount int64) (*Appointment, error) {
	if a.IsExpiredAt(s.now()) {
		expired, err := s.expireLocked(ctx, p, a, "late_confirmation", providerPaymentID)
		if err != nil {
			return nil, err
		}
		return expired, ErrPaymentExpired
	}

	paid := amount
	if paid <= 0 {
		paid = p.Amount
	}
	if paid > a.BookingFeeAmount+s.cfg.RoundingTolerance {
		return nil, s.invariant("paid %d exceeds booking fee %d for appointment %s", paid, a.BookingFeeAmount, a.ID)
	}
	if paid < a.BookingFeeAmount-s.cfg.RoundingTolerance {
		s.logger.Warn("captured amount below booking fee", "appointment_id", a.ID, "paid", paid, "fee", a.BookingFeeAmount)
	}

	if _, err := s.payments.Transition(ctx, p.ID, p.Status, payment.StatusSuccess, providerPaymentID); err != nil {
		return nil, fmt.Errorf("mark payment success: %w", err)
	}

	entry, err := s.tokens.IssueToken(ctx, a.ClinicID, a.DoctorID, a.AppointmentDate, a.ID)
	if err != nil {
		return nil, err
	}

	confirmed, err := s.repo.MarkConfirmed(ctx, a.ID, entry.TokenNumber, paid)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, s.invariant("appointment %s changed under its row lock", a.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	if err := s.repo.InsertEvent(ctx, EventAppointmentConfirmed, a.ID, map[string]any{
		"paymentId":         p.ID.String(),
		"providerPaymentId": providerPaymentID,
		"token":             entry.TokenNumber,
		"queueId":           entry.ClinicQueueID.String(),
	}); err != nil {
		return nil, err
	}

	s.logger.Info("appointment confirmed",
		"appointment_id", a.ID,
		"payment_id", p.ID,
		"token", entry.TokenNumber,
	)
	return confirmed, nil
}

func (s *Service) failLocked(ctx context.Context, p *payment.Payment, a *Appointment, reason string) (*Appointment, error) {
	if p.Status.IsActive() {
		if _, err := s.payments.Transition(ctx, p.ID, p.Status, payment.StatusFailed, ""); err != nil {
			return nil, fmt.Errorf("mark payment failed: %w", err)
		}
	}
	if a.Status != StatusPaymentPending {
		return a, nil
	}
	if a.IsExpiredAt(s.now()) {
		return s.expireLocked(ctx, nil, a, reason, "")
	}

	failed, err := s.repo.TransitionStatus(ctx, a.ID, StatusPaymentPending, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("fail appointment: %w", err)
	}
	if err := s.repo.InsertEvent(ctx, EventAppointmentFailed, a.ID, map[string]any{
		"paymentId": p.ID.String(),
		"reason":    reason,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("appointment failed", "appointment_id", a.ID, "payment_id", p.ID, "reason", reason)
	return failed, nil
}

// ExpireAppointment expires a stale pending appointment and fails its open
// payment. Locks are taken payment first, then appointment, the same order
// as confirmation.
func (s *Service) ExpireAppointment(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	var expired bool
	err := s.uow.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.lockPaymentFor(ctx, id)
		if err != nil {
			return err
		}
		a, err := s.repo.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsExpiredAt(s.now()) {
			return nil
		}
		if _, err := s.expireLocked(ctx, p, a, reason, ""); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

func (s *Service) expireLocked(ctx context.Context, p *payment.Payment, a *Appointment, reason, providerPaymentID string) (*Appointment, error) {
	expired, err := s.repo.TransitionStatus(ctx, a.ID, StatusPaymentPending, StatusExpired)
	if err != nil {
		return nil, fmt.Errorf("expire appointment: %w", err)
	}
	if p != nil && p.Status.IsActive() {
		if _, err := s.payments.Transition(ctx, p.ID, p.Status, payment.StatusFailed, providerPaymentID); err != nil {
			return nil, fmt.Errorf("fail expired payment: %w", err)
		}
	}
	if err := s.repo.InsertEvent(ctx, EventAppointmentExpired, a.ID, map[string]any{"reason": reason}); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ObserveExpiry(reason)
	}
	s.logger.Info("appointment expired", "appointment_id", a.ID, "reason", reason)
	return expired, nil
}

// CancelAppointment cancels an unpaid or confirmed appointment. A confirmed
// appointment can only be cancelled while its queue entry is still waiting.
// Refunds are a separate operator action.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	var outcome error

	err := s.uow.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.lockPaymentFor(ctx, id)
		if err != nil {
			return err
		}
		a, err := s.repo.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case a.IsExpiredAt(s.now()):
			appt, err = s.expireLocked(ctx, p, a, "cancel_after_expiry", "")
			outcome = ErrPaymentExpired
			return err

		case a.Status == StatusPaymentPending:
			appt, err = s.repo.TransitionStatus(ctx, a.ID, StatusPaymentPending, StatusCancelled)
			if err != nil {
				return err
			}
			if p != nil && p.Status.IsActive() {
				if _, err := s.payments.Transition(ctx, p.ID, p.Status, payment.StatusFailed, ""); err != nil {
					return fmt.Errorf("fail abandoned payment: %w", err)
				}
			}

		case a.Status == StatusConfirmed:
			if _, err := s.tokens.CancelEntry(ctx, a.ID); err != nil {
				if errors.Is(err, queue.ErrInvalidTransition) {
					return fmt.Errorf("%w: the visit has already started", ErrInvalidTransition)
				}
				return err
			}
			appt, err = s.repo.TransitionStatus(ctx, a.ID, StatusConfirmed, StatusCancelled)
			if err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
		}

		return s.repo.InsertEvent(ctx, EventAppointmentCancelled, a.ID, map[string]any{"previousStatus": string(a.Status)})
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return appt, outcome
	}

	s.logger.Info("appointment cancelled", "appointment_id", id)
	return appt, nil
}

// GetAppointment assembles the patient view. A pending appointment past its
// window is expired on the way.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentView, error) {
	a, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.IsExpiredAt(s.now()) {
		if _, err := s.ExpireAppointment(ctx, id, "lazy_read"); err != nil {
			return nil, err
		}
		if a, err = s.repo.GetAppointmentByID(ctx, id); err != nil {
			return nil, err
		}
	}

	view := &AppointmentView{Appointment: a}

	p, err := s.payments.GetLatestByReference(ctx, payment.ReferenceAppointment, a.ID)
	switch {
	case err == nil:
		view.Payment = p
	case !errors.Is(err, payment.ErrPaymentNotFound):
		return nil, err
	}

	if a.Status == StatusConfirmed {
		pos, err := s.tokens.GetPositionByAppointment(ctx, a.ID)
		switch {
		case err == nil:
			view.Position = pos
		case errors.Is(err, queue.ErrEntryNotFound):
			s.logger.Error("confirmed appointment without queue entry", "appointment_id", a.ID)
		default:
			return nil, err
		}
	}
	return view, nil
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// RefundPayment refunds a successful payment through its provider.
func (s *Service) RefundPayment(ctx context.Context, paymentID uuid.UUID, in RefundInput) (*payment.Payment, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusSuccess {
		return nil, fmt.Errorf("%w: payment is %s", payment.ErrRefundNotAllowed, p.Status)
	}
	if p.ProviderPaymentID == "" {
		return nil, s.invariant("successful payment %s has no provider payment id", p.ID)
	}

	amount := in.Amount
	if amount == 0 {
		amount = p.RefundableAmount()
	}
	if amount < 0 || amount > p.RefundableAmount() {
		return nil, fmt.Errorf("%w: refund amount must be between 1 and %d", ErrValidation, p.RefundableAmount())
	}

	gw, err := s.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	result, err := gw.Refund(ctx, payment.RefundRequest{
		ProviderPaymentID: p.ProviderPaymentID,
		Amount:            amount,
		Currency:          p.Currency,
		Reason:            in.Reason,
	})
	if err != nil {
		return nil, err
	}

	var updated *payment.Payment
	err = s.uow.WithinTx(ctx, func(ctx context.Context) error {
		updated, err = s.payments.RecordRefund(ctx, p.ID, amount)
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return fmt.Errorf("%w: payment changed during refund", payment.ErrRefundNotAllowed)
		}
		if err != nil {
			return err
		}
		return s.repo.InsertEvent(ctx, EventPaymentRefunded, p.ReferenceID, map[string]any{
			"paymentId": p.ID.String(),
			"refundId":  result.RefundID,
			"amount":    amount,
			"reason":    in.Reason,
		})
	})
	if err != nil {
		s.logger.Error("refund issued but not recorded", "payment_id", p.ID, "refund_id", result.RefundID, "error", err)
		return nil, err
	}

	s.logger.Info("payment refunded", "payment_id", p.ID, "refund_id", result.RefundID, "amount", amount)
	return updated, nil
}

// ExpirePendingAppointments sweeps stale pending appointments in one batch.
// Lazy expiry stays the correctness path; the sweep only frees slots sooner.
func (s *Service) ExpirePendingAppointments(ctx context.Context) (int, error) {
	ids, err := s.repo.FindExpiredPending(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	var errs []error
	count := 0
	for _, id := range ids {
		ok, err := s.ExpireAppointment(ctx, id, "sweep")
		if err != nil {
			s.logger.Error("failed to expire appointment", "appointment_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

func (s *Service) lockPaymentAndAppointment(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, *Appointment, error) {
	p, err := s.payments.GetByIDForUpdate(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	if p.ReferenceType != payment.ReferenceAppointment {
		return nil, nil, s.invariant("payment %s references %s", p.ID, p.ReferenceType)
	}
	a, err := s.repo.GetAppointmentForUpdate(ctx, p.ReferenceID)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil, s.invariant("payment %s without appointment %s", p.ID, p.ReferenceID)
	}
	if err != nil {
		return nil, nil, err
	}
	return p, a, nil
}

func (s *Service) lockPaymentFor(ctx context.Context, appointmentID uuid.UUID) (*payment.Payment, error) {
	latest, err := s.payments.GetLatestByReference(ctx, payment.ReferenceAppointment, appointmentID)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.payments.GetByIDForUpdate(ctx, latest.ID)
}

func (s *Service) invariant(format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{ErrInvariantViolation}, args...)...)
	s.logger.Error("invariant violation", "error", err)
	return err
}

func (s *Service) observeBooking(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveBooking(outcome)
	}
}

func (s *Service) observeConfirmation(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveConfirmation(outcome)
	}
}
