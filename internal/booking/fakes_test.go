package booking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/internal/queue"
)

// memDB is an in-memory stand-in for Postgres with the two properties the
// service depends on: row and advisory locks held until the transaction ends,
// and rollback of every write made inside a failed transaction.
type memDB struct {
	mu    sync.Mutex
	locks sync.Map

	appointments map[uuid.UUID]*Appointment
	payments     map[uuid.UUID]*payment.Payment
	paymentSeq   map[uuid.UUID]int
	seq          int
	events       []memEvent
	processed    map[string]bool
	lastToken    map[string]int
	entries      map[uuid.UUID]*queue.Entry
	entryDay     map[uuid.UUID]string

	skipSlotLock bool
	uniqueSlots  bool
	afterCount   func()
	failIssue    error
}

type memEvent struct {
	id            int
	eventType     string
	appointmentID uuid.UUID
}

type memTx struct {
	held map[string]*sync.Mutex
	undo []func()
}

type memTxKey struct{}

func newMemDB() *memDB {
	return &memDB{
		appointments: map[uuid.UUID]*Appointment{},
		payments:     map[uuid.UUID]*payment.Payment{},
		paymentSeq:   map[uuid.UUID]int{},
		processed:    map[string]bool{},
		lastToken:    map[string]int{},
		entries:      map[uuid.UUID]*queue.Entry{},
		entryDay:     map[uuid.UUID]string{},
		uniqueSlots:  true,
	}
}

func (d *memDB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{held: map[string]*sync.Mutex{}}
	defer func() {
		if err != nil {
			d.mu.Lock()
			for i := len(tx.undo) - 1; i >= 0; i-- {
				tx.undo[i]()
			}
			d.mu.Unlock()
		}
		for _, m := range tx.held {
			m.Unlock()
		}
	}()
	return fn(context.WithValue(ctx, memTxKey{}, tx))
}

func (d *memDB) lock(ctx context.Context, key string) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return
	}
	if _, held := tx.held[key]; held {
		return
	}
	v, _ := d.locks.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	tx.held[key] = m
}

// record must be called with d.mu held.
func (d *memDB) record(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

func (d *memDB) activeForSlot(key SlotKey) []*Appointment {
	var out []*Appointment
	for _, a := range d.appointments {
		if a.Slot() == key && a.Status.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

func (d *memDB) eventCount(eventType string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func cloneAppointment(a *Appointment) *Appointment {
	cp := *a
	return &cp
}

func clonePayment(p *payment.Payment) *payment.Payment {
	cp := *p
	return &cp
}

// appointments

type memAppointments struct{ d *memDB }

func (r memAppointments) LockSlot(ctx context.Context, key SlotKey) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); !ok {
		return errors.New("advisory xact lock requires a transaction")
	}
	if !r.d.skipSlotLock {
		r.d.lock(ctx, key.LockKey())
	}
	return nil
}

func (r memAppointments) FindStalePendingForSlot(_ context.Context, key SlotKey, now time.Time) ([]uuid.UUID, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var ids []uuid.UUID
	for _, a := range r.d.activeForSlot(key) {
		if a.IsExpiredAt(now) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (r memAppointments) CountActiveForSlot(_ context.Context, key SlotKey) (int, error) {
	r.d.mu.Lock()
	n := len(r.d.activeForSlot(key))
	r.d.mu.Unlock()
	if r.d.afterCount != nil {
		r.d.afterCount()
	}
	return n, nil
}

func (r memAppointments) InsertPendingAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.d.uniqueSlots && len(r.d.activeForSlot(a.Slot())) > 0 {
		return nil, &pgconn.PgError{Code: "23505", ConstraintName: "appointments_active_slot_uq"}
	}
	cp := cloneAppointment(a)
	cp.ID = uuid.New()
	cp.Status = StatusPaymentPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.d.appointments[cp.ID] = cp
	r.d.record(ctx, func() { delete(r.d.appointments, cp.ID) })
	return cloneAppointment(cp), nil
}

func (r memAppointments) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return cloneAppointment(a), nil
}

func (r memAppointments) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.d.lock(ctx, "appointment:"+id.String())
	return r.GetAppointmentByID(ctx, id)
}

func (r memAppointments) update(ctx context.Context, id uuid.UUID, match func(*Appointment) bool, apply func(*Appointment)) (*Appointment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.appointments[id]
	if !ok || !match(a) {
		return nil, ErrAppointmentNotFound
	}
	prev := cloneAppointment(a)
	apply(a)
	a.UpdatedAt = time.Now()
	r.d.record(ctx, func() { r.d.appointments[id] = prev })
	return cloneAppointment(a), nil
}

func (r memAppointments) TransitionStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	if !from.CanTransitionTo(to) {
		return nil, ErrInvalidTransition
	}
	return r.update(ctx, id,
		func(a *Appointment) bool { return a.Status == from },
		func(a *Appointment) { a.Status = to })
}

func (r memAppointments) MarkConfirmed(ctx context.Context, id uuid.UUID, token int, paidAmount int64) (*Appointment, error) {
	return r.update(ctx, id,
		func(a *Appointment) bool { return a.Status == StatusPaymentPending && a.QueueTokenNumber == nil },
		func(a *Appointment) {
			a.Status = StatusConfirmed
			a.QueueTokenNumber = &token
			a.PaidAmount = paidAmount
		})
}

func (r memAppointments) FindExpiredPending(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var ids []uuid.UUID
	for _, a := range r.d.appointments {
		if a.IsExpiredAt(now) {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r memAppointments) InsertEvent(ctx context.Context, eventType string, appointmentID uuid.UUID, _ map[string]any) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.seq++
	id := r.d.seq
	r.d.events = append(r.d.events, memEvent{id: id, eventType: eventType, appointmentID: appointmentID})
	r.d.record(ctx, func() {
		for i, e := range r.d.events {
			if e.id == id {
				r.d.events = append(r.d.events[:i], r.d.events[i+1:]...)
				return
			}
		}
	})
	return nil
}

// payments

type memPayments struct{ d *memDB }

func (r memPayments) Create(ctx context.Context, p *payment.Payment) (*payment.Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, other := range r.d.payments {
		if other.ReferenceID == p.ReferenceID && other.Status.IsActive() {
			return nil, &pgconn.PgError{Code: "23505", ConstraintName: "payments_active_reference_uq"}
		}
	}
	cp := clonePayment(p)
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.d.seq++
	r.d.payments[cp.ID] = cp
	r.d.paymentSeq[cp.ID] = r.d.seq
	r.d.record(ctx, func() { delete(r.d.payments, cp.ID) })
	return clonePayment(cp), nil
}

func (r memPayments) GetByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (r memPayments) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	r.d.lock(ctx, "payment:"+id.String())
	return r.GetByID(ctx, id)
}

func (r memPayments) GetLatestByReference(_ context.Context, referenceType string, referenceID uuid.UUID) (*payment.Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var latest *payment.Payment
	for _, p := range r.d.payments {
		if p.ReferenceType != referenceType || p.ReferenceID != referenceID {
			continue
		}
		if latest == nil || r.d.paymentSeq[p.ID] > r.d.paymentSeq[latest.ID] {
			latest = p
		}
	}
	if latest == nil {
		return nil, payment.ErrPaymentNotFound
	}
	return clonePayment(latest), nil
}

func (r memPayments) GetByProviderOrderID(_ context.Context, provider, orderID string) (*payment.Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, p := range r.d.payments {
		if p.Provider == provider && p.ProviderOrderID == orderID {
			return clonePayment(p), nil
		}
	}
	return nil, payment.ErrPaymentNotFound
}

func (r memPayments) update(ctx context.Context, id uuid.UUID, match func(*payment.Payment) bool, apply func(*payment.Payment)) (*payment.Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.payments[id]
	if !ok || !match(p) {
		return nil, payment.ErrPaymentNotFound
	}
	prev := clonePayment(p)
	apply(p)
	p.UpdatedAt = time.Now()
	r.d.record(ctx, func() { r.d.payments[id] = prev })
	return clonePayment(p), nil
}

func (r memPayments) AttachOrder(ctx context.Context, id uuid.UUID, orderID string) (*payment.Payment, error) {
	return r.update(ctx, id,
		func(p *payment.Payment) bool { return p.Status == payment.StatusCreated },
		func(p *payment.Payment) {
			p.Status = payment.StatusPending
			p.ProviderOrderID = orderID
		})
}

func (r memPayments) Transition(ctx context.Context, id uuid.UUID, from, to payment.Status, providerPaymentID string) (*payment.Payment, error) {
	if !from.CanTransitionTo(to) {
		return nil, payment.ErrInvalidTransition
	}
	return r.update(ctx, id,
		func(p *payment.Payment) bool { return p.Status == from },
		func(p *payment.Payment) {
			p.Status = to
			if providerPaymentID != "" {
				p.ProviderPaymentID = providerPaymentID
			}
		})
}

func (r memPayments) RecordRefund(ctx context.Context, id uuid.UUID, amount int64) (*payment.Payment, error) {
	return r.update(ctx, id,
		func(p *payment.Payment) bool {
			return p.Status == payment.StatusSuccess && p.RefundedAmount+amount <= p.Amount
		},
		func(p *payment.Payment) {
			p.Status = payment.StatusRefunded
			p.RefundedAmount += amount
		})
}

// processed webhook events

type memProcessed struct{ d *memDB }

func (r memProcessed) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.d.processed[provider+":"+eventID], nil
}

func (r memProcessed) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	key := provider + ":" + eventID
	r.d.lock(ctx, "event:"+key)
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.d.processed[key] {
		return false, nil
	}
	r.d.processed[key] = true
	r.d.record(ctx, func() { delete(r.d.processed, key) })
	return true, nil
}

// queue tokens

type memTokens struct {
	d      *memDB
	issued atomic.Int64
}

func dayOf(clinicID, doctorID uuid.UUID, date string) string {
	return clinicID.String() + "/" + doctorID.String() + "/" + date
}

func (t *memTokens) IssueToken(ctx context.Context, clinicID, doctorID uuid.UUID, date string, appointmentID uuid.UUID) (*queue.Entry, error) {
	day := dayOf(clinicID, doctorID, date)
	t.d.lock(ctx, "queue:"+day)
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.d.failIssue != nil {
		return nil, t.d.failIssue
	}

	prev := t.d.lastToken[day]
	t.d.lastToken[day] = prev + 1
	e := &queue.Entry{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		TokenNumber:   prev + 1,
		Status:        queue.EntryWaiting,
	}
	t.d.entries[appointmentID] = e
	t.d.entryDay[appointmentID] = day
	t.issued.Add(1)
	t.d.record(ctx, func() {
		t.d.lastToken[day] = prev
		delete(t.d.entries, appointmentID)
		delete(t.d.entryDay, appointmentID)
		t.issued.Add(-1)
	})
	cp := *e
	return &cp, nil
}

func (t *memTokens) CancelEntry(ctx context.Context, appointmentID uuid.UUID) (*queue.Entry, error) {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	e, ok := t.d.entries[appointmentID]
	if !ok {
		return nil, nil
	}
	if e.Status != queue.EntryWaiting {
		return nil, queue.ErrInvalidTransition
	}
	prev := e.Status
	e.Status = queue.EntryNoShow
	t.d.record(ctx, func() { e.Status = prev })
	cp := *e
	return &cp, nil
}

func (t *memTokens) GetPositionByAppointment(_ context.Context, appointmentID uuid.UUID) (*queue.Position, error) {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	e, ok := t.d.entries[appointmentID]
	if !ok {
		return nil, queue.ErrEntryNotFound
	}
	day := t.d.entryDay[appointmentID]
	var ahead []int
	for appt, other := range t.d.entries {
		if t.d.entryDay[appt] == day && other.Status.IsActive() && other.TokenNumber < e.TokenNumber {
			ahead = append(ahead, other.TokenNumber)
		}
	}
	sort.Ints(ahead)
	return &queue.Position{
		EntryID:       e.ID,
		AppointmentID: appointmentID,
		TokenNumber:   e.TokenNumber,
		Status:        e.Status,
		AheadCount:    len(ahead),
		Position:      len(ahead) + 1,
	}, nil
}

func (t *memTokens) setStatus(appointmentID uuid.UUID, status queue.EntryStatus) {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.entries[appointmentID].Status = status
}

// flakyGateway wraps the fake provider and can refuse order creation.
type flakyGateway struct {
	*payment.FakeGateway
	failOrders atomic.Bool
}

func (g *flakyGateway) CreateOrder(ctx context.Context, req payment.OrderRequest) (*payment.Order, error) {
	if g.failOrders.Load() {
		return nil, payment.ErrGateway
	}
	return g.FakeGateway.CreateOrder(ctx, req)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
