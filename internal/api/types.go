package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/booking"
	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/internal/queue"
)

type CreateAppointmentRequest struct {
	DoctorID        string `json:"doctorId" validate:"required,uuid"`
	ClinicID        string `json:"clinicId" validate:"required,uuid"`
	AppointmentDate string `json:"appointmentDate" validate:"required,datetime=2006-01-02"`
	SlotStartTime   string `json:"slotStartTime" validate:"required,datetime=15:04"`
	SlotEndTime     string `json:"slotEndTime" validate:"required,datetime=15:04"`
}

type CreateAppointmentResponse struct {
	AppointmentID   uuid.UUID `json:"appointmentId"`
	PaymentID       uuid.UUID `json:"paymentId"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Provider        string    `json:"provider"`
	ProviderOrderID string    `json:"providerOrderId,omitempty"`
}

type VerifyPaymentRequest struct {
	ProviderOrderID   string `json:"providerOrderId" validate:"required"`
	ProviderPaymentID string `json:"providerPaymentId" validate:"required"`
	Signature         string `json:"signature" validate:"required"`
}

type RefundPaymentRequest struct {
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"max=255"`
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patientId"`
	DoctorID         uuid.UUID  `json:"doctorId"`
	ClinicID         uuid.UUID  `json:"clinicId"`
	AppointmentDate  string     `json:"appointmentDate"`
	SlotStartTime    string     `json:"slotStartTime"`
	SlotEndTime      string     `json:"slotEndTime"`
	Status           string     `json:"status"`
	BookingFeeAmount int64      `json:"bookingFeeAmount"`
	PaidAmount       int64      `json:"paidAmount"`
	QueueTokenNumber *int       `json:"queueTokenNumber,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type PaymentResponse struct {
	ID                uuid.UUID `json:"id"`
	ReferenceType     string    `json:"referenceType"`
	ReferenceID       uuid.UUID `json:"referenceId"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	Provider          string    `json:"provider"`
	ProviderOrderID   string    `json:"providerOrderId,omitempty"`
	ProviderPaymentID string    `json:"providerPaymentId,omitempty"`
	RefundedAmount    int64     `json:"refundedAmount,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type AppointmentDetailResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Payment     *PaymentResponse    `json:"payment,omitempty"`
	Queue       *queue.Position     `json:"queue,omitempty"`
}

type AvailabilityResponse struct {
	DoctorID  uuid.UUID `json:"doctorId"`
	ClinicID  uuid.UUID `json:"clinicId"`
	Date      string    `json:"date"`
	StartTime string    `json:"start"`
	Available bool      `json:"available"`
}

type QueueResponse struct {
	ID                    uuid.UUID `json:"id"`
	ClinicID              uuid.UUID `json:"clinicId"`
	DoctorID              uuid.UUID `json:"doctorId"`
	QueueDate             string    `json:"queueDate"`
	Status                string    `json:"status"`
	CurrentTokenNumber    int       `json:"currentTokenNumber"`
	LastIssuedTokenNumber int       `json:"lastIssuedTokenNumber"`
}

type QueueEntryResponse struct {
	ID            uuid.UUID  `json:"id"`
	ClinicQueueID uuid.UUID  `json:"clinicQueueId"`
	AppointmentID uuid.UUID  `json:"appointmentId"`
	TokenNumber   int        `json:"tokenNumber"`
	Status        string     `json:"status"`
	CheckInTime   *time.Time `json:"checkInTime,omitempty"`
	CallTime      *time.Time `json:"callTime,omitempty"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
}

type CallNextResponse struct {
	Queue QueueResponse       `json:"queue"`
	Entry *QueueEntryResponse `json:"entry,omitempty"`
	Empty bool                `json:"empty"`
}

type WebhookResponse struct {
	Outcome string `json:"outcome"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		DoctorID:         a.DoctorID,
		ClinicID:         a.ClinicID,
		AppointmentDate:  a.AppointmentDate,
		SlotStartTime:    a.SlotStartTime,
		SlotEndTime:      a.SlotEndTime,
		Status:           string(a.Status),
		BookingFeeAmount: a.BookingFeeAmount,
		PaidAmount:       a.PaidAmount,
		QueueTokenNumber: a.QueueTokenNumber,
		ExpiresAt:        a.ExpiresAt,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func toPaymentResponse(p *payment.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:                p.ID,
		ReferenceType:     p.ReferenceType,
		ReferenceID:       p.ReferenceID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            string(p.Status),
		Provider:          p.Provider,
		ProviderOrderID:   p.ProviderOrderID,
		ProviderPaymentID: p.ProviderPaymentID,
		RefundedAmount:    p.RefundedAmount,
		UpdatedAt:         p.UpdatedAt,
	}
}

func toQueueResponse(q *queue.ClinicQueue) QueueResponse {
	return QueueResponse{
		ID:                    q.ID,
		ClinicID:              q.ClinicID,
		DoctorID:              q.DoctorID,
		QueueDate:             q.QueueDate,
		Status:                string(q.Status),
		CurrentTokenNumber:    q.CurrentTokenNumber,
		LastIssuedTokenNumber: q.LastIssuedTokenNumber,
	}
}

func toEntryResponse(e *queue.Entry) *QueueEntryResponse {
	if e == nil {
		return nil
	}
	return &QueueEntryResponse{
		ID:            e.ID,
		ClinicQueueID: e.ClinicQueueID,
		AppointmentID: e.AppointmentID,
		TokenNumber:   e.TokenNumber,
		Status:        string(e.Status),
		CheckInTime:   e.CheckInTime,
		CallTime:      e.CallTime,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
	}
}
