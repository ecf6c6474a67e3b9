package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/booking"
)

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())

	var req CreateAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.booking.CreateAppointment(r.Context(), booking.CreateAppointmentInput{
		PatientID:       caller.ID,
		DoctorID:        uuid.MustParse(req.DoctorID),
		ClinicID:        uuid.MustParse(req.ClinicID),
		AppointmentDate: req.AppointmentDate,
		SlotStartTime:   req.SlotStartTime,
		SlotEndTime:     req.SlotEndTime,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateAppointmentResponse{
		AppointmentID:   res.Appointment.ID,
		PaymentID:       res.Payment.ID,
		Status:          string(res.Appointment.Status),
		Amount:          res.Payment.Amount,
		Currency:        res.Payment.Currency,
		ExpiresAt:       res.ExpiresAt,
		Provider:        res.Payment.Provider,
		ProviderOrderID: res.Payment.ProviderOrderID,
	})
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, AppointmentDetailResponse{
		Appointment: toAppointmentResponse(view.Appointment),
		Payment:     toPaymentResponse(view.Payment),
		Queue:       view.Position,
	})
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	appt, err := h.booking.CancelAppointment(r.Context(), view.Appointment.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) queuePosition(w http.ResponseWriter, r *http.Request) {
	view, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	if view.Appointment.Status != booking.StatusConfirmed {
		writeError(w, http.StatusConflict, "not_in_queue", "appointment is "+string(view.Appointment.Status))
		return
	}
	pos, err := h.queue.GetPositionByAppointment(r.Context(), view.Appointment.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *handlers) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doctorID, err := uuid.Parse(q.Get("doctorId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctorId", "doctorId must be a valid UUID")
		return
	}
	clinicID, err := uuid.Parse(q.Get("clinicId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_clinicId", "clinicId must be a valid UUID")
		return
	}

	available, err := h.booking.IsSlotAvailable(r.Context(), doctorID, clinicID, q.Get("date"), q.Get("start"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		DoctorID:  doctorID,
		ClinicID:  clinicID,
		Date:      q.Get("date"),
		StartTime: q.Get("start"),
		Available: available,
	})
}

// ownedAppointment loads the appointment named by the route. Patients only
// see their own; anything else reads as not found.
func (h *handlers) ownedAppointment(w http.ResponseWriter, r *http.Request) (*booking.AppointmentView, bool) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	view, err := h.booking.GetAppointment(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	if !canAccess(r, view.Appointment.PatientID) {
		writeServiceError(w, r, h.logger, booking.ErrAppointmentNotFound)
		return nil, false
	}
	return view, true
}

func canAccess(r *http.Request, patientID uuid.UUID) bool {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		return false
	}
	return caller.Role == RoleOperator || caller.ID == patientID
}
