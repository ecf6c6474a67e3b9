package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-booking-queue/internal/booking"
	"github.com/hackgods/clinic-booking-queue/internal/payment"
)

func (h *handlers) createPaymentOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPayment(w, r)
	if !ok {
		return
	}
	updated, err := h.booking.CreatePaymentOrder(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(updated))
}

func (h *handlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPayment(w, r)
	if !ok {
		return
	}

	var req VerifyPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appt, err := h.booking.ConfirmPayment(r.Context(), p.ID, booking.VerificationProof{
		ProviderOrderID:   req.ProviderOrderID,
		ProviderPaymentID: req.ProviderPaymentID,
		Signature:         req.Signature,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	// A replayed verify on a settled payment returns the stored outcome; only a
	// confirmed booking is reported as success.
	switch appt.Status {
	case booking.StatusConfirmed:
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	case booking.StatusExpired:
		writeError(w, http.StatusConflict, "payment_expired", booking.ErrPaymentExpired.Error())
	default:
		writeError(w, http.StatusConflict, "payment_not_confirmed", fmt.Sprintf("appointment is %s", appt.Status))
	}
}

func (h *handlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req RefundPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.booking.RefundPayment(r.Context(), id, booking.RefundInput{Amount: req.Amount, Reason: req.Reason})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// webhook answers 2xx for applied, duplicate and ignored events so the
// provider stops retrying; anything that failed to apply is a 5xx.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
		return
	}

	outcome, err := h.webhooks.Process(r.Context(), provider, payload, r.Header)
	if err != nil {
		if errors.Is(err, payment.ErrWebhookSignatureInvalid) {
			h.logger.Warn("webhook rejected", "provider", provider, "request_id", GetRequestID(r.Context()))
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{Outcome: string(outcome)})
}

func (h *handlers) ownedPayment(w http.ResponseWriter, r *http.Request) (*payment.Payment, bool) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	p, err := h.booking.GetPayment(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	if !canAccess(r, p.PatientID) {
		writeServiceError(w, r, h.logger, payment.ErrPaymentNotFound)
		return nil, false
	}
	return p, true
}
