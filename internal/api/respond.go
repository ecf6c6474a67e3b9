package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/booking"
	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/internal/queue"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeJSON reads and validates a request body. An empty body decodes into
// the zero value, which the validator then judges.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
		return false
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", formatValidationErrors(err))
		return false
	}
	return true
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "datetime":
			parts = append(parts, fmt.Sprintf("%s must match %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors onto status codes. Anything unknown is
// a 500 and is logged with the request id.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	switch {
	case errors.Is(err, booking.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", booking.ErrSlotConflict.Error())
	case errors.Is(err, booking.ErrPaymentExpired):
		writeError(w, http.StatusConflict, "payment_expired", booking.ErrPaymentExpired.Error())
	case errors.Is(err, booking.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, payment.ErrSignatureInvalid):
		writeError(w, http.StatusBadRequest, "signature_invalid", "payment could not be verified")
	case errors.Is(err, payment.ErrWebhookSignatureInvalid):
		writeError(w, http.StatusUnauthorized, "webhook_signature_invalid", "signature mismatch")
	case errors.Is(err, payment.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "malformed_event", err.Error())
	case errors.Is(err, payment.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown_provider", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", "appointment not found")
	case errors.Is(err, payment.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment_not_found", "payment not found")
	case errors.Is(err, queue.ErrQueueNotFound):
		writeError(w, http.StatusNotFound, "queue_not_found", "queue not found")
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", "queue entry not found")
	case errors.Is(err, booking.ErrInvalidTransition),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, payment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, payment.ErrRefundNotAllowed):
		writeError(w, http.StatusConflict, "refund_not_allowed", err.Error())
	case errors.Is(err, payment.ErrGateway):
		logger.Error("payment provider call failed", "request_id", GetRequestID(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "payment_provider_unavailable", "payment provider unavailable, please retry")
	default:
		logger.Error("request failed", "request_id", GetRequestID(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
