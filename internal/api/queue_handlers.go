package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking-queue/internal/queue"
)

func (h *handlers) getQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	q, err := h.queue.GetQueue(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueResponse(q))
}

func (h *handlers) callNext(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	res, err := h.queue.CallNext(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CallNextResponse{
		Queue: toQueueResponse(res.Queue),
		Entry: toEntryResponse(res.Entry),
		Empty: res.Empty,
	})
}

func (h *handlers) queueCommand(op func(ctx context.Context, id uuid.UUID) (*queue.ClinicQueue, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		q, err := op(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toQueueResponse(q))
	}
}

func (h *handlers) entryCommand(op func(ctx context.Context, id uuid.UUID) (*queue.Entry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		e, err := op(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(e))
	}
}
