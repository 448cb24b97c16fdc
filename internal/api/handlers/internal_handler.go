package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tripmail/internal/engine/webhooks"
	apiErrors "tripmail/internal/pkg/errors"
)

// PassRunner runs one delivery pass over the queue.
type PassRunner interface {
	RunPass(ctx context.Context) (*webhooks.PassSummary, error)
}

// EventDispatcher turns a domain event into queued deliveries.
type EventDispatcher interface {
	Dispatch(ctx context.Context, p webhooks.DispatchParams) (webhooks.DispatchResult, error)
}

// InternalHandler serves the endpoints called by the scheduler and by the
// services that own trips and items. Both sit behind the cron bearer.
type InternalHandler struct {
	worker      PassRunner
	dispatcher  EventDispatcher
	passTimeout time.Duration
}

func NewInternalHandler(worker PassRunner, dispatcher EventDispatcher, passTimeout time.Duration) *InternalHandler {
	return &InternalHandler{worker: worker, dispatcher: dispatcher, passTimeout: passTimeout}
}

// Process runs one delivery pass. The pass outlives the caller's request:
// a scheduler that gives up must not cut sends short.
func (h *InternalHandler) Process(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.passTimeout)
	defer cancel()

	summary, err := h.worker.RunPass(ctx)
	if err != nil {
		log.Error().Err(err).Msg("webhook delivery pass failed")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: summary})
}

// Dispatch queues deliveries for a trip or item mutation.
func (h *InternalHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeObject(w, r)
	if !ok {
		return
	}

	userID, _ := asString(fields["user_id"])
	if !isUUID(userID) {
		apiErrors.Write(w, apiErrors.InvalidParam("user_id", `"user_id" must be a valid UUID.`))
		return
	}

	var tripID string
	if raw, present := fields["trip_id"]; present && !isNull(raw) {
		s, ok := asString(raw)
		if !ok || strings.TrimSpace(s) == "" {
			apiErrors.Write(w, apiErrors.InvalidParam("trip_id", `"trip_id" must be a string.`))
			return
		}
		tripID = s
	}

	event, _ := asString(fields["event"])
	if !webhooks.IsKnownEvent(event) {
		apiErrors.Write(w, apiErrors.InvalidParam("event",
			`"event" must be one of: `+strings.Join(webhooks.Events, ", ")))
		return
	}

	data := map[string]any{}
	if raw, present := fields["data"]; present && !isNull(raw) {
		if err := json.Unmarshal(raw, &data); err != nil {
			apiErrors.Write(w, apiErrors.InvalidParam("data", `"data" must be an object.`))
			return
		}
	}

	result, err := h.dispatcher.Dispatch(r.Context(), webhooks.DispatchParams{
		UserID: userID,
		TripID: tripID,
		Event:  event,
		Data:   data,
	})
	if err != nil {
		log.Error().Err(err).Str("event", event).Str("user_id", userID).Msg("dispatch webhook event")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to queue webhook deliveries.", "")
		return
	}

	writeJSON(w, http.StatusAccepted, envelope{Data: result})
}
