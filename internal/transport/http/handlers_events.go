package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chronicle/internal/event"
	"chronicle/internal/event/bus"
	"chronicle/internal/event/dlq"
	"chronicle/internal/platform/middleware"
	"chronicle/pkg/platform/circuit"
)

// EventService is the surface of the bus the transport layer needs.
type EventService interface {
	Publish(ctx context.Context, e event.Event) (bus.PublishResult, error)
	Replay(ctx context.Context, aggregateID string, fromSequence int64) ([]event.Event, error)
	GetCircuitStatus(name string) (circuit.Status, error)
	Status() []bus.SubscriberStatus
	ListDeadLetters(ctx context.Context, filter dlq.Filter) ([]dlq.Entry, error)
	DeadLetterDepth(ctx context.Context) (int, error)
	ReplayDeadLetter(ctx context.Context, id uuid.UUID) error
}

// EventHandler handles event publication and delivery operations.
type EventHandler struct {
	events EventService
	logger *slog.Logger
}

func NewEventHandler(events EventService, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// Register mounts the event routes on the router.
func (h *EventHandler) Register(r chi.Router) {
	r.Post("/v1/events", h.handlePublish)
	r.Get("/v1/aggregates/{aggregateID}/events", h.handleReplay)
	r.Get("/v1/subscribers/{name}/circuit", h.handleCircuitStatus)
	r.Get("/v1/deadletters", h.handleListDeadLetters)
	r.Post("/v1/deadletters/{id}/replay", h.handleReplayDeadLetter)
}

type publishRequest struct {
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
}

func (h *EventHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, requestID, "invalid request body")
		return
	}
	e, err := event.New(req.AggregateID, req.AggregateType, req.EventType, req.Payload)
	if err != nil {
		badRequest(w, requestID, err.Error())
		return
	}
	e.Metadata = req.Metadata
	e.CorrelationID = req.CorrelationID
	e.CausationID = req.CausationID

	result, err := h.events.Publish(ctx, e)
	if err != nil {
		h.logger.WarnContext(ctx, "publish rejected",
			"request_id", requestID,
			"aggregate_id", req.AggregateID,
			"error", err.Error(),
		)
		writeError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *EventHandler) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	aggregateID := chi.URLParam(r, "aggregateID")

	from := int64(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			badRequest(w, requestID, "from must be a positive integer")
			return
		}
		from = parsed
	}

	events, err := h.events.Replay(ctx, aggregateID, from)
	if err != nil {
		h.logger.ErrorContext(ctx, "replay failed",
			"request_id", requestID,
			"aggregate_id", aggregateID,
			"error", err.Error(),
		)
		writeError(w, requestID, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate_id": aggregateID,
		"events":       events,
	})
}

func (h *EventHandler) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	status, err := h.events.GetCircuitStatus(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *EventHandler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	filter := dlq.Filter{
		Subscriber: r.URL.Query().Get("subscriber"),
		Reason:     dlq.Reason(r.URL.Query().Get("reason")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			badRequest(w, requestID, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.events.ListDeadLetters(ctx, filter)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *EventHandler) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, requestID, "invalid dead letter id")
		return
	}

	if err := h.events.ReplayDeadLetter(ctx, id); err != nil {
		h.logger.WarnContext(ctx, "dead letter replay failed",
			"request_id", requestID,
			"entry_id", id,
			"error", err.Error(),
		)
		writeError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
