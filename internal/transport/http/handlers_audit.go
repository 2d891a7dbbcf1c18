package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chronicle/internal/audit"
	"chronicle/internal/audit/verify"
	"chronicle/internal/platform/middleware"
)

// AuditService reads the ledger.
type AuditService interface {
	Query(ctx context.Context, q audit.Query) ([]audit.Entry, error)
}

// VerifyService runs an integrity check on demand.
type VerifyService interface {
	Verify(ctx context.Context, from, to time.Time) (verify.Report, error)
}

// ExportService pushes one compliance batch on demand.
type ExportService interface {
	ExportBatch(ctx context.Context, tags []string) (int, int64, error)
}

// AuditHandler handles ledger query, verification, and export triggers.
type AuditHandler struct {
	store    AuditService
	verifier VerifyService
	exporter ExportService
	logger   *slog.Logger
}

// NewAuditHandler builds the handler. exporter may be nil when no
// export feed is configured; the endpoint then reports 503.
func NewAuditHandler(store AuditService, verifier VerifyService, exporter ExportService, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, verifier: verifier, exporter: exporter, logger: logger}
}

// Register mounts the audit routes on the router.
func (h *AuditHandler) Register(r chi.Router) {
	r.Get("/v1/audit/entries", h.handleQuery)
	r.Post("/v1/audit/verify", h.handleVerify)
	r.Post("/v1/audit/export", h.handleExport)
}

func (h *AuditHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	q := audit.Query{
		ActorID:      r.URL.Query().Get("actor_id"),
		ResourceType: r.URL.Query().Get("resource_type"),
		ResourceID:   r.URL.Query().Get("resource_id"),
		Tag:          r.URL.Query().Get("tag"),
	}

	var err error
	if q.From, err = parseTime(r.URL.Query().Get("from")); err != nil {
		badRequest(w, requestID, "from must be RFC3339")
		return
	}
	if q.To, err = parseTime(r.URL.Query().Get("to")); err != nil {
		badRequest(w, requestID, "to must be RFC3339")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			badRequest(w, requestID, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	entries, err := h.store.Query(ctx, q)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit query failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		writeError(w, requestID, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type verifyRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (h *AuditHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req verifyRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, requestID, "invalid request body")
			return
		}
	}

	report, err := h.verifier.Verify(ctx, req.From, req.To)
	if err != nil {
		h.logger.ErrorContext(ctx, "integrity verification failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		writeError(w, requestID, err)
		return
	}
	if !report.Valid {
		h.logger.ErrorContext(ctx, "audit chain integrity violation detected",
			"request_id", requestID,
			"entries", report.Entries,
			"invalid", report.Invalid,
		)
	}
	writeJSON(w, http.StatusOK, report)
}

type exportRequest struct {
	Tags []string `json:"tags,omitempty"`
}

func (h *AuditHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	if h.exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:     "no export sink configured",
			RequestID: requestID,
		})
		return
	}

	var req exportRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, requestID, "invalid request body")
			return
		}
	}

	exported, cursor, err := h.exporter.ExportBatch(ctx, req.Tags)
	if err != nil {
		h.logger.ErrorContext(ctx, "export batch failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exported": exported,
		"cursor":   cursor,
	})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
