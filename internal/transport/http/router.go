package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronicle/internal/audit/verify"
	"chronicle/internal/platform/middleware"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// ReportSource exposes the latest scheduled integrity report.
type ReportSource interface {
	LastReport() *verify.Report
}

// Router wires all public endpoints behind the shared middleware chain.
type Router struct {
	events  *EventHandler
	auditor *AuditHandler
	reports ReportSource
	checks  map[string]HealthCheck
	logger  *slog.Logger
}

func NewRouter(events *EventHandler, auditor *AuditHandler, reports ReportSource, checks map[string]HealthCheck, logger *slog.Logger) http.Handler {
	rt := &Router{
		events:  events,
		auditor: auditor,
		reports: reports,
		checks:  checks,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	events.Register(r)
	auditor.Register(r)
	r.Get("/v1/status", rt.handleStatus)
	r.Get("/healthz", rt.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := rt.events.events.DeadLetterDepth(ctx)
	if err != nil {
		writeError(w, middleware.GetRequestID(ctx), err)
		return
	}

	body := map[string]any{
		"subscribers":       rt.events.events.Status(),
		"dead_letter_depth": depth,
	}
	if rt.reports != nil {
		body["last_integrity_report"] = rt.reports.LastReport()
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := http.StatusOK
	results := make(map[string]string, len(rt.checks))
	for name, check := range rt.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"checks": results,
	})
}
