// Package httptransport is the thin HTTP layer. Handlers decode,
// delegate to services, and translate errors; business rules live in
// the service packages.
package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"chronicle/pkg/platform/sentinel"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain sentinels onto HTTP statuses. Unrecognized
// errors surface as 500 with a generic message so internals never leak.
func writeError(w http.ResponseWriter, requestID string, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
		msg = err.Error()
	case errors.Is(err, sentinel.ErrDuplicateSequence):
		status = http.StatusConflict
		msg = err.Error()
	case errors.Is(err, sentinel.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		msg = err.Error()
	case errors.Is(err, sentinel.ErrBackpressure):
		status = http.StatusTooManyRequests
		msg = err.Error()
	case errors.Is(err, sentinel.ErrUnavailable), errors.Is(err, sentinel.ErrSequencingUnavailable):
		status = http.StatusServiceUnavailable
		msg = err.Error()
	}

	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID})
}

func badRequest(w http.ResponseWriter, requestID, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, RequestID: requestID})
}
