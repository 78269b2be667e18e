package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/clipforge/orchestrator/internal/domain"
)

// apiError is the wire shape of every error in the REST API and matches the
// error objects carried on the push channel.
type apiError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

type errorEnvelope struct {
	Success bool     `json:"success"`
	Error   apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidURL, domain.KindUnsupportedPlatform, domain.KindUnsupportedFormat, domain.KindVideoTooLong:
		return http.StatusBadRequest
	case domain.KindVideoNotFound:
		return http.StatusNotFound
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindCapacityExceeded:
		return http.StatusServiceUnavailable
	case domain.KindProcessorUnavailable, domain.KindStorageWriteFailed, domain.KindStorageReadFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders any error in the canonical envelope. Sentinel errors
// from the storage layer map to their HTTP statuses before classification.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: apiError{
			Type: "NOT_FOUND", Message: "job not found", Retryable: false,
		}})
		return
	case errors.Is(err, domain.ErrInvalidArgument):
		ce := domain.NewError(domain.KindInvalidURL)
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: toAPIError(ce)})
		return
	}

	ce := domain.Classify(err)
	status := statusFor(ce.Kind)
	if ce.Kind == domain.KindCapacityExceeded || ce.Kind == domain.KindRateLimited {
		retryAfter := 30
		if ce.RetryAfter > 0 {
			retryAfter = int(ce.RetryAfter.Seconds())
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, status, errorEnvelope{Error: toAPIError(ce)})
}

func toAPIError(ce *domain.ConversionError) apiError {
	return apiError{
		Type:       string(ce.Kind),
		Message:    ce.Message,
		Retryable:  ce.Retryable,
		Suggestion: ce.Suggestion,
	}
}
