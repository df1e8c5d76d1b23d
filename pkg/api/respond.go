package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/log"
)

// envelope is the uniform response body.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Meta    meta      `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func newMeta(r *http.Request) meta {
	return meta{
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: true,
		Data:    data,
		Meta:    newMeta(r),
	})
}

// respondError maps an error kind to its HTTP status and writes the
// envelope. Unclassified errors surface as 500 with a generic message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := string(errdefs.KindInternal)
	message := "internal error"

	var e *errdefs.Error
	if errors.As(err, &e) {
		code = string(e.Kind)
		message = e.Message
		switch e.Kind {
		case errdefs.KindValidation:
			status = http.StatusBadRequest
		case errdefs.KindAuthorization:
			status = http.StatusForbidden
		case errdefs.KindNotFound:
			status = http.StatusNotFound
		case errdefs.KindConflict:
			status = http.StatusConflict
		case errdefs.KindQuotaExceeded:
			status = http.StatusTooManyRequests
		case errdefs.KindServiceUnavailable:
			status = http.StatusServiceUnavailable
		default:
			message = "internal error"
		}
		if e.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfterSeconds))
		}
	}

	if status >= 500 {
		logger := log.WithComponent("api")
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
		Meta:    newMeta(r),
	})
}
