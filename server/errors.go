package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"Mokpell/internal/backend"
	"Mokpell/internal/inferbench"
	"Mokpell/internal/session"
)

// Kinds added by the HTTP layer on top of session.Kind.
const (
	KindNotLoaded      = "context_not_loaded"
	KindInvalidRequest = "invalid_request"
)

var statusByKind = map[string]int{
	KindNotLoaded:               http.StatusNotFound,
	KindInvalidRequest:          http.StatusBadRequest,
	session.KindAlreadyRunning:  http.StatusConflict,
	session.KindNotGenerating:   http.StatusConflict,
	session.KindSessionFailed:   http.StatusConflict,
	session.KindClosed:          http.StatusConflict,
	session.KindContextOverflow: http.StatusRequestEntityTooLarge,
	session.KindInit:            http.StatusUnprocessableEntity,
	session.KindDecodeFailed:    http.StatusInternalServerError,
	session.KindTokenize:        http.StatusBadRequest,
	session.KindTemplate:        http.StatusBadRequest,
	session.KindEmptyPrompt:     http.StatusBadRequest,
	session.KindCancelled:       http.StatusConflict,
	session.KindUnavailable:     http.StatusNotImplemented,
	session.KindInternal:        http.StatusInternalServerError,
}

// errorKind classifies err for the error payload.
func errorKind(err error) string {
	var re requestError
	switch {
	case errors.Is(err, ErrNoContext):
		return KindNotLoaded
	case errors.As(err, &re), backend.IsUnknownBackend(err), errors.Is(err, inferbench.ErrInvalidParams):
		return KindInvalidRequest
	}
	return session.Kind(err)
}

func statusFor(kind string) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func errorBody(err error) ErrorBody {
	return ErrorBody{Kind: errorKind(err), Message: err.Error()}
}

// writeError writes a structured JSON error with the status for its kind.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	writeJSON(w, statusFor(body.Kind), ErrorResponse{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
