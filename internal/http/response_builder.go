package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the API error envelope. Errors that are not
// *core.AppError are logged and hidden behind a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *core.AppError
	if !errors.As(err, &appErr) {
		log.FromContext(r.Context()).WithComponent(log.ComponentHTTP).ErrorContext(r.Context(),
			"Unhandled error", log.FieldError, err, log.FieldPath, r.URL.Path)
		appErr = core.NewInternalError("internal error")
	} else if appErr.Status >= 500 {
		log.FromContext(r.Context()).WithComponent(log.ComponentHTTP).ErrorContext(r.Context(),
			"Request failed", log.FieldError, err, log.FieldErrorCode, appErr.Code)
	}

	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: errorPayload{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, core.NewNotFoundError("NOT_FOUND", "route not found").WithDetail("path", r.URL.Path))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	appErr := &core.AppError{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed", Status: http.StatusMethodNotAllowed}
	writeError(w, r, appErr.WithDetail("method", r.Method))
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, &core.AppError{Code: "RATE_LIMITED", Message: "rate limit exceeded, retry later", Status: http.StatusTooManyRequests})
}
