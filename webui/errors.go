package webui

import (
	"encoding/json"
	"errors"
	"net/http"

	"thumbgen/core"
	"thumbgen/dispatch"
	"thumbgen/flow"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// badRequest is a body that fails to parse or match its schema.
type badRequest struct {
	msg     string
	details []string
}

func (e *badRequest) Error() string { return e.msg }

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var (
		bad        *badRequest
		quotaErr   *core.QuotaError
		validation *core.ValidationError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.As(err, &quotaErr):
		return http.StatusPaymentRequired
	case errors.Is(err, flow.ErrBusy), errors.Is(err, flow.ErrNothingToConfirm), errors.Is(err, errNothingToRestore):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encode failure can only be dropped.
	_ = json.NewEncoder(w).Encode(data)
}

// writeError replies with the status and user message for err. Internal
// errors are not echoed.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: http.StatusText(status)}

	var (
		bad      *badRequest
		quotaErr *core.QuotaError
	)
	switch {
	case errors.As(err, &bad):
		resp.Message = bad.msg
		resp.Details = bad.details
	case errors.As(err, &quotaErr):
		resp.Message = quotaErr.Message
		resp.Code = quotaErr.Code
	case status == http.StatusInternalServerError:
		resp.Message = "An unexpected error occurred."
	default:
		resp.Message = core.UserMessage(err, err.Error())
	}
	writeJSON(w, status, resp)
}
