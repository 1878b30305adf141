// Package errors maps dashboard failures to typed application errors and
// the JSON error envelope served by the HTTP API.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/gateway"
	"github.com/3leaps/hpcdash/pkg/modules"
	"github.com/3leaps/hpcdash/pkg/projects"
	"github.com/3leaps/hpcdash/pkg/quota"
	"github.com/3leaps/hpcdash/pkg/slurm"
)

// Error codes carried in HTTPError.Code.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"

	CodeBinaryNotFound    = "BINARY_NOT_FOUND"
	CodeTimeout           = "TIMEOUT"
	CodeCommandFailed     = "COMMAND_FAILED"
	CodeEmptyOutput       = "EMPTY_OUTPUT"
	CodeParseFailure      = "PARSE_FAILURE"
	CodeCacheCorrupt      = "CACHE_CORRUPT"
	CodeDataUnavailable   = "DATA_UNAVAILABLE"
	CodeRefreshInProgress = "REFRESH_IN_PROGRESS"
)

// AppError is an error with an API code and HTTP status.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// New returns an AppError without a cause.
func New(code string, status int, message string) *AppError {
	return &AppError{Code: code, Status: status, Message: message}
}

// NewNotFoundError is used for unknown routes and ids.
func NewNotFoundError(message string) error {
	return New(CodeNotFound, http.StatusNotFound, message)
}

func NewBadRequestError(message string) error {
	return New(CodeBadRequest, http.StatusBadRequest, message)
}

func NewMethodNotAllowedError(message string) error {
	return New(CodeMethodNotAllowed, http.StatusMethodNotAllowed, message)
}

// NewExternalServiceError reports an unreachable dependency.
func NewExternalServiceError(message string) error {
	return New(CodeExternalService, http.StatusServiceUnavailable, message)
}

// WrapInternal wraps err as an internal error carrying the request id
// found in ctx.
func WrapInternal(ctx context.Context, err error, message string) error {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if id := RequestIDFrom(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// Classify maps err to an AppError. Gateway and cache failures keep their
// kind so clients can tell a missing binary from a timeout.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var app *AppError
	if stderrors.As(err, &app) {
		return app
	}
	reason := gateway.Reason(err)
	switch gateway.KindOf(err) {
	case gateway.KindBinaryNotFound:
		return &AppError{Code: CodeBinaryNotFound, Status: http.StatusServiceUnavailable, Message: reason, Err: err}
	case gateway.KindTimeout:
		return &AppError{Code: CodeTimeout, Status: http.StatusGatewayTimeout, Message: reason, Err: err}
	case gateway.KindCommandFailed:
		return &AppError{Code: CodeCommandFailed, Status: http.StatusBadGateway, Message: reason, Err: err}
	case gateway.KindEmptyOutput:
		return &AppError{Code: CodeEmptyOutput, Status: http.StatusBadGateway, Message: reason, Err: err}
	}
	switch {
	case stderrors.Is(err, flight.ErrInProgress):
		return &AppError{Code: CodeRefreshInProgress, Status: http.StatusAccepted, Message: "refresh already in progress", Err: err}
	case stderrors.Is(err, cachestore.ErrCorrupt):
		return &AppError{Code: CodeCacheCorrupt, Status: http.StatusServiceUnavailable, Message: err.Error(), Err: err}
	case stderrors.Is(err, cachestore.ErrEmpty):
		return &AppError{Code: CodeDataUnavailable, Status: http.StatusServiceUnavailable, Message: "data unavailable", Err: err}
	case stderrors.Is(err, slurm.ErrNoPartitions),
		stderrors.Is(err, slurm.ErrNoSeffOutput),
		stderrors.Is(err, quota.ErrNoQuota),
		stderrors.Is(err, modules.ErrNoFamilies):
		return &AppError{Code: CodeParseFailure, Status: http.StatusBadGateway, Message: err.Error(), Err: err}
	case stderrors.Is(err, projects.ErrNoProjects):
		return &AppError{Code: CodeDataUnavailable, Status: http.StatusServiceUnavailable, Message: err.Error(), Err: err}
	case stderrors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: CodeTimeout, Status: http.StatusGatewayTimeout, Message: "request timed out", Err: err}
	}
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
}

// Placeholder is the text shown in place of data that could not be
// produced.
func Placeholder(err error) string {
	return "data unavailable: " + gateway.Reason(err)
}

// HTTPError is the body of an API error.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the API error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// RespondWithError writes err as an error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := Classify(err)
	if app == nil {
		app = New(CodeInternal, http.StatusInternalServerError, "unknown error")
	}
	body := HTTPErrorResponse{Error: HTTPError{
		Code:      app.Code,
		Message:   app.Message,
		RequestID: RequestIDFrom(r.Context()),
		Details:   app.Details,
	}}
	WriteJSON(w, app.Status, body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// WithRequestID stores id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
