// Package middleware holds the HTTP middleware chain: request IDs, panic
// recovery and request logging. It also renders classified errors as
// gofulmen error envelopes.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/hpcdash/internal/errors"
)

// ErrorResponse is the JSON body written for recovered panics.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

var logger = zap.NewNop()

// SetLogger sets the logger used by every middleware in this package.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Recovery turns a panic into a 500 with an INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := apperrors.RequestIDFrom(r.Context())
			logger.Error("Panic recovered",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			status := http.StatusInternalServerError
			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if err, ok := rec.(error); ok {
				if app := apperrors.Classify(err); app.Code != apperrors.CodeInternal {
					status = app.Status
					envelope = envelopeFor(app)
				}
			}
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			writeEnvelope(w, envelope, status, requestID)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias of Recovery kept for router setups that name
// it explicitly.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// WriteError classifies err and writes it as an error envelope. It is the
// HTTP error responder installed by the serve command.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	app := apperrors.Classify(err)
	if app == nil {
		app = apperrors.New(apperrors.CodeInternal, http.StatusInternalServerError, "unknown error")
	}
	writeEnvelope(w, envelopeFor(app), app.Status, apperrors.RequestIDFrom(r.Context()))
}

func envelopeFor(app *apperrors.AppError) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope(app.Code, app.Message)
	if len(app.Details) > 0 {
		if withContext, err := envelope.WithContext(app.Details); err == nil {
			envelope = withContext
		}
	}
	return envelope
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	writeEnvelope(w, envelope, status, "")
}

// writeEnvelope renders envelope in the API error shape. The envelope's
// context becomes Details and its correlation id the request id unless
// requestID is given.
func writeEnvelope(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int, requestID string) {
	detail := ErrorDetail{Code: apperrors.CodeInternal, Message: http.StatusText(status), RequestID: requestID}
	if envelope != nil {
		var fields struct {
			Code          string         `json:"code"`
			Message       string         `json:"message"`
			Context       map[string]any `json:"context"`
			Details       map[string]any `json:"details"`
			CorrelationID string         `json:"correlation_id"`
		}
		if b, err := json.Marshal(envelope); err == nil && json.Unmarshal(b, &fields) == nil {
			if fields.Code != "" {
				detail.Code = fields.Code
			}
			if fields.Message != "" {
				detail.Message = fields.Message
			}
			detail.Details = fields.Context
			if len(detail.Details) == 0 {
				detail.Details = fields.Details
			}
			if detail.RequestID == "" {
				detail.RequestID = fields.CorrelationID
			}
		}
	}
	apperrors.WriteJSON(w, status, ErrorResponse{Error: detail})
}
