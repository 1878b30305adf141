package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/hpcdash/internal/errors"
	"github.com/3leaps/hpcdash/internal/observability"
)

// RequestLogger logs one line per request and counts it in m. Long-lived
// streams are logged when they end.
func RequestLogger(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, status)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", apperrors.RequestIDFrom(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("Request failed", fields...)
				return
			}
			logger.Debug("Request served", fields...)
		})
	}
}
