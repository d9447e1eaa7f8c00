// Package middleware holds the HTTP middleware of the public API.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/pkg/constant"
	"github.com/instill-ai/extraction-backend/pkg/logger"
)

// RequestLogger logs every served request with its status and duration.
// It must run after middleware.RequestID.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logger, _ := logger.GetZapLogger(r.Context())
		fields := []zap.Field{
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		}
		if taskID := ww.Header().Get(constant.HeaderTaskID); taskID != "" {
			fields = append(fields, zap.String("task_id", taskID))
		}
		logger.Info("Request served", fields...)
	})
}

// Deadline bounds the request context by d. Unlike middleware.Timeout it
// never writes a response, the handler answers the expired deadline itself.
func Deadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
