package middleware

import (
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestMiddleware attaches request scoped values and logs requests with zap
type RequestMiddleware struct {
	logger *zap.Logger
}

// NewRequestMiddleware creates a new RequestMiddleware
func NewRequestMiddleware(logger *zap.Logger) *RequestMiddleware {
	return &RequestMiddleware{logger: logger}
}

// Context copies the chi request ID and the X-Actor header into the request context.
// It must run after chi's RequestID middleware.
func (m *RequestMiddleware) Context(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := chimw.GetReqID(ctx); id != "" {
			ctx = WithRequestID(ctx, id)
			w.Header().Set("X-Request-ID", id)
		}
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			ctx = WithActor(ctx, actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger writes one structured line per request
func (m *RequestMiddleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("request_id", GetRequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case status >= 500:
			m.logger.Error("request failed", fields...)
		case status >= 400:
			m.logger.Warn("request rejected", fields...)
		default:
			m.logger.Info("request completed", fields...)
		}
	})
}
