package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const CorrelationHeader = "X-Correlation-ID"

type ctxKey struct{}

// CorrelationID returns the request's correlation id, or "" outside a request.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// correlate propagates or assigns X-Correlation-ID and logs the request.
func correlate(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := req.Header.Get(CorrelationHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(CorrelationHeader, id)

			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req.WithContext(context.WithValue(req.Context(), ctxKey{}, id)))

			log.Debug("request",
				zap.String("method", req.Method),
				zap.String("route", chi.RouteContext(req.Context()).RoutePattern()),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlation_id", id),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Fields        any    `json:"fields,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func writeError(w http.ResponseWriter, req *http.Request, status int, code, msg string, fields any) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:          code,
		Message:       msg,
		Fields:        fields,
		CorrelationID: CorrelationID(req.Context()),
	}})
}
