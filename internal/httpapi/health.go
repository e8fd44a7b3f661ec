package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/worker"
)

// Monitor is the orchestrator surface the health server reads.
type Monitor interface {
	Health(ctx context.Context) worker.OrchestratorHealth
	Metrics() worker.OrchestratorMetrics
}

// NewHealth serves GET /health (503 when unhealthy) and GET /metrics/queues.
func NewHealth(m Monitor, log *zap.Logger) http.Handler {
	log = logging.OrNop(log).Named("health")
	rtr := chi.NewRouter()
	rtr.Use(middleware.Recoverer)
	rtr.Use(correlate(log))
	rtr.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		h := m.Health(ctx)
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	rtr.Get("/metrics/queues", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, m.Metrics())
	})
	return rtr
}
