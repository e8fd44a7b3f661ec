package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/SirClappington/authq/internal/domain"
	"github.com/SirClappington/authq/internal/logging"
	"github.com/SirClappington/authq/internal/queue"
)

const maxBody = 1 << 20

type addJobRequest struct {
	Type     string          `json:"type" validate:"required"`
	Data     json.RawMessage `json:"data"`
	JobID    string          `json:"jobId,omitempty"`
	DedupID  string          `json:"dedupId,omitempty"`
	Attempts int             `json:"attempts,omitempty" validate:"gte=0"`
	DelayMs  int64           `json:"delayMs,omitempty" validate:"gte=0"`
	Priority int             `json:"priority,omitempty"`
	Backoff  *struct {
		Type    domain.BackoffType `json:"type" validate:"oneof=exponential fixed"`
		DelayMs int64              `json:"delayMs" validate:"gte=0"`
	} `json:"backoff,omitempty"`
}

func (a addJobRequest) options() []queue.JobOption {
	var opts []queue.JobOption
	if a.JobID != "" {
		opts = append(opts, queue.WithJobID(a.JobID))
	}
	if a.DedupID != "" {
		opts = append(opts, queue.WithDedupID(a.DedupID))
	}
	if a.Attempts > 0 {
		opts = append(opts, queue.WithAttempts(a.Attempts))
	}
	if a.DelayMs > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(a.DelayMs)*time.Millisecond))
	}
	if a.Priority != 0 {
		opts = append(opts, queue.WithPriority(a.Priority))
	}
	if a.Backoff != nil {
		opts = append(opts, queue.WithBackoff(domain.Backoff{
			Type:  a.Backoff.Type,
			Delay: time.Duration(a.Backoff.DelayMs) * time.Millisecond,
		}))
	}
	return opts
}

type jobView struct {
	ID          string       `json:"id"`
	Queue       string       `json:"queue"`
	Type        string       `json:"type"`
	State       domain.State `json:"state"`
	MaxAttempts int          `json:"maxAttempts"`
	Priority    int          `json:"priority"`
	Duplicate   bool         `json:"duplicate,omitempty"`
}

func viewOf(j *domain.Job) jobView {
	return jobView{
		ID:          j.ID,
		Queue:       j.Queue,
		Type:        j.Type,
		State:       j.State,
		MaxAttempts: j.MaxAttempts,
		Priority:    j.Priority,
		Duplicate:   j.Duplicate,
	}
}

type api struct {
	producers map[string]*queue.Producer
	log       *zap.Logger
	v         *validator.Validate
}

// NewAPI serves enqueue and queue introspection for each producer's queue:
//
//	POST /v1/queues/{queue}/jobs
//	GET  /v1/queues/{queue}/counts
//	GET  /v1/queues/{queue}/dead-letters?limit=N
//	POST /v1/queues/{queue}/dead-letters/replay
func NewAPI(log *zap.Logger, producers ...*queue.Producer) http.Handler {
	a := &api{
		producers: make(map[string]*queue.Producer, len(producers)),
		log:       logging.OrNop(log).Named("api"),
		v:         validator.New(),
	}
	for _, p := range producers {
		a.producers[p.Queue()] = p
	}

	rtr := chi.NewRouter()
	rtr.Use(middleware.Recoverer)
	rtr.Use(correlate(a.log))
	rtr.Route("/v1/queues/{queue}", func(q chi.Router) {
		q.Post("/jobs", a.addJob)
		q.Get("/counts", a.counts)
		q.Get("/dead-letters", a.deadLetters)
		q.Post("/dead-letters/replay", a.replay)
	})
	return rtr
}

func (a *api) producer(w http.ResponseWriter, req *http.Request) *queue.Producer {
	name := chi.URLParam(req, "queue")
	p, ok := a.producers[name]
	if !ok {
		writeError(w, req, http.StatusNotFound, "unknown_queue", "no such queue: "+name, nil)
	}
	return p
}

func (a *api) addJob(w http.ResponseWriter, req *http.Request) {
	p := a.producer(w, req)
	if p == nil {
		return
	}
	var body addJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, req, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if err := a.v.Struct(body); err != nil {
		writeError(w, req, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	job, err := p.AddJob(req.Context(), body.Type, body.Data, body.options()...)
	if err != nil {
		a.fail(w, req, err)
		return
	}
	status := http.StatusCreated
	if job.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, viewOf(job))
}

func (a *api) counts(w http.ResponseWriter, req *http.Request) {
	p := a.producer(w, req)
	if p == nil {
		return
	}
	c, err := p.Counts(req.Context())
	if err != nil {
		a.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) deadLetters(w http.ResponseWriter, req *http.Request) {
	p := a.producer(w, req)
	if p == nil {
		return
	}
	limit := int64(50)
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, req, http.StatusBadRequest, "bad_request", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	dl, err := p.DeadLetters(req.Context(), limit)
	if err != nil {
		a.fail(w, req, err)
		return
	}
	if dl == nil {
		dl = []domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dl)
}

func (a *api) replay(w http.ResponseWriter, req *http.Request) {
	p := a.producer(w, req)
	if p == nil {
		return
	}
	job, err := p.ReplayDeadLetter(req.Context())
	if err != nil {
		a.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(job))
}

func (a *api) fail(w http.ResponseWriter, req *http.Request, err error) {
	var (
		verr  *domain.ValidationError
		unavl *domain.QueueUnavailableError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, req, http.StatusBadRequest, "invalid_job", err.Error(), verr.Fields)
	case errors.As(err, &unavl):
		w.Header().Set("Retry-After", "5")
		writeError(w, req, http.StatusServiceUnavailable, "queue_unavailable", err.Error(), nil)
	case errors.Is(err, queue.ErrNoDeadLetters):
		writeError(w, req, http.StatusNotFound, "no_dead_letters", err.Error(), nil)
	default:
		a.log.Error("request failed",
			zap.String("path", req.URL.Path),
			zap.String("correlation_id", CorrelationID(req.Context())),
			zap.Error(err),
		)
		writeError(w, req, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
