package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/authq/internal/domain"
	"github.com/SirClappington/authq/internal/queue"
)

type welcome struct {
	To string `json:"to" validate:"required,email"`
}

func newTestAPI(t *testing.T) (http.Handler, *queue.RedisQ) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := queue.New(rdb, "test")

	p, err := queue.NewProducer(store, queue.ProducerOptions{Queue: "email", DeadLetterQueue: "email-dlq"})
	require.NoError(t, err)
	p.RegisterSchema("welcome", queue.StructSchema[welcome](nil))
	return NewAPI(zaptest.NewLogger(t), p), store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(CorrelationHeader, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAddJob(t *testing.T) {
	h, store := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/queues/email/jobs",
		`{"type":"welcome","data":{"to":"a@example.com"},"dedupId":"u1","attempts":5,"backoff":{"type":"fixed","delayMs":250}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "req-1", rec.Header().Get(CorrelationHeader))

	var v jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, domain.Waiting, v.State)
	assert.Equal(t, 5, v.MaxAttempts)

	job, err := store.Dequeue(context.Background(), "email", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, v.ID, job.ID)
	assert.Equal(t, domain.Backoff{Type: domain.BackoffFixed, Delay: 250 * time.Millisecond}, job.Backoff)

	rec = do(t, h, http.MethodPost, "/v1/queues/email/jobs", `{"type":"welcome","data":{"to":"a@example.com"},"dedupId":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Duplicate)
}

func TestAddJobRejectsInvalidPayload(t *testing.T) {
	h, store := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/queues/email/jobs", `{"type":"welcome","data":{"to":"nope"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_job", body["error"].Code)
	assert.Equal(t, "req-1", body["error"].CorrelationID)
	assert.NotNil(t, body["error"].Fields)

	for _, payload := range []string{
		`{"data":{}}`,
		`{"type":"welcome","bogus":1}`,
		`{"type":"welcome","backoff":{"type":"linear"}}`,
		`not json`,
	} {
		rec = do(t, h, http.MethodPost, "/v1/queues/email/jobs", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
	}

	counts, err := store.Counts(context.Background(), "email")
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
}

func TestUnknownQueue(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := do(t, h, http.MethodGet, "/v1/queues/sms/counts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountsAndDeadLetters(t *testing.T) {
	h, store := newTestAPI(t)
	ctx := context.Background()

	rec := do(t, h, http.MethodPost, "/v1/queues/email/jobs", `{"type":"welcome","data":{"to":"a@example.com"},"delayMs":60000}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/queues/email/counts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var c domain.Counts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.EqualValues(t, 1, c.Delayed)

	rec = do(t, h, http.MethodGet, "/v1/queues/email/dead-letters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/queues/email/dead-letters/replay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.PushDeadLetter(ctx, "email-dlq", domain.DeadLetter{
		Name: "welcome", Data: json.RawMessage(`{"to":"b@example.com"}`), Queue: "email", JobID: "old",
	}))

	rec = do(t, h, http.MethodGet, "/v1/queues/email/dead-letters?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dl []domain.DeadLetter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dl))
	require.Len(t, dl, 1)
	assert.Equal(t, "old", dl[0].JobID)

	rec = do(t, h, http.MethodGet, "/v1/queues/email/dead-letters?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/queues/email/dead-letters/replay", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var v jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "welcome", v.Type)
	assert.NotEqual(t, "old", v.ID)
}

type downStore struct{ queue.Store }

func (downStore) Enqueue(context.Context, *domain.Job) (string, bool, error) {
	return "", false, &domain.QueueUnavailableError{Queue: "email", Op: "enqueue", Err: errors.New("circuit open")}
}

func TestAddJobQueueUnavailable(t *testing.T) {
	p, err := queue.NewProducer(downStore{}, queue.ProducerOptions{Queue: "email"})
	require.NoError(t, err)
	h := NewAPI(nil, p)

	rec := do(t, h, http.MethodPost, "/v1/queues/email/jobs", `{"type":"welcome"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}
