package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/authq/internal/breaker"
	"github.com/SirClappington/authq/internal/cache"
	"github.com/SirClappington/authq/internal/dispatch"
	"github.com/SirClappington/authq/internal/domain"
)

type mockSender struct{ mock.Mock }

func (m *mockSender) SendWithFailover(ctx context.Context, msg dispatch.Message, opts ...dispatch.SendOption) (dispatch.Result, error) {
	args := m.Called(ctx, msg, len(opts))
	return args.Get(0).(dispatch.Result), args.Error(1)
}

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	cb, err := breaker.New(breaker.Options{Name: "cache"})
	require.NoError(t, err)
	t.Cleanup(cb.Close)
	return cache.New(r.NewClient(&r.Options{Addr: mr.Addr()}), cb, cache.Options{})
}

func emailJob(t *testing.T, id string, p EmailPayload) *domain.Job {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &domain.Job{ID: id, Type: TypeSendEmail, Data: data}
}

func TestSendEmailIsIdempotent(t *testing.T) {
	s := &mockSender{}
	s.On("SendWithFailover", mock.Anything, dispatch.Message{
		From: "no-reply@example.com", To: "a@example.com", Subject: "hi", Body: "hello",
	}, 0).Return(dispatch.Result{MessageID: "m1", Provider: "smtp"}, nil).Once()

	c := newTestCache(t)
	h, err := NewSendEmail(s, c, nil, EmailOptions{From: "no-reply@example.com"})
	require.NoError(t, err)

	job := emailJob(t, "j1", EmailPayload{To: "a@example.com", Subject: "hi", Body: "hello"})
	require.NoError(t, h.Handle(context.Background(), job))
	require.NoError(t, h.Handle(context.Background(), job))
	s.AssertExpectations(t)

	v, ok, err := c.Get(context.Background(), "email:sent:j1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "m1", v)
}

func TestSendEmailPassesPreferredProvider(t *testing.T) {
	s := &mockSender{}
	s.On("SendWithFailover", mock.Anything, mock.Anything, 1).Return(dispatch.Result{MessageID: "m2", Provider: "api"}, nil)

	h, err := NewSendEmail(s, nil, nil, EmailOptions{From: "no-reply@example.com"})
	require.NoError(t, err)
	job := emailJob(t, "j2", EmailPayload{To: "a@example.com", Subject: "hi", Body: "x", Provider: "api"})
	require.NoError(t, h.Handle(context.Background(), job))
	s.AssertExpectations(t)
}

func TestSendEmailRateLimited(t *testing.T) {
	s := &mockSender{}
	s.On("SendWithFailover", mock.Anything, mock.Anything, 0).Return(dispatch.Result{MessageID: "m", Provider: "smtp"}, nil)

	c := newTestCache(t)
	h, err := NewSendEmail(s, c, cache.NewRateLimiter(c, "email:rl", 1, time.Hour), EmailOptions{})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), emailJob(t, "j1", EmailPayload{To: "a@example.com", Subject: "s", Body: "b"})))
	err = h.Handle(context.Background(), emailJob(t, "j2", EmailPayload{To: "a@example.com", Subject: "s", Body: "b"}))
	assert.ErrorIs(t, err, ErrRateLimited)
	s.AssertNumberOfCalls(t, "SendWithFailover", 1)
}

func TestSendEmailPropagatesDispatchFailure(t *testing.T) {
	all := &domain.AllProvidersFailedError{Attempts: []domain.ProviderFailure{{Provider: "smtp", Err: errors.New("down")}}}
	s := &mockSender{}
	s.On("SendWithFailover", mock.Anything, mock.Anything, 0).Return(dispatch.Result{}, all)

	h, err := NewSendEmail(s, nil, nil, EmailOptions{})
	require.NoError(t, err)
	err = h.Handle(context.Background(), emailJob(t, "j1", EmailPayload{To: "a@example.com", Subject: "s", Body: "b"}))
	var target *domain.AllProvidersFailedError
	assert.ErrorAs(t, err, &target)
}

func TestSendEmailRejectsBadPayload(t *testing.T) {
	h, err := NewSendEmail(&mockSender{}, nil, nil, EmailOptions{})
	require.NoError(t, err)
	err = h.Handle(context.Background(), &domain.Job{ID: "j", Data: json.RawMessage(`{"to":"nope"}`)})
	assert.ErrorContains(t, err, "invalid payload")
}

func TestNewSendEmailRequiresSender(t *testing.T) {
	_, err := NewSendEmail(nil, nil, nil, EmailOptions{})
	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestEmailSchema(t *testing.T) {
	schema := EmailSchema()
	assert.NoError(t, schema([]byte(`{"to":"a@example.com","subject":"s","body":"b"}`)))

	err := schema([]byte(`{"to":"nope","subject":"s"}`))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 2)
}
