package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/SirClappington/authq/internal/config"
	"github.com/SirClappington/authq/internal/domain"
)

func TestHTTPProviderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req apiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a@example.com", req.To)

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"api-1"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{URL: srv.URL, APIKey: "secret", MaxRetries: 3, InitialInterval: time.Millisecond})
	res, err := p.Send(context.Background(), testMsg)
	require.NoError(t, err)
	assert.Equal(t, Result{MessageID: "api-1", Provider: "api"}, res)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPProviderClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad recipient", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{URL: srv.URL, MaxRetries: 3, InitialInterval: time.Millisecond})
	_, err := p.Send(context.Background(), testMsg)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnprocessableEntity, serr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPProviderGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{URL: srv.URL, MaxRetries: 2, InitialInterval: time.Millisecond})
	_, err := p.Send(context.Background(), testMsg)
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

type fakeMailer struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeMailer) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func TestSMTPProviderSend(t *testing.T) {
	m := &fakeMailer{}
	p := newSMTPProvider("smtp", m, "example.com")

	res, err := p.Send(context.Background(), testMsg)
	require.NoError(t, err)
	assert.Equal(t, "smtp", res.Provider)
	assert.Contains(t, res.MessageID, "@example.com")
	require.Len(t, m.sent, 1)
	assert.Equal(t, []string{"hi"}, m.sent[0].GetGenHeader(mail.HeaderSubject))
}

func TestSMTPProviderErrors(t *testing.T) {
	p := newSMTPProvider("smtp", &fakeMailer{err: errors.New("421 try later")}, "")
	_, err := p.Send(context.Background(), testMsg)
	assert.ErrorContains(t, err, "421")

	bad := testMsg
	bad.To = "not an address"
	_, err = newSMTPProvider("smtp", &fakeMailer{}, "").Send(context.Background(), bad)
	assert.ErrorContains(t, err, "to address")
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func TestAMQPProviderPublishes(t *testing.T) {
	ch := &mockChannel{}
	ch.On("Publish", "mail", "outbound", false, false, mock.MatchedBy(func(p amqp.Publishing) bool {
		var m Message
		return json.Unmarshal(p.Body, &m) == nil && m.To == "a@example.com" && p.MessageId != ""
	})).Return(nil).Once()
	ch.On("Close").Return(nil).Once()

	p := newAMQPProvider(ch, "mail", "outbound")
	res, err := p.Send(context.Background(), testMsg)
	require.NoError(t, err)
	assert.Equal(t, "amqp", res.Provider)
	assert.NotEmpty(t, res.MessageID)
	require.NoError(t, p.Close())
	ch.AssertExpectations(t)
}

func TestAMQPProviderPublishError(t *testing.T) {
	ch := &mockChannel{}
	ch.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(amqp.ErrClosed)

	p := newAMQPProvider(ch, "mail", "outbound")
	_, err := p.Send(context.Background(), testMsg)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestNewProvidersKeepsOrder(t *testing.T) {
	ps, closeFn, err := NewProviders(config.MailConfig{
		From:      "Auth <no-reply@auth.example.com>",
		Providers: []string{"api", "smtp"},
		APIURL:    "http://mail.invalid/send",
		SMTPHost:  "smtp.invalid",
		SMTPPort:  2525,
	})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "api", ps[0].Name())
	assert.Equal(t, "smtp", ps[1].Name())
	assert.Equal(t, "auth.example.com", ps[1].(*SMTPProvider).domain)
	assert.NoError(t, closeFn())

	_, _, err = NewProviders(config.MailConfig{Providers: []string{"pigeon"}})
	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
