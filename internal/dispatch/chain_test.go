package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/authq/internal/domain"
)

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Send(ctx context.Context, msg Message) (Result, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(Result), args.Error(1)
}

func failing(name string, err error) *mockProvider {
	p := &mockProvider{name: name}
	p.On("Send", mock.Anything, mock.Anything).Return(Result{}, err)
	return p
}

func succeeding(name, id string) *mockProvider {
	p := &mockProvider{name: name}
	p.On("Send", mock.Anything, mock.Anything).Return(Result{MessageID: id}, nil)
	return p
}

var testMsg = Message{From: "no-reply@example.com", To: "a@example.com", Subject: "hi", Body: "hello"}

func TestNewChainValidates(t *testing.T) {
	var cfgErr *domain.ConfigurationError

	_, err := NewChain(nil)
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewChain([]Provider{succeeding("a", "1"), succeeding("a", "2")})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewChain([]Provider{nil})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFailoverToSecondProvider(t *testing.T) {
	a := failing("A", errors.New("timeout"))
	b := succeeding("B", "m1")
	core, logs := observer.New(zap.WarnLevel)

	c, err := NewChain([]Provider{a, b}, WithLogger(zap.New(core)))
	require.NoError(t, err)

	res, err := c.SendWithFailover(context.Background(), testMsg)
	require.NoError(t, err)
	assert.Equal(t, Result{MessageID: "m1", Provider: "B"}, res)

	a.AssertNumberOfCalls(t, "Send", 1)
	b.AssertNumberOfCalls(t, "Send", 1)
	require.Equal(t, 1, logs.FilterMessage("provider failed").Len())
	assert.Equal(t, "A", logs.All()[0].ContextMap()["provider"])
}

func TestFirstKFailuresAreReportedInOrder(t *testing.T) {
	for k := 0; k < 3; k++ {
		providers := make([]Provider, 0, k+1)
		for i := 0; i < k; i++ {
			providers = append(providers, failing(string(rune('a'+i)), errors.New("down")))
		}
		providers = append(providers, succeeding("ok", "id"))

		c, err := NewChain(providers)
		require.NoError(t, err)
		res, err := c.SendWithFailover(context.Background(), testMsg)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Provider)
	}
}

func TestAllProvidersFailed(t *testing.T) {
	errA := errors.New("timeout")
	errB := errors.New("rejected")
	c, err := NewChain([]Provider{failing("A", errA), failing("B", errB)})
	require.NoError(t, err)

	_, err = c.SendWithFailover(context.Background(), testMsg)
	var all *domain.AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Attempts, 2)
	assert.Equal(t, "A", all.Attempts[0].Provider)
	assert.Equal(t, "B", all.Attempts[1].Provider)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, "all providers failed: A: timeout; B: rejected", err.Error())
}

func TestPreferredProviderGoesFirst(t *testing.T) {
	a := succeeding("A", "from-a")
	b := succeeding("B", "from-b")
	c, err := NewChain([]Provider{a, b})
	require.NoError(t, err)

	res, err := c.SendWithFailover(context.Background(), testMsg, WithPreferredProvider("B"))
	require.NoError(t, err)
	assert.Equal(t, "B", res.Provider)
	a.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)

	res, err = c.SendWithFailover(context.Background(), testMsg, WithPreferredProvider("missing"))
	require.NoError(t, err)
	assert.Equal(t, "A", res.Provider)
	assert.Equal(t, []string{"A", "B"}, c.Providers())
}

func TestCancelledContextStopsFailover(t *testing.T) {
	a := failing("A", errors.New("down"))
	b := succeeding("B", "m1")
	c, err := NewChain([]Provider{a, b})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.SendWithFailover(ctx, testMsg)
	assert.ErrorIs(t, err, context.Canceled)
	a.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}
