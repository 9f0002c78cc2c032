package aiclient

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reportly/curator/internal/resilience"
)

// MockClient is a testify mock of Client, shared by this package's tests.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func TestTokenUsage_Total(t *testing.T) {
	u := TokenUsage{InputTokens: 1200, OutputTokens: 300, CacheReadInputTokens: 800}
	assert.Equal(t, 1500, u.Total())
}

func TestProviderError_Unwraps(t *testing.T) {
	inner := eris.New("connection refused")
	err := &ProviderError{Op: "create message", Err: inner}

	assert.True(t, IsProviderError(err))
	assert.False(t, IsProviderError(inner))
	assert.Contains(t, err.Error(), "create message")
}

func TestNewClient_RetryLoggerSetAtConstruction(t *testing.T) {
	// The retry policy is shared by concurrent CreateMessage calls, so the
	// OnRetry hook has to be in place before the client is handed out.
	c, ok := NewClient("key").(*sdkClient)
	require.True(t, ok)
	assert.NotNil(t, c.retry.OnRetry)
}

func TestNewClient_CustomRetryHookKept(t *testing.T) {
	var called bool
	p := resilience.DefaultPolicy()
	p.OnRetry = func(int, error) { called = true }

	c, ok := NewClient("key", WithRetryPolicy(p)).(*sdkClient)
	require.True(t, ok)
	c.retry.OnRetry(1, nil)
	assert.True(t, called)
}

func TestMockClient_RoundTrip(t *testing.T) {
	mc := new(MockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(&MessageResponse{
		ID:    "msg_1",
		Text:  `{"ok":true}`,
		Usage: TokenUsage{InputTokens: 10, OutputTokens: 5},
	}, nil)

	resp, err := mc.CreateMessage(context.Background(), MessageRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, 15, resp.Usage.Total())
	mc.AssertExpectations(t)
}
