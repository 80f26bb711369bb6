package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	maxDelay := 10 * time.Second

	assert.Equal(t, 500*time.Millisecond, backoffDelay(base, 1.5, maxDelay, 0))
	assert.Equal(t, 750*time.Millisecond, backoffDelay(base, 1.5, maxDelay, 1))
	assert.Equal(t, 1125*time.Millisecond, backoffDelay(base, 1.5, maxDelay, 2))

	// Growth is capped.
	assert.Equal(t, maxDelay, backoffDelay(base, 1.5, maxDelay, 50))
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(Options{URL: "ws://example.invalid/translation"}, zap.NewNop())

	assert.Equal(t, 10*time.Second, c.opts.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, c.opts.BackoffBase)
	assert.Equal(t, 1.5, c.opts.BackoffGrowth)
	assert.Equal(t, 10*time.Second, c.opts.BackoffCap)
	assert.Equal(t, 5, c.opts.MaxAttempts)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	c := New(Options{
		// Nothing listens on port 1.
		URL:         "ws://127.0.0.1:1/translation",
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		MaxAttempts: 3,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxAttemptsReached)
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://example.invalid/translation"}, zap.NewNop())
	assert.Error(t, c.Send("heartbeat", nil))
}

func TestCloseStopsRun(t *testing.T) {
	c := New(Options{
		URL:         "ws://127.0.0.1:1/translation",
		BackoffBase: 50 * time.Millisecond,
		BackoffCap:  time.Second,
		MaxAttempts: 1000,
	}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}
