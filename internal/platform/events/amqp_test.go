package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfirm struct {
	ack     bool
	pending bool
}

func (c stubConfirm) WaitContext(ctx context.Context) (bool, error) {
	if c.pending {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return c.ack, nil
}

func TestAwaitConfirm(t *testing.T) {
	require.NoError(t, awaitConfirm(context.Background(), "claim.paid", stubConfirm{ack: true}))

	err := awaitConfirm(context.Background(), "claim.paid", stubConfirm{ack: false})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nacked")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = awaitConfirm(ctx, "claim.paid", stubConfirm{pending: true})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	// An abandoned confirmation does not affect the next one.
	require.NoError(t, awaitConfirm(context.Background(), "claim.paid", stubConfirm{ack: true}))
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, reconnectDelay(i+1), "attempt %d", i+1)
	}
}
