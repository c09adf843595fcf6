package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketLimiterBurstThenWait(t *testing.T) {
	l := NewTokenBucketLimiter(50, 2)
	ctx := context.Background()
	start := time.Now()
	assert.NoError(t, l.Wait(ctx))
	assert.NoError(t, l.Wait(ctx))
	assert.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenBucketLimiterContextCancel(t *testing.T) {
	l := NewTokenBucketLimiter(0.1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.Wait(ctx))
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
