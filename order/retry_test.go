package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(n int) RetryConfig {
	return RetryConfig{MaxAttempts: n, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	err := Retry(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	}, func(attempt int, _ error) { retried = append(retried, attempt) })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return errors.New("busy")
	}, nil)
	assert.EqualError(t, err, "busy")
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("rejected")
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	}, nil)
	assert.Same(t, sentinel, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 50, BaseDelay: 50 * time.Millisecond}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("busy")
	}, nil)
	assert.EqualError(t, err, "busy")
	assert.Equal(t, 1, calls)

	err = Retry(ctx, fastRetry(3), func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitteredStaysInBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := jittered(100*time.Millisecond, 0.2)
		assert.GreaterOrEqual(t, got, 80*time.Millisecond)
		assert.LessOrEqual(t, got, 120*time.Millisecond)
	}
	assert.Equal(t, time.Second, jittered(time.Second, 0))
}

func TestKeyLocksSerializeSameKey(t *testing.T) {
	k := newKeyLocks()
	unlock := k.lock("momo", "AAPL")

	acquired := make(chan struct{})
	go func() {
		u := k.lock("momo", "AAPL")
		close(acquired)
		u()
	}()

	// 不同键互不阻塞
	other := k.lock("carry", "AAPL")
	other()

	select {
	case <-acquired:
		t.Fatal("same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired lock")
	}
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
