package chainclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWithRetry_RetriesOn429ThenSucceeds(t *testing.T) {
	c := &Client{
		limiter:    rate.NewLimiter(rate.Inf, 1),
		maxRetries: 3,
		baseDelay:  time.Millisecond,
		maxDelay:   10 * time.Millisecond,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    make(map[string]*methodMetrics),
	}

	attempts := 0
	err := c.withRetry(context.Background(), "test", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("429 too many requests")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	c := &Client{
		limiter:    rate.NewLimiter(rate.Inf, 1),
		maxRetries: 5,
		baseDelay:  time.Millisecond,
		maxDelay:   10 * time.Millisecond,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    make(map[string]*methodMetrics),
	}

	attempts := 0
	err := c.withRetry(context.Background(), "test", func() error {
		attempts++
		return errors.New("invalid param")
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetry_ExhaustsMaxRetries(t *testing.T) {
	c := &Client{
		limiter:    rate.NewLimiter(rate.Inf, 1),
		maxRetries: 3,
		baseDelay:  time.Millisecond,
		maxDelay:   10 * time.Millisecond,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    make(map[string]*methodMetrics),
	}

	attempts := 0
	err := c.withRetry(context.Background(), "test", func() error {
		attempts++
		return errors.New("429")
	})

	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRateLimiter_BoundsConcurrentCalls(t *testing.T) {
	const rps = 3
	c := &Client{
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: 1,
		baseDelay:  time.Millisecond,
		maxDelay:   time.Millisecond,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    make(map[string]*methodMetrics),
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.withRetry(context.Background(), "test", func() error { return nil })
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, time.Since(start), 3*time.Second-100*time.Millisecond)
}
