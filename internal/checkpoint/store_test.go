package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldFlush_FirstWriteAlwaysDue(t *testing.T) {
	now := time.Now()
	require.True(t, shouldFlush(false, time.Time{}, now, time.Second))
}

func TestShouldFlush_CoalescesWithinPeriod(t *testing.T) {
	last := time.Now()
	require.False(t, shouldFlush(true, last, last.Add(500*time.Millisecond), time.Second))
	require.True(t, shouldFlush(true, last, last.Add(time.Second), time.Second))
	require.True(t, shouldFlush(true, last, last.Add(2*time.Second), time.Second))
}

func TestGet_ReturnsCoalescedPendingWriteWithoutTouchingRedis(t *testing.T) {
	s := &Store{
		pending:     map[string]Window{"prog": {From: Boundary{Signature: "A"}, To: Boundary{Signature: "B"}}},
		lastFlush:   make(map[string]time.Time),
		flushPeriod: time.Second,
	}

	w, ok, err := s.Get(context.Background(), "prog")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", w.From.Signature)
	require.Equal(t, "B", w.To.Signature)
}

func TestWindowJSONRoundTrip(t *testing.T) {
	w := Window{
		From: Boundary{Signature: "A", BlockTime: 100},
		To:   Boundary{Signature: "B", BlockTime: 200},
	}
	body, err := json.Marshal(w)
	require.NoError(t, err)

	var got Window
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, int64(100), got.From.BlockTime)
	require.Equal(t, int64(200), got.To.BlockTime)
}
