// Package checkpoint persists per-program signature windows in a shared KV
// store (Redis), coalescing writes so that no more than one persistence call
// happens per second per program.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Boundary is one edge of a signature window.
type Boundary struct {
	Signature string `json:"signature"`
	BlockTime int64  `json:"blockTime"`
}

// Window is the inclusive [from, to] signature range a program has indexed.
type Window struct {
	From Boundary `json:"from"`
	To   Boundary `json:"to"`
}

const keyPrefix = "indexer:checkpoint:"

// Store is the CheckpointStore capability set: get, set, close.
type Store struct {
	client *redis.Client

	mu          sync.Mutex
	pending     map[string]Window
	lastFlush   map[string]time.Time
	flushPeriod time.Duration
}

func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	return &Store{
		client:      redis.NewClient(opts),
		pending:     make(map[string]Window),
		lastFlush:   make(map[string]time.Time),
		flushPeriod: time.Second,
	}, nil
}

func key(program string) string {
	return keyPrefix + program
}

// Get returns the most recent window for program, or (Window{}, false) if
// absent or unparseable (treated as a fresh start per the checkpoint
// corruption policy). A window held in the coalescing buffer but not yet
// flushed to Redis is still visible here, so callers that Set and
// immediately Get within the same coalescing period observe their own
// write instead of stale persisted state.
func (s *Store) Get(ctx context.Context, program string) (Window, bool, error) {
	s.mu.Lock()
	if w, ok := s.pending[program]; ok {
		s.mu.Unlock()
		return w, true, nil
	}
	s.mu.Unlock()

	raw, err := s.client.Get(ctx, key(program)).Result()
	if err == redis.Nil {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, fmt.Errorf("get checkpoint %s: %w", program, err)
	}

	var w Window
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Window{}, false, nil
	}
	return w, true, nil
}

// Set coalesces persistence so at most one write per second per program
// actually reaches the store; the most recent window always wins.
func (s *Store) Set(ctx context.Context, program string, w Window) error {
	now := time.Now()

	s.mu.Lock()
	s.pending[program] = w
	last, seen := s.lastFlush[program]
	due := shouldFlush(seen, last, now, s.flushPeriod)
	if due {
		s.lastFlush[program] = now
	}
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.flush(ctx, program)
}

// shouldFlush reports whether a pending write is due to be persisted, given
// the last flush time for this program (if any seen before) and the
// coalescing period. The first write for a program is always due.
func shouldFlush(seenBefore bool, last, now time.Time, period time.Duration) bool {
	return !seenBefore || now.Sub(last) >= period
}

func (s *Store) flush(ctx context.Context, program string) error {
	s.mu.Lock()
	w, ok := s.pending[program]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", program, err)
	}
	if err := s.client.Set(ctx, key(program), body, 0).Err(); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", program, err)
	}
	return nil
}

// Close flushes any coalesced pending writes and closes the underlying
// client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	programs := make([]string, 0, len(s.pending))
	for program := range s.pending {
		programs = append(programs, program)
	}
	s.mu.Unlock()

	for _, program := range programs {
		if err := s.flush(ctx, program); err != nil {
			return err
		}
	}
	return s.client.Close()
}
