// Package refreshq spreads burst-triggered per-entity refresh calls
// over time so the transport's rate limit is respected.
package refreshq

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimited classifies a retryable rate-limit failure. Fetchers
// wrap it so the queue can tell retryable from permanent failures.
var ErrRateLimited = errors.New("rate limited")

// Fetcher performs the external per-entity refresh. On success it is
// expected to have patched the corresponding record in place.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) error
}

type entry struct {
	identifier string
	attempt    int
}

// Queue is a sequential retry queue with linear backoff. Exactly one
// drain worker runs at a time; Enqueue during an active drain simply
// extends the work the current or next run consumes.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	queued  map[string]bool
	active  bool

	fetcher Fetcher
	logger  *zap.Logger

	baseDelay    time.Duration
	stepDelay    time.Duration
	cooldown     time.Duration
	retryCeiling int
}

// New creates a queue with the default pacing: 2s before each fetch
// plus 3s per prior attempt, up to 3 retries, 10s cooldown between
// drain rounds that produced retries.
func New(fetcher Fetcher, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		queued:       make(map[string]bool),
		fetcher:      fetcher,
		logger:       logger,
		baseDelay:    2 * time.Second,
		stepDelay:    3 * time.Second,
		cooldown:     10 * time.Second,
		retryCeiling: 3,
	}
}

// Enqueue appends a refresh entry for identifier unless one is already
// pending. Safe to call while a drain is active.
func (q *Queue) Enqueue(identifier string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[identifier] {
		return
	}
	q.queued[identifier] = true
	q.entries = append(q.entries, entry{identifier: identifier})
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain processes the queue in FIFO order until it is empty or ctx is
// canceled. Re-entrant calls while a drain is active are no-ops.
//
// Each round consumes the entries present when the round started;
// rate-limited entries are re-enqueued for the next round, which runs
// after a cooldown rather than looping tightly.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.active = false
		q.mu.Unlock()
	}()

	for {
		retried := q.drainRound(ctx)
		if ctx.Err() != nil {
			return
		}
		if !retried {
			return
		}
		select {
		case <-time.After(q.cooldown):
		case <-ctx.Done():
			return
		}
	}
}

// drainRound pops the entries present at round start and reports
// whether any were re-enqueued for retry.
func (q *Queue) drainRound(ctx context.Context) bool {
	q.mu.Lock()
	n := len(q.entries)
	q.mu.Unlock()

	retried := false
	for i := 0; i < n; i++ {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			break
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		delete(q.queued, e.identifier)
		q.mu.Unlock()

		// Pace each fetch to smooth load on the transport.
		wait := q.baseDelay + time.Duration(e.attempt)*q.stepDelay
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return retried
		}

		err := q.fetcher.Fetch(ctx, e.identifier)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrRateLimited) && e.attempt < q.retryCeiling {
			q.logger.Info("refresh rate limited, requeueing",
				zap.String("identifier", e.identifier),
				zap.Int("attempt", e.attempt+1))
			q.mu.Lock()
			if !q.queued[e.identifier] {
				q.queued[e.identifier] = true
				q.entries = append(q.entries, entry{identifier: e.identifier, attempt: e.attempt + 1})
				retried = true
			}
			q.mu.Unlock()
			continue
		}
		q.logger.Warn("refresh dropped",
			zap.String("identifier", e.identifier),
			zap.Int("attempt", e.attempt),
			zap.Error(err))
	}
	return retried
}
