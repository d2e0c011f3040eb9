package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrRateLimitTimeout is returned when a slot could not be acquired before the wait timeout.
var ErrRateLimitTimeout = errors.New("rate limit timeout")

// ErrUnknownAgent is returned when acquiring a slot for an agent that was never registered.
var ErrUnknownAgent = errors.New("no rate limit registered for agent")

// agentSlots is the counting semaphore for a single agent.
type agentSlots struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
}

// Limiter bounds concurrent executions per agent.
// Uses a keyed semaphore pattern: each agent gets its own semaphore sized to its
// concurrency limit, so a saturated agent never blocks work routed to another.
type Limiter struct {
	mu    sync.RWMutex // Guards the slots map itself
	slots map[string]*agentSlots
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		slots: make(map[string]*agentSlots),
	}
}

// Register creates the semaphore for an agent. Each agent can be registered once.
func (l *Limiter) Register(agentName string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("concurrency limit for %q must be at least 1, got %d", agentName, limit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.slots[agentName]; exists {
		return fmt.Errorf("rate limit for %q already registered", agentName)
	}
	l.slots[agentName] = &agentSlots{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}
	return nil
}

// Acquire waits for a free slot for agentName.
// A timeout <= 0 waits until ctx is done. When the timeout elapses first the
// error wraps ErrRateLimitTimeout; cancellation of ctx returns ctx's error.
func (l *Limiter) Acquire(ctx context.Context, agentName string, timeout time.Duration) error {
	s, err := l.get(agentName)
	if err != nil {
		return err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		// Parent context takes precedence: the caller gave up, not the limiter
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: agent %q saturated (%d slots) after %s", ErrRateLimitTimeout, agentName, s.limit, timeout)
	}

	// inFlight is only for reporting; the semaphore enforces the limit
	s.inFlight.Add(1)
	return nil
}

// Release frees a slot previously obtained with Acquire.
func (l *Limiter) Release(agentName string) {
	// Releasing an unknown agent is a no-op
	s, err := l.get(agentName)
	if err != nil {
		return
	}
	s.inFlight.Add(-1)
	s.sem.Release(1)
}

// Do runs fn while holding a slot for agentName. The slot is released on every
// exit path of fn, including panics.
func (l *Limiter) Do(ctx context.Context, agentName string, timeout time.Duration, fn func() error) error {
	if err := l.Acquire(ctx, agentName, timeout); err != nil {
		return err
	}
	defer l.Release(agentName)
	return fn()
}

// InFlight returns the number of slots currently held for agentName.
func (l *Limiter) InFlight(agentName string) int {
	s, err := l.get(agentName)
	if err != nil {
		return 0
	}
	return int(s.inFlight.Load())
}

// Limit returns the configured concurrency limit for agentName, or 0 if unknown.
func (l *Limiter) Limit(agentName string) int {
	s, err := l.get(agentName)
	if err != nil {
		return 0
	}
	return int(s.limit)
}

// get looks up an agent's slots under the read lock.
func (l *Limiter) get(agentName string) (*agentSlots, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.slots[agentName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentName)
	}
	return s, nil
}
