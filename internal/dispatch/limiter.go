package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of simultaneously in-flight downstream calls.
// Acquisition suspends the calling goroutine without blocking siblings.
type Limiter struct {
	sem  *semaphore.Weighted
	size int64
	held atomic.Int64
}

// NewLimiter creates a limiter with the given slot count.
func NewLimiter(size int) (*Limiter, error) {
	if size < 1 {
		return nil, fmt.Errorf("concurrency limit must be >= 1, got %d", size)
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}, nil
}

// Do runs fn while holding one slot. The slot is released on every exit path,
// including a panic inside fn. Returns the context error when acquisition is
// cancelled before a slot frees; fn is not run in that case.
func (l *Limiter) Do(ctx context.Context, fn func()) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.held.Add(1)
	defer func() {
		l.held.Add(-1)
		l.sem.Release(1)
	}()
	fn()
	return nil
}

// Held returns the number of outstanding slots. Zero once a dispatch call has
// returned, cancelled or not.
func (l *Limiter) Held() int64 {
	return l.held.Load()
}

// Size returns the configured slot count.
func (l *Limiter) Size() int64 {
	return l.size
}
