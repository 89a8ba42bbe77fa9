package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/canopy-network/finality/lib"
)

/*
	TokenBucket bounds burst and sustained throughput: it holds at most `capacity` tokens and refills at `rate`
	tokens per second. Callers are served strictly in arrival order: only the head of the queue sleeps on the
	clock, the rest wait for their turn, so a stream of small requests can't starve a large one.
*/

// epsilon absorbs float rounding between a computed wait and the refill it buys
const epsilon = 1e-9

// TokenBucket is a FIFO token bucket with an injectable clock
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64       // tokens per second
	capacity   float64       // max tokens held
	available  float64       // tokens currently held, always within [0, capacity]
	lastRefill time.Time     // when available was last brought up to date
	queue      []*waiter     // FIFO of callers that couldn't be served immediately
	changed    chan struct{} // closed and replaced on every reconfiguration
	clock      Clock
}

type waiter struct {
	n    float64
	turn chan struct{} // closed once the waiter is at the head of the queue
}

// NewTokenBucket() creates a full token bucket, failing fast on a non positive rate or capacity
func NewTokenBucket(rate, capacity float64, clock Clock) (*TokenBucket, lib.ErrorI) {
	if err := check(rate, capacity); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &TokenBucket{
		rate:       rate,
		capacity:   capacity,
		available:  capacity,
		lastRefill: clock.Now(),
		changed:    make(chan struct{}),
		clock:      clock,
	}, nil
}

// Acquire() debits n tokens, suspending the caller until they are available and every earlier caller is served
func (b *TokenBucket) Acquire(ctx context.Context, n float64) error {
	if n <= 0 || math.IsNaN(n) {
		return ErrNonPositiveRequest(n)
	}
	b.mu.Lock()
	if n > b.capacity {
		b.mu.Unlock()
		return ErrRequestExceedsCapacity(n, b.capacity)
	}
	b.refill()
	// fast path: nobody is queued and the tokens are there
	if len(b.queue) == 0 && b.available+epsilon >= n {
		b.debit(n)
		b.mu.Unlock()
		return nil
	}
	w := &waiter{n: n, turn: make(chan struct{})}
	b.queue = append(b.queue, w)
	if len(b.queue) == 1 {
		close(w.turn)
	}
	b.mu.Unlock()
	// wait for every earlier caller to be served
	select {
	case <-w.turn:
	case <-ctx.Done():
		b.leave(w)
		return ctx.Err()
	}
	for {
		b.mu.Lock()
		if w.n > b.capacity {
			b.removeLocked(w)
			b.mu.Unlock()
			return ErrRequestExceedsCapacity(w.n, b.capacity)
		}
		b.refill()
		if b.available+epsilon >= w.n {
			b.debit(w.n)
			b.removeLocked(w)
			b.mu.Unlock()
			return nil
		}
		wait := b.waitFor(w.n)
		changed := b.changed
		b.mu.Unlock()
		select {
		case <-b.clock.After(wait):
		case <-changed: // the rate or capacity moved, recompute the wait
		case <-ctx.Done():
			b.leave(w)
			return ctx.Err()
		}
	}
}

// Reconfigure() changes the rate and capacity at runtime
// tokens accrued at the old rate are kept (clamped to the new capacity) and queued callers recompute their wait
func (b *TokenBucket) Reconfigure(rate, capacity float64) lib.ErrorI {
	if err := check(rate, capacity); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.rate, b.capacity = rate, capacity
	if b.available > capacity {
		b.available = capacity
	}
	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// Available() returns the tokens currently held
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.available
}

// Queued() returns the number of callers waiting
func (b *TokenBucket) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Capacity() returns the configured burst size
func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// refill() accrues tokens for the time elapsed since the last refill, must hold the lock
func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.available = math.Min(b.capacity, b.available+elapsed.Seconds()*b.rate)
	b.lastRefill = now
}

// debit() removes n tokens, must hold the lock
func (b *TokenBucket) debit(n float64) {
	b.available = math.Max(0, b.available-n)
}

// waitFor() is the minimum wait until n tokens are available: max(0, (n-available)/rate), must hold the lock
func (b *TokenBucket) waitFor(n float64) time.Duration {
	seconds := math.Max(0, (n-b.available)/b.rate)
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// leave() removes a cancelled waiter
func (b *TokenBucket) leave(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(w)
}

// removeLocked() takes w out of the queue, handing the turn to the next waiter if w was the head
func (b *TokenBucket) removeLocked(w *waiter) {
	for i, q := range b.queue {
		if q != w {
			continue
		}
		b.queue = append(b.queue[:i], b.queue[i+1:]...)
		if i == 0 && len(b.queue) > 0 {
			close(b.queue[0].turn)
		}
		return
	}
}

func check(rate, capacity float64) lib.ErrorI {
	if rate <= 0 || math.IsNaN(rate) {
		return ErrNonPositiveRate(rate)
	}
	if capacity <= 0 || math.IsNaN(capacity) {
		return ErrNonPositiveCapacity(capacity)
	}
	return nil
}
