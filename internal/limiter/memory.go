package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process Limiter with the same window semantics as PG.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
		entries:  map[string]*entry{},
	}
}

func (l *Memory) Allow(_ context.Context, key []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[string(key)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Memory) Success(_ context.Context, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, string(key))
	return nil
}

func (l *Memory) Failure(_ context.Context, key []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[string(key)]
	if !ok {
		e = &entry{}
		l.entries[string(key)] = e
	}
	if now.Sub(e.updatedAt) > l.window {
		e.fails = 0
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= l.maxFails {
		e.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

// Rate is a token-bucket Throttle.
type Rate struct {
	l *rate.Limiter
}

// NewRate allows perSecond requests with the given burst. perSecond <= 0
// disables throttling.
func NewRate(perSecond float64, burst int) *Rate {
	if perSecond <= 0 {
		return &Rate{l: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Rate{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request may proceed or ctx is done.
func (r *Rate) Wait(ctx context.Context) error { return r.l.Wait(ctx) }
