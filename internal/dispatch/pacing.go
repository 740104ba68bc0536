package dispatch

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Default pause range before each send.
const (
	DefaultMinDelay = 30 * time.Second
	DefaultMaxDelay = 70 * time.Second
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Pacer produces the randomized pause taken before every send.
// Delays are uniform over [min, max] with millisecond granularity.
type Pacer struct {
	min, max time.Duration
	sleep    SleepFunc

	mu  sync.Mutex
	rng *rand.Rand
}

// PacerOption configures a Pacer.
type PacerOption func(*Pacer)

// WithRandSource makes delay sampling deterministic.
func WithRandSource(src rand.Source) PacerOption {
	return func(p *Pacer) { p.rng = rand.New(src) }
}

// WithSleep replaces the timer-based wait, typically with a recorder in tests.
func WithSleep(fn SleepFunc) PacerOption {
	return func(p *Pacer) { p.sleep = fn }
}

// NewPacer creates a pacer for the given range. A max below min is clamped to min.
func NewPacer(min, max time.Duration, opts ...PacerOption) *Pacer {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	p := &Pacer{
		min:   min,
		max:   max,
		sleep: sleepCtx,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next samples the next delay.
func (p *Pacer) Next() time.Duration {
	span := int64((p.max - p.min) / time.Millisecond)
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	ms := p.rng.Int64N(span + 1)
	p.mu.Unlock()
	return p.min + time.Duration(ms)*time.Millisecond
}

// Wait samples a delay and sleeps for it. It returns the delay and ctx's error
// if the wait was cut short.
func (p *Pacer) Wait(ctx context.Context) (time.Duration, error) {
	d := p.Next()
	return d, p.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
