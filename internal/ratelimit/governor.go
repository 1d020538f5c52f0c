// Package ratelimit paces calls into the listing source.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options tune the governor.
type Options struct {
	// Delay is the minimum spacing between two permitted requests.
	Delay time.Duration
	// JitterFraction adds a random [0, JitterFraction*Delay) on top of Delay.
	JitterFraction float64
	// Seed makes jitter reproducible; zero seeds from the clock.
	Seed int64
}

// Governor hands out request slots no closer than Delay plus jitter. It is
// safe for concurrent use; callers are served in arrival order.
type Governor struct {
	mu      sync.Mutex
	opts    Options
	rnd     *rand.Rand
	limiter *rate.Limiter
	now     func() time.Time
	waitFn  func(ctx context.Context, d time.Duration) error
}

// New constructs a Governor.
func New(opts Options) *Governor {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.JitterFraction < 0 {
		opts.JitterFraction = 0
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Governor{
		opts:    opts,
		rnd:     rand.New(rand.NewSource(seed)),
		limiter: rate.NewLimiter(limitFor(opts.Delay), 1),
		now:     time.Now,
		waitFn:  sleepContext,
	}
}

// Acquire blocks until the caller may issue its request. Each reservation
// re-draws the jitter and applies it as the limiter's spacing, so back to
// back callers are Delay plus fresh jitter apart and concurrent ones never
// closer than Delay. The wait happens outside the lock; a cancelled waiter
// hands its slot back.
func (g *Governor) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	now := g.now()
	g.limiter.SetLimitAt(now, limitFor(g.spacing()))
	r := g.limiter.ReserveN(now, 1)
	g.mu.Unlock()

	if !r.OK() {
		return fmt.Errorf("rate limiter refused reservation")
	}
	if err := g.waitFn(ctx, r.DelayFrom(now)); err != nil {
		r.CancelAt(g.now())
		return err
	}
	return nil
}

// Spacing returns the configured base delay.
func (g *Governor) Spacing() time.Duration {
	return g.opts.Delay
}

// spacing must be called with mu held.
func (g *Governor) spacing() time.Duration {
	d := g.opts.Delay
	if d <= 0 || g.opts.JitterFraction <= 0 {
		return d
	}
	span := float64(d) * g.opts.JitterFraction
	return d + time.Duration(g.rnd.Float64()*span)
}

func limitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
