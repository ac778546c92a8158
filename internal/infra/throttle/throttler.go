// Package throttle provides a token-bucket rate limiter with an optional
// exponential-backoff retry loop on top, for pacing outbound calls to
// rate-limited external services. A bucket of tokens refills at a fixed
// rate; Do acquires one token per call and, on error, consults a chain of
// WaitExtractors for a server-dictated pause (FloodWait and friends) before
// falling back to jittered exponential backoff. A StopRetryer error short
// circuits the retry loop entirely.
//
// The bucket half and the retry half are independently useful: a caller
// that only wants pacing (no retries) can call Do with a no-op function and
// ignore everything past the token wait.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// defaultBurstFactor sizes the bucket at defaultBurstFactor*rate tokens when
// the caller doesn't pick an explicit burst, letting a cold caller spend a
// couple of seconds' worth of quota in one go before throttling kicks in.
const defaultBurstFactor = 2

// WaitExtractor inspects an error and, if it recognizes the shape (a
// platform-specific "retry after N" signal), returns the pause to honor.
// The chain in Throttler.waitExtractors runs in registration order; the
// first extractor to recognize the error wins.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer is implemented by errors that must never be retried — the
// retry loop returns such an error to the caller immediately, bypassing
// both the wait-extractor chain and the backoff schedule.
type StopRetryer interface {
	StopRetry() bool
}

// Option configures a Throttler at construction time.
type Option func(*Throttler)

// WithMaxRetries caps the number of retry attempts Do will make after the
// first call. n <= 0 means unlimited.
func WithMaxRetries(n int) Option {
	return func(t *Throttler) { t.maxRetries = n }
}

// WithBurst overrides the bucket capacity. burst <= 0 restores the
// rate*defaultBurstFactor default.
func WithBurst(burst int) Option {
	return func(t *Throttler) { t.burst = burst }
}

// WithWaitExtractors appends extractors to the chain Do consults when fn
// returns an error, in the order given.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		if len(extractors) == 0 {
			return
		}
		cloned := make([]WaitExtractor, len(extractors))
		copy(cloned, extractors)
		t.waitExtractors = append(t.waitExtractors, cloned...)
	}
}

// WithRand pins the jitter source to r, for reproducible tests.
func WithRand(r *rand.Rand) Option {
	return func(t *Throttler) {
		if r != nil {
			t.jitterFn = r.Float64
		}
	}
}

// WithRandom pins the jitter source to an arbitrary [0,1) generator.
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.jitterFn = fn
		}
	}
}

// ErrNotStarted is returned by Do when called before Start.
var ErrNotStarted = errors.New("throttle: Start must be called before Do")

// Throttler combines a token-bucket rate limit with a jittered
// exponential-backoff retry loop. Safe for concurrent use: Do may be called
// from multiple goroutines; Start and Stop are each idempotent.
type Throttler struct {
	rate  int // tokens minted per second
	burst int // bucket capacity

	bucket chan struct{}

	waitExtractors []WaitExtractor
	maxRetries     int // <=0 means unlimited

	startOnce sync.Once
	stopOnce  sync.Once
	refiller  sync.WaitGroup

	life context.Context
	kill context.CancelFunc

	mu       sync.Mutex
	jitterFn func() float64
}

// New builds a Throttler admitting rate operations/sec, with a default
// burst of rate*defaultBurstFactor (floor 1). Start must be called
// separately before the first Do.
func New(rate int, opts ...Option) *Throttler {
	if rate <= 0 {
		rate = 1
	}

	t := &Throttler{
		rate:       rate,
		burst:      rate * defaultBurstFactor,
		maxRetries: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.burst <= 0 {
		t.burst = rate * defaultBurstFactor
	}
	if t.burst < 1 {
		t.burst = 1
	}
	if t.jitterFn == nil {
		t.jitterFn = rand.Float64
	}
	return t
}

// Start allocates the bucket, pre-fills it to capacity, and launches the
// background refill loop. Idempotent; a nil ctx defaults to Background.
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.startOnce.Do(func() {
		t.life, t.kill = context.WithCancel(ctx)
		t.bucket = make(chan struct{}, t.burst)
		for range t.burst {
			t.bucket <- struct{}{}
		}
		t.refiller.Go(t.runRefill)
	})
}

// Stop cancels the refill loop and waits for it to exit. Idempotent.
func (t *Throttler) Stop() {
	if !t.started() {
		return
	}
	t.stopOnce.Do(func() {
		if t.kill != nil {
			t.kill()
		}
		t.refiller.Wait()
	})
}

// SetMaxRetries changes the retry cap after construction. n <= 0 means
// unlimited. Safe to call concurrently with Do.
func (t *Throttler) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = n
}

// Do runs fn under the bucket's rate limit, retrying on error per the
// configured wait extractors and backoff schedule:
//  1. wait for a token (respecting ctx and Stop);
//  2. invoke fn;
//  3. on error: a StopRetryer returns immediately; a canceled/expired ctx
//     returns immediately; otherwise, once the retry cap allows another
//     attempt, sleep either a recognized server-dictated wait (exact
//     duration, no jitter) or a jittered exponential backoff, and retry.
//
// A recognized server wait and a computed backoff draw from the same retry
// budget — a caller dictating the same short wait forever still terminates
// once the cap is reached, rather than looping Do indefinitely.
//
// Returns nil on success, or the last error once the schedule is
// exhausted.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	life := t.lifeCtx()
	if life == nil {
		return ErrNotStarted
	}
	maxRetries := t.retryCap()

	for attempt := 0; ; {
		if err := t.acquire(ctx, life); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		var stopper StopRetryer
		switch {
		case errors.As(err, &stopper) && stopper.StopRetry():
			return err
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", maxRetries, err)
		}

		wait, hasWait := t.waitFor(err)
		if !hasWait {
			wait = t.backoffFor(attempt)
		}
		attempt++
		if werr := t.sleep(ctx, life, wait); werr != nil {
			return werr
		}
	}
}

func (t *Throttler) lifeCtx() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.life
}

func (t *Throttler) started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.life != nil
}

func (t *Throttler) retryCap() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRetries
}

// acquire blocks until a token is available or ctx/life ends.
func (t *Throttler) acquire(ctx, life context.Context) error {
	bucket := t.bucketSnapshot()
	if bucket == nil {
		return ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-life.Done():
		return context.Canceled
	case <-bucket:
		return nil
	}
}

func (t *Throttler) bucketSnapshot() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucket
}

// runRefill drips one token into the bucket every 1/rate seconds, dropping
// the tick silently if the bucket is already at capacity.
func (t *Throttler) runRefill() {
	life := t.lifeCtx()
	if life == nil {
		return
	}
	interval := time.Second / time.Duration(t.rate)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
			select {
			case t.bucket <- struct{}{}:
			default:
			}
		}
	}
}

// waitFor runs the extractor chain and returns the first recognized pause.
func (t *Throttler) waitFor(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// sleep waits out duration or returns early on ctx/life cancellation.
func (t *Throttler) sleep(ctx, life context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer drainTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-life.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// backoffFor computes 2^attempt seconds, capped at 60s, times a jitter
// factor drawn from [0.85, 1.15].
func (t *Throttler) backoffFor(attempt int) time.Duration {
	const (
		jitterSpread = 0.3
		jitterFloor  = 0.85
		capSeconds   = 60.0
		base         = 2.0
	)

	seconds := math.Pow(base, float64(attempt))
	if seconds > capSeconds {
		seconds = capSeconds
	}
	seconds *= t.jitter()*jitterSpread + jitterFloor
	return time.Duration(seconds * float64(time.Second))
}

// jitter returns a pseudo-random value in [0,1); overridable via New's options.
func (t *Throttler) jitter() float64 {
	if t.jitterFn == nil {
		return rand.Float64()
	}
	return t.jitterFn()
}

// drainTimer stops timer and drains a pending tick so it can be safely
// reused or garbage collected without a stray send.
func drainTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
