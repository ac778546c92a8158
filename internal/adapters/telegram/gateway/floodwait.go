package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gotd/td/tgerr"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/throttle"
)

// defaultFloodWaitThreshold is T from §4.C: waits strictly below this are
// absorbed in-place; waits at or above it are surfaced as a first-class
// FloodWait value for the caller to schedule around.
const defaultFloodWaitThreshold = 60 * time.Second

const maxShortRetries = 3

// longFloodWait wraps a flood wait at or above threshold. It implements
// throttle.StopRetryer so Throttler.Do hands it straight back instead of
// sleeping it out itself — the caller's own scheduler decides what to do
// with a wait this long.
type longFloodWait struct {
	seconds time.Duration
}

func (longFloodWait) StopRetry() bool { return true }

func (longFloodWait) Error() string { return "flood wait at or above threshold" }

// nonRetryable marks an rpc error that isn't a recognized FloodWait, so
// Throttler.Do surfaces it after the first attempt instead of spending the
// retry budget on something waitFor will never recognize.
type nonRetryable struct {
	cause error
}

func (nonRetryable) StopRetry() bool { return true }

func (e nonRetryable) Error() string { return e.cause.Error() }

func (e nonRetryable) Unwrap() error { return e.cause }

// floodWaitExtractor recognizes a FloodWait strictly below threshold and
// returns the exact duration to sleep, letting Throttler.Do's backoff
// schedule step aside in favor of the server-dictated pause. A FloodWait at
// or above threshold is deliberately left unrecognized here — it reaches Do
// wrapped in longFloodWait, whose StopRetry short-circuits the loop before
// waitFor is even worth consulting.
func floodWaitExtractor(threshold time.Duration) throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		var long longFloodWait
		if errors.As(err, &long) {
			return 0, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok || wait >= threshold {
			return 0, false
		}
		return wait, true
	}
}

// withFloodWaitPolicy runs op under a dedicated Throttler carrying
// floodWaitExtractor: a FloodWait below threshold is recognized and slept
// out exactly as the server dictated, retried until maxShortRetries
// attempts are spent; a FloodWait at or above threshold stops the retry
// loop immediately and surfaces as archive.NewFloodWait; any other rpc
// error likewise stops immediately and surfaces as a gateway error.
func withFloodWaitPolicy(ctx context.Context, threshold time.Duration, op func() error) error {
	if threshold <= 0 {
		threshold = defaultFloodWaitThreshold
	}

	t := throttle.New(maxShortRetries,
		throttle.WithBurst(maxShortRetries),
		throttle.WithMaxRetries(maxShortRetries-1),
		throttle.WithWaitExtractors(floodWaitExtractor(threshold)),
	)
	t.Start(ctx)
	defer t.Stop()

	err := t.Do(ctx, func() error {
		rpcErr := op()
		if rpcErr == nil {
			return nil
		}
		wait, ok := tgerr.AsFloodWait(rpcErr)
		if !ok {
			return nonRetryable{cause: rpcErr}
		}
		if wait >= threshold {
			return longFloodWait{seconds: wait}
		}
		return rpcErr
	})
	if err == nil {
		return nil
	}

	var long longFloodWait
	if errors.As(err, &long) {
		return archive.NewFloodWait(uint64(long.seconds / time.Second))
	}
	var nonRetry nonRetryable
	if errors.As(err, &nonRetry) {
		return archive.NewGatewayError("rpc call failed", nonRetry.cause)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return archive.NewGatewayError("context canceled during flood wait", err)
	}
	return archive.NewGatewayError("FloodWait max retries", nil)
}
