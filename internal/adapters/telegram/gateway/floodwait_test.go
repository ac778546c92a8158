package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"tgarchivist/internal/domain/archive"
)

func floodWaitErr(seconds int) error {
	return &tgerr.Error{Code: 420, Message: "FLOOD_WAIT_X", Type: "FLOOD_WAIT", Argument: seconds}
}

func TestWithFloodWaitPolicySucceedsWithoutError(t *testing.T) {
	calls := 0
	err := withFloodWaitPolicy(context.Background(), time.Second, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWithFloodWaitPolicyRetriesShortWaits(t *testing.T) {
	calls := 0
	err := withFloodWaitPolicy(context.Background(), 10*time.Second, func() error {
		calls++
		if calls < 2 {
			return floodWaitErr(0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (one retry), got %d", calls)
	}
}

func TestWithFloodWaitPolicySurfacesLongWaitImmediately(t *testing.T) {
	calls := 0
	err := withFloodWaitPolicy(context.Background(), 10*time.Second, func() error {
		calls++
		return floodWaitErr(120)
	})
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a wait above threshold, got %d", calls)
	}
	seconds, ok := archive.AsFloodWait(err)
	if !ok {
		t.Fatalf("expected a FloodWait domain error, got %v", err)
	}
	if seconds != 120 {
		t.Errorf("Seconds = %d, want 120", seconds)
	}
}

func TestWithFloodWaitPolicyExhaustsShortRetries(t *testing.T) {
	calls := 0
	err := withFloodWaitPolicy(context.Background(), 10*time.Second, func() error {
		calls++
		return floodWaitErr(1)
	})
	if calls != maxShortRetries {
		t.Errorf("expected %d attempts, got %d", maxShortRetries, calls)
	}
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	var de *archive.Error
	if !errors.As(err, &de) || de.Kind != archive.ErrGateway {
		t.Errorf("expected a gateway error, got %v", err)
	}
}

func TestWithFloodWaitPolicyNonFloodErrorWrapsAsGateway(t *testing.T) {
	wantCause := errors.New("boom")
	err := withFloodWaitPolicy(context.Background(), time.Second, func() error {
		return wantCause
	})
	var de *archive.Error
	if !errors.As(err, &de) || de.Kind != archive.ErrGateway {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if !errors.Is(err, wantCause) {
		t.Errorf("expected wrapped cause to be %v, got %v", wantCause, err)
	}
}
