package media

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tgarchivist/internal/domain/archive"
)

type fakeDownloader struct {
	mu       sync.Mutex
	calls    []archive.MediaReference
	failN    int32 // fail the first failN calls per unique ref
	attempts map[string]int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{attempts: make(map[string]int)}
}

func (f *fakeDownloader) DownloadMedia(_ context.Context, ref archive.MediaReference, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	key := dest
	f.attempts[key]++
	if f.attempts[key] <= int(atomic.LoadInt32(&f.failN)) {
		return archive.NewGatewayError("transient", nil)
	}
	return nil
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestPipelineSkipsExistingDestination(t *testing.T) {
	dl := newFakeDownloader()
	existing := map[string]bool{}
	p := New(dl, "/media", 2, func(path string) bool { return existing[path] })

	ref := archive.MediaReference{ChatID: 1, MessageID: 2, Kind: archive.MediaPhoto}
	existing[p.Destination(ref)] = true

	ch := make(chan archive.MediaReference, 1)
	ch <- ref
	close(ch)
	p.Run(context.Background(), ch)

	if dl.callCount() != 0 {
		t.Fatalf("expected download skipped, got %d calls", dl.callCount())
	}
}

func TestPipelineDestinationNaming(t *testing.T) {
	p := New(newFakeDownloader(), "media", 1, nil)
	cases := []struct {
		kind archive.MediaKind
		ext  string
	}{
		{archive.MediaPhoto, "jpg"},
		{archive.MediaVideo, "mp4"},
		{archive.MediaDocument, "bin"},
		{archive.MediaAudio, "ogg"},
		{archive.MediaVoice, "ogg"},
		{archive.MediaSticker, "webp"},
		{archive.MediaAnimation, "mp4"},
		{archive.MediaOther, "bin"},
	}
	for _, c := range cases {
		ref := archive.MediaReference{ChatID: 7, MessageID: 9, Kind: c.kind}
		want := "media/7_9." + c.ext
		if got := p.Destination(ref); got != want {
			t.Errorf("Destination(%s) = %q, want %q", c.kind, got, want)
		}
	}
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	dl := newFakeDownloader()
	atomic.StoreInt32(&dl.failN, 2)
	p := New(dl, "media", 1, func(string) bool { return false })

	ch := make(chan archive.MediaReference, 1)
	ch <- archive.MediaReference{ChatID: 1, MessageID: 1, Kind: archive.MediaPhoto}
	close(ch)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish in time")
	}

	if dl.callCount() != 3 {
		t.Errorf("expected 3 attempts (2 failures + success), got %d", dl.callCount())
	}
}

func TestPipelineGivesUpAfterMaxRetries(t *testing.T) {
	dl := newFakeDownloader()
	atomic.StoreInt32(&dl.failN, 99)
	p := New(dl, "media", 1, func(string) bool { return false })

	ch := make(chan archive.MediaReference, 1)
	ch <- archive.MediaReference{ChatID: 1, MessageID: 1, Kind: archive.MediaPhoto}
	close(ch)
	p.Run(context.Background(), ch)

	if dl.callCount() != MaxRetries {
		t.Errorf("expected exactly %d attempts, got %d", MaxRetries, dl.callCount())
	}
}

func TestPipelineRespectsConcurrencyLimit(t *testing.T) {
	var inFlight int32
	var maxSeen int32
	block := make(chan struct{})

	dl := &blockingDownloader{
		start: func() {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
		},
		finish: func() { atomic.AddInt32(&inFlight, -1) },
		block:  block,
	}
	p := New(dl, "media", 2, func(string) bool { return false })

	ch := make(chan archive.MediaReference, 5)
	for i := 0; i < 5; i++ {
		ch <- archive.MediaReference{ChatID: 1, MessageID: int32(i), Kind: archive.MediaPhoto}
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), ch)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(block)
	<-done

	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Errorf("max concurrent downloads = %d, want <= 2", maxSeen)
	}
}

type blockingDownloader struct {
	start, finish func()
	block         chan struct{}
}

func (b *blockingDownloader) DownloadMedia(ctx context.Context, ref archive.MediaReference, dest string) error {
	b.start()
	defer b.finish()
	select {
	case <-b.block:
	case <-ctx.Done():
	}
	return nil
}
