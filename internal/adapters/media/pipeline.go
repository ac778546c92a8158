// Package media implements the bounded media download pipeline from §4.D:
// a producer-facing channel decoupled from a concurrency-limited consumer
// pool, generalizing the teacher's throttle.Throttler token-bucket idiom
// from rate limiting to plain concurrency limiting (a permit per in-flight
// download rather than a refill-over-time budget).
package media

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/logger"

	"go.uber.org/zap"
)

const (
	// MaxRetries is the number of download attempts per reference.
	MaxRetries = 3
	// BaseBackoff is the unit backoff between attempt n and n+1:
	// sleep = (n+1) * BaseBackoff.
	BaseBackoff = 2 * time.Second
)

// Downloader is the subset of archive.PlatformGateway the pipeline needs.
type Downloader interface {
	DownloadMedia(ctx context.Context, ref archive.MediaReference, destPath string) error
}

// FileExister abstracts the idempotent-skip check so tests can run without
// touching a real filesystem.
type FileExister func(path string) bool

// Pipeline consumes archive.MediaReference values from a bounded channel and
// downloads each with at most MaxConcurrent in-flight downloads. It owns the
// in-flight download tasks it spawns; it does not own the channel, which is
// the sole boundary between SyncEngine and Pipeline (§9).
type Pipeline struct {
	downloader  Downloader
	mediaDir    string
	maxInFlight int
	exists      FileExister

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Pipeline. maxInFlight <= 0 selects the MAX_CONCURRENT default
// of 3.
func New(downloader Downloader, mediaDir string, maxInFlight int, exists FileExister) *Pipeline {
	if maxInFlight <= 0 {
		maxInFlight = 3
	}
	if exists == nil {
		exists = defaultExists
	}
	return &Pipeline{
		downloader:  downloader,
		mediaDir:    mediaDir,
		maxInFlight: maxInFlight,
		exists:      exists,
		sem:         make(chan struct{}, maxInFlight),
	}
}

// Run consumes refs until the channel is closed, fanning out downloads with
// a concurrency semaphore. It blocks until every spawned download has
// finished, so callers can rely on Run's return as "the pipeline is idle".
func (p *Pipeline) Run(ctx context.Context, refs <-chan archive.MediaReference) {
	for ref := range refs {
		ref := ref
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.wg.Wait()
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.downloadOne(ctx, ref)
		}()
	}
	p.wg.Wait()
}

// Destination returns the fixed filename for a reference: {chat_id}_{msg_id}.{ext}.
func (p *Pipeline) Destination(ref archive.MediaReference) string {
	name := fmt.Sprintf("%d_%d.%s", ref.ChatID, ref.MessageID, ref.Kind.Extension())
	return filepath.Join(p.mediaDir, name)
}

func (p *Pipeline) downloadOne(ctx context.Context, ref archive.MediaReference) {
	dest := p.Destination(ref)
	if p.exists(dest) {
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, time.Duration(attempt)*BaseBackoff) {
				return
			}
		}
		err := p.downloader.DownloadMedia(ctx, ref, dest)
		if err == nil {
			return
		}
		lastErr = err
		if seconds, ok := archive.AsFloodWait(err); ok {
			logger.Warn("media download flood-waited",
				zap.Int64("chat_id", ref.ChatID), zap.Int32("msg_id", ref.MessageID),
				zap.Uint64("seconds", seconds))
			continue
		}
	}
	logger.Error("media download failed after retries",
		zap.Int64("chat_id", ref.ChatID), zap.Int32("msg_id", ref.MessageID),
		zap.String("kind", string(ref.Kind)), zap.Error(lastErr))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func defaultExists(path string) bool {
	return fileExists(path)
}
