// Package sync implements the SyncEngine from §4.E: checkpoint-anchored
// forward history fill with client-side boundary enforcement, so the core
// never trusts the platform's honoring of the page window it asked for.
package sync

import (
	"context"
	"sort"
	"time"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/logger"

	"go.uber.org/zap"
)

// LIMIT is the page size requested from the gateway on each call.
const LIMIT = 100

// Engine pulls history pages from a PlatformGateway (itself backed by a
// PeerResolver) and persists them to a Store, optionally queuing media
// references to a bounded channel. It owns no state beyond the handles it
// was constructed with.
type Engine struct {
	gateway      archive.PlatformGateway
	store        archive.Store
	media        chan<- archive.MediaReference
	syncDelay    time.Duration
	mediaClosed  bool
}

// New builds an Engine. media may be nil to disable media queuing entirely
// (e.g. the watcher's text-only mode); syncDelay <= 0 selects the
// SYNC_DELAY_MS default of 500ms.
func New(gateway archive.PlatformGateway, store archive.Store, media chan<- archive.MediaReference, syncDelay time.Duration) *Engine {
	if syncDelay <= 0 {
		syncDelay = 500 * time.Millisecond
	}
	return &Engine{gateway: gateway, store: store, media: media, syncDelay: syncDelay}
}

// Result reports how many messages SyncChat persisted, used by the watcher
// to decide whether to re-read and scan the newly saved rows.
type Result struct {
	MessagesSynced int
}

// SyncChat runs the forward history-fill loop for one chat, starting from
// the persisted checkpoint and paginating toward the current head.
// includeMedia controls whether media references are queued to the pipeline
// channel; the watcher runs chats in text-only mode (includeMedia=false).
//
// Non-FloodWait failures abort this chat's sync with the original error; a
// FloodWait is surfaced verbatim for the caller to decide whether to
// requeue. The checkpoint is never advanced past data that was not itself
// durably saved first.
func (e *Engine) SyncChat(ctx context.Context, chatID int64, includeMedia bool) (Result, error) {
	minID, err := e.store.GetLastMessageID(ctx, chatID)
	if err != nil {
		return Result{}, archive.NewRepoError("read checkpoint", err)
	}
	var maxID int32
	var total int
	// The engine walks backward in id-space from the current head toward
	// minID, one page at a time, so later pages in this same run can have a
	// lower batch_max than an earlier one. The checkpoint must still only
	// ever move forward (invariant: non-decreasing), so it tracks the high
	// watermark across the whole run rather than the latest batch alone.
	highWaterMark := minID

	for {
		if err := ctx.Err(); err != nil {
			return Result{MessagesSynced: total}, err
		}

		raw, err := e.gateway.GetMessages(ctx, chatID, minID, maxID, LIMIT)
		if err != nil {
			return Result{MessagesSynced: total}, err
		}

		reachedMin := false
		rawMin := int32(0)
		filtered := make([]archive.Message, 0, len(raw))
		for _, m := range raw {
			if rawMin == 0 || m.ID < rawMin {
				rawMin = m.ID
			}
			if m.ID <= minID {
				reachedMin = true
				continue
			}
			if maxID > 0 && m.ID >= maxID {
				continue
			}
			filtered = append(filtered, m)
		}

		if len(filtered) == 0 {
			if reachedMin || len(raw) == 0 {
				logger.Debug("sync reached bottom of history", zap.Int64("chat_id", chatID), zap.Int("synced", total))
				return Result{MessagesSynced: total}, nil
			}
			maxID = rawMin
			continue
		}

		sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })
		batchMin := filtered[0].ID
		batchMax := filtered[len(filtered)-1].ID

		if includeMedia {
			e.enqueueMedia(ctx, filtered)
		}

		if err := e.store.SaveMessages(ctx, chatID, filtered); err != nil {
			return Result{MessagesSynced: total}, archive.NewRepoError("save batch", err)
		}
		if batchMax > highWaterMark {
			highWaterMark = batchMax
		}
		if err := e.store.SetLastMessageID(ctx, chatID, highWaterMark); err != nil {
			return Result{MessagesSynced: total}, archive.NewStateError("advance checkpoint", err)
		}
		total += len(filtered)

		if reachedMin {
			return Result{MessagesSynced: total}, nil
		}

		maxID = batchMin
		if !sleepCtx(ctx, e.syncDelay) {
			return Result{MessagesSynced: total}, ctx.Err()
		}
	}
}

// enqueueMedia offers every media reference in batch to the pipeline
// channel, blocking on backpressure. Once the channel is observed closed,
// further media for this chat (and this engine) is dropped — text
// persistence continues regardless.
func (e *Engine) enqueueMedia(ctx context.Context, batch []archive.Message) {
	if e.media == nil || e.mediaClosed {
		return
	}
	for _, m := range batch {
		if m.Media == nil {
			continue
		}
		if !e.trySend(ctx, *m.Media) {
			return
		}
	}
}

// trySend offers ref to the media channel, recovering from a send on a
// channel the consumer has since closed — the documented cancellation path
// for "stop enqueueing media for this chat" (§5).
func (e *Engine) trySend(ctx context.Context, ref archive.MediaReference) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.mediaClosed = true
			ok = false
		}
	}()
	select {
	case e.media <- ref:
		return true
	case <-ctx.Done():
		return false
	}
}

// SyncChats runs SyncChat sequentially over ids, sharing a single global
// pacing budget. A FloodWait or other error for one chat is logged and does
// not prevent the remaining chats from being attempted.
func (e *Engine) SyncChats(ctx context.Context, ids []int64, includeMedia bool) map[int64]Result {
	results := make(map[int64]Result, len(ids))
	for _, id := range ids {
		res, err := e.SyncChat(ctx, id, includeMedia)
		results[id] = res
		if err != nil {
			if seconds, ok := archive.AsFloodWait(err); ok {
				logger.Warn("sync flood-waited", zap.Int64("chat_id", id), zap.Uint64("seconds", seconds))
			} else {
				logger.Error("sync chat failed", zap.Int64("chat_id", id), zap.Error(err))
			}
		}
		if ctx.Err() != nil {
			return results
		}
	}
	return results
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
