// Package resolver implements archive.PeerResolver over the teacher's
// peersmgr.Service, coalescing concurrent cold resolutions for the same
// chat id into a single dialog iteration via golang.org/x/sync/singleflight.
package resolver

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/telegram/peersmgr"
)

// dialogService is the subset of peersmgr.Service the resolver's cold path
// needs; narrowed to an interface so tests can substitute a fake without a
// live MTProto client or bbolt file.
type dialogService interface {
	Dialogs() []peersmgr.DialogRef
	ResolvePeer(ctx context.Context, kind peersmgr.DialogKind, id int64) (peers.Peer, bool, error)
	RefreshDialogs(ctx context.Context, api *tg.Client) error
}

// Resolver is the process-lifetime peer cache. Entries are never evicted:
// peer ids are stable for the life of a Telegram account.
type Resolver struct {
	svc dialogService
	api *tg.Client

	group singleflight.Group

	mu    sync.RWMutex
	cache map[int64]archive.CachedPeer
}

var _ archive.PeerResolver = (*Resolver)(nil)

// New wraps an already-opened peersmgr.Service.
func New(svc *peersmgr.Service, api *tg.Client) *Resolver {
	return newResolver(svc, api)
}

func newResolver(svc dialogService, api *tg.Client) *Resolver {
	return &Resolver{
		svc:   svc,
		api:   api,
		cache: make(map[int64]archive.CachedPeer),
	}
}

func (r *Resolver) lookupCache(chatID int64) (archive.CachedPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[chatID]
	return p, ok
}

func (r *Resolver) storeCache(p archive.CachedPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[p.ChatID] = p
}

// Resolve returns the cached peer for chatID, populating the cache with at
// most one dialog iteration even if many callers race on the same cold id.
func (r *Resolver) Resolve(ctx context.Context, chatID int64) (archive.CachedPeer, error) {
	if p, ok := r.lookupCache(chatID); ok {
		return p, nil
	}

	key := strconv.FormatInt(chatID, 10)
	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check: another leader may have populated this while we were
		// waiting to take the singleflight slot.
		if p, ok := r.lookupCache(chatID); ok {
			return p, nil
		}
		return r.resolveCold(ctx, chatID)
	})
	if err != nil {
		return archive.CachedPeer{}, err
	}
	return v.(archive.CachedPeer), nil
}

// resolveCold performs the heavy path: it first tries the offline dialog
// snapshot, then falls back to one fresh RefreshDialogs call if the id is
// unknown to it (e.g. a chat joined after the last full sync).
func (r *Resolver) resolveCold(ctx context.Context, chatID int64) (archive.CachedPeer, error) {
	kind, ok := r.snapshotKind(chatID)
	if !ok {
		if err := r.svc.RefreshDialogs(ctx, r.api); err != nil {
			return archive.CachedPeer{}, archive.NewGatewayError("refresh dialogs for resolve", err)
		}
		kind, ok = r.snapshotKind(chatID)
		if !ok {
			return archive.CachedPeer{}, archive.NewGatewayError(fmt.Sprintf("chat %d not found in dialogs", chatID), nil)
		}
	}

	peer, found, err := r.svc.ResolvePeer(ctx, kind, chatID)
	if err != nil {
		return archive.CachedPeer{}, archive.NewGatewayError("resolve peer", err)
	}
	if !found {
		return archive.CachedPeer{}, archive.NewGatewayError(fmt.Sprintf("chat %d has no resolvable peer", chatID), nil)
	}

	cached := archive.CachedPeer{
		ChatID: chatID,
		Kind:   chatKindOf(kind),
		Handle: peer,
	}
	r.storeCache(cached)
	return cached, nil
}

func (r *Resolver) snapshotKind(chatID int64) (peersmgr.DialogKind, bool) {
	for _, d := range r.svc.Dialogs() {
		if d.ID == chatID {
			return d.Kind, true
		}
	}
	return "", false
}

func chatKindOf(k peersmgr.DialogKind) archive.ChatKind {
	switch k {
	case peersmgr.DialogKindUser:
		return archive.ChatPrivate
	case peersmgr.DialogKindChat:
		return archive.ChatGroup
	case peersmgr.DialogKindChannel:
		return archive.ChatSupergroup
	default:
		return archive.ChatGroup
	}
}

// Invalidate drops a cache entry, forcing the next Resolve to re-iterate
// dialogs. Used when a consumer detects session drift converting a
// CachedPeer into an input handle.
func (r *Resolver) Invalidate(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, chatID)
}
