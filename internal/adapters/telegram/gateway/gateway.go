// Package gateway implements archive.PlatformGateway over a live gotd
// tg.Client, wrapping every RPC in the FloodWait threshold-split policy from
// §4.C and translating gotd errors into the domain's closed error taxonomy.
package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/telegram/peersmgr"
	"tgarchivist/internal/infra/telegram/runtime"
	"tgarchivist/internal/infra/throttle"
	"tgarchivist/internal/tgutil"
)

// dialogLister is the subset of peersmgr.Service GetDialogs needs.
type dialogLister interface {
	RefreshDialogs(ctx context.Context, api *tg.Client) error
	Dialogs() []peersmgr.DialogRef
}

// Gateway is the concrete archive.PlatformGateway.
type Gateway struct {
	api       *tg.Client
	resolver  archive.PeerResolver
	dialogs   dialogLister
	threshold time.Duration
	pacer     *throttle.Throttler
}

var _ archive.PlatformGateway = (*Gateway)(nil)

// New builds a Gateway. threshold is T from §4.C; zero selects the 60s
// default. exportDelayMs (EXPORT_DELAY_MS, §6) sets a pacing rate of
// 1000/exportDelayMs outgoing RPCs per second, by integer division and at
// least 1, so calls are spaced one second divided by that rate apart: the
// spacing equals exportDelayMs only when it divides 1000 evenly, and it is
// never longer than one second. Zero or negative disables pacing entirely. g.pacer
// uses only the throttle.Throttler token bucket, with a no-op fn, since this
// pacing is unconditional and has nothing to retry; the FloodWait threshold
// split (floodwait.go) uses a separate Throttler of its own, configured with
// a real WaitExtractor, to drive its retry/backoff decisions.
func New(api *tg.Client, resolver archive.PeerResolver, dialogs dialogLister, threshold time.Duration, exportDelayMs int) *Gateway {
	g := &Gateway{api: api, resolver: resolver, dialogs: dialogs, threshold: threshold}
	if exportDelayMs > 0 {
		rate := 1000 / exportDelayMs
		if rate < 1 {
			rate = 1
		}
		g.pacer = throttle.New(rate, throttle.WithBurst(1))
		g.pacer.Start(context.Background())
	}
	return g
}

// pace blocks for one pacing slot when EXPORT_DELAY_MS pacing is enabled; a
// no-op otherwise. The wrapped fn always succeeds so the throttler's own
// retry loop never engages — pace only ever consumes a single token.
func (g *Gateway) pace(ctx context.Context) {
	if g.pacer == nil {
		return
	}
	_ = g.pacer.Do(ctx, func() error { return nil })
}

// inputPeer resolves chatID to a usable InputPeerClass. A CachedPeer that
// fails to convert (session drift: the cached handle's underlying access
// hash or type no longer matches what the platform expects) is not treated
// as a hard failure — §4.B requires falling through to a fresh dialog
// iteration, so the stale cache entry is invalidated and Resolve is retried
// exactly once before giving up.
func (g *Gateway) inputPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, archive.ChatKind, error) {
	cached, err := g.resolver.Resolve(ctx, chatID)
	if err != nil {
		return nil, "", err
	}
	peer, ok := cached.Handle.(peers.Peer)
	if ok {
		return peer.InputPeer(), cached.Kind, nil
	}

	g.resolver.Invalidate(chatID)
	cached, err = g.resolver.Resolve(ctx, chatID)
	if err != nil {
		return nil, "", err
	}
	peer, ok = cached.Handle.(peers.Peer)
	if !ok {
		return nil, "", archive.NewGatewayError(fmt.Sprintf("chat %d resolved to an unusable handle after re-fetch", chatID), nil)
	}
	return peer.InputPeer(), cached.Kind, nil
}

// GetDialogs refreshes and lists the account's dialogs. approx_message_count
// is the dialog's top message id — the gateway has no cheaper exact count.
func (g *Gateway) GetDialogs(ctx context.Context) ([]archive.Chat, error) {
	g.pace(ctx)
	if err := withFloodWaitPolicy(ctx, g.threshold, func() error {
		return g.dialogs.RefreshDialogs(ctx, g.api)
	}); err != nil {
		return nil, err
	}

	refs := g.dialogs.Dialogs()
	out := make([]archive.Chat, 0, len(refs))
	for _, r := range refs {
		kind := chatKindOf(r.Kind)
		if kind == "" {
			continue
		}
		out = append(out, archive.Chat{
			ID:                 r.ID,
			Title:              r.Title,
			Username:           r.Username,
			Kind:               kind,
			ApproxMessageCount: r.TopMessageID,
		})
	}
	return out, nil
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
		return ""
	}
}

func (g *Gateway) GetMessages(ctx context.Context, chatID int64, minID, maxID int32, limit int) ([]archive.Message, error) {
	peer, _, err := g.inputPeer(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var out []archive.Message
	g.pace(ctx)
	err = withFloodWaitPolicy(ctx, g.threshold, func() error {
		resp, callErr := g.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: int(maxID),
			Limit:    limit,
			MinID:    int(minID),
			MaxID:    int(maxID),
		})
		if callErr != nil {
			return callErr
		}
		msgs, convErr := normalizeHistory(resp, chatID)
		if convErr != nil {
			return convErr
		}
		out = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeHistory(resp tg.MessagesMessagesClass, chatID int64) ([]archive.Message, error) {
	var raw []tg.MessageClass
	switch v := resp.(type) {
	case *tg.MessagesMessages:
		raw = v.Messages
	case *tg.MessagesMessagesSlice:
		raw = v.Messages
	case *tg.MessagesChannelMessages:
		raw = v.Messages
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected history response %T", resp)
	}

	out := make([]archive.Message, 0, len(raw))
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, messageFromTg(chatID, msg))
	}
	return out, nil
}

func messageFromTg(chatID int64, m *tg.Message) archive.Message {
	date := int64(m.Date)
	if m.EditDate != 0 {
		date = int64(m.EditDate)
	}
	out := archive.Message{
		ChatID: chatID,
		ID:     int32(m.ID),
		Date:   date,
		Text:   m.Message,
	}
	if m.ReplyTo != nil {
		if h, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok && h.ReplyToMsgID != 0 {
			id := int32(h.ReplyToMsgID)
			out.ReplyToMsgID = &id
		}
	}
	if fromID, ok := m.GetFromID(); ok {
		if id := tgutil.GetPeerID(fromID); id != 0 {
			out.SenderID = &id
		}
	}
	if m.Media != nil {
		if ref := mediaReferenceFromTg(chatID, int32(m.ID), m.Media); ref != nil {
			out.Media = ref
		}
	}
	return out
}

func mediaReferenceFromTg(chatID int64, messageID int32, media tg.MessageMediaClass) *archive.MediaReference {
	kind := archive.MediaOther
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		kind = archive.MediaPhoto
	case *tg.MessageMediaDocument:
		if doc, ok := m.Document.(*tg.Document); ok {
			kind = documentKind(doc)
		} else {
			kind = archive.MediaDocument
		}
	}
	return &archive.MediaReference{
		ChatID:       chatID,
		MessageID:    messageID,
		Kind:         kind,
		OpaqueHandle: fmt.Sprintf("%d:%d", chatID, messageID),
	}
}

// documentKind disambiguates a MessageMediaDocument's actual media kind.
// Telegram represents video, audio, voice notes, stickers and animations
// all as *tg.Document, distinguished only by its Attributes (and, as a
// fallback, its MimeType) — so a plain type switch on the wrapper never
// sees past "document". Mirrors the original adapter's mime/attribute
// resolution (§4.D's fixed ext table depends on getting this right).
func documentKind(doc *tg.Document) archive.MediaKind {
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker:
			return archive.MediaSticker
		case *tg.DocumentAttributeAnimated:
			return archive.MediaAnimation
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				return archive.MediaVoice
			}
			return archive.MediaAudio
		case *tg.DocumentAttributeVideo:
			return archive.MediaVideo
		}
	}

	switch {
	case strings.HasPrefix(doc.MimeType, "video/"):
		return archive.MediaVideo
	case strings.HasPrefix(doc.MimeType, "audio/"):
		return archive.MediaAudio
	case doc.MimeType == "application/x-tgsticker":
		return archive.MediaSticker
	case doc.MimeType == "image/gif":
		return archive.MediaAnimation
	default:
		return archive.MediaDocument
	}
}

// DownloadMedia re-fetches the owning message by id to recover the live
// media location, then streams it to destPath. Idempotent: an existing
// destination file is left untouched.
func (g *Gateway) DownloadMedia(ctx context.Context, ref archive.MediaReference, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	peer, _, err := g.inputPeer(ctx, ref.ChatID)
	if err != nil {
		return err
	}

	var location tg.InputFileLocationClass
	g.pace(ctx)
	err = withFloodWaitPolicy(ctx, g.threshold, func() error {
		loc, locErr := inputLocationForMessage(ctx, peer, ref.MessageID, g.api)
		if locErr != nil {
			return locErr
		}
		location = loc
		return nil
	})
	if err != nil {
		return err
	}
	if location == nil {
		return archive.NewMediaError("no downloadable location for message", nil)
	}

	runtime.WaitRandomTimeMs(ctx, 200, 600)

	d := downloader.NewDownloader()
	if _, err := d.Download(g.api, location).ToPath(ctx, destPath); err != nil {
		return archive.NewMediaError("download media", err)
	}
	return nil
}

func inputLocationForMessage(ctx context.Context, peer tg.InputPeerClass, messageID int32, api *tg.Client) (tg.InputFileLocationClass, error) {
	resp, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(messageID) + 1,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	msgs, err := rawMessages(resp)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		tgMsg, ok := m.(*tg.Message)
		if !ok || tgMsg.ID != int(messageID) || tgMsg.Media == nil {
			continue
		}
		switch media := tgMsg.Media.(type) {
		case *tg.MessageMediaPhoto:
			photo, ok := media.Photo.(*tg.Photo)
			if !ok {
				continue
			}
			size := largestPhotoSize(photo.Sizes)
			if size == "" {
				continue
			}
			return &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     size,
			}, nil
		case *tg.MessageMediaDocument:
			doc, ok := media.Document.(*tg.Document)
			if !ok {
				continue
			}
			return &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			}, nil
		}
	}
	return nil, archive.NewMediaError("message has no downloadable media", nil)
}

func rawMessages(resp tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch v := resp.(type) {
	case *tg.MessagesMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesSlice:
		return v.Messages, nil
	case *tg.MessagesChannelMessages:
		return v.Messages, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected history response %T", resp)
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	var best string
	var bestArea int
	for _, s := range sizes {
		switch sz := s.(type) {
		case *tg.PhotoSize:
			area := sz.W * sz.H
			if area > bestArea {
				bestArea = area
				best = sz.Type
			}
		case *tg.PhotoSizeProgressive:
			area := sz.W * sz.H
			if area > bestArea {
				bestArea = area
				best = sz.Type
			}
		}
	}
	return best
}

// GetMeID returns the current account's own user id, used as the "Saved
// Messages" target.
func (g *Gateway) GetMeID(ctx context.Context) (int64, error) {
	var id int64
	g.pace(ctx)
	err := withFloodWaitPolicy(ctx, g.threshold, func() error {
		self, callErr := g.api.UsersGetFullUser(ctx, &tg.InputUserSelf{})
		if callErr != nil {
			return callErr
		}
		id = self.FullUser.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SendMessage delivers a watcher alert. RandomID is a fresh pseudo-random
// value drawn on every attempt; retries therefore are not deduplicated,
// which is acceptable for a best-effort alert (unlike bulk notification
// delivery).
func (g *Gateway) SendMessage(ctx context.Context, chatID int64, text string) error {
	peer, _, err := g.inputPeer(ctx, chatID)
	if err != nil {
		return err
	}
	g.pace(ctx)
	return withFloodWaitPolicy(ctx, g.threshold, func() error {
		_, callErr := g.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  text,
			RandomID: rand.Int64(),
		})
		return callErr
	})
}
