package peersmgr

import (
	"context"
	"errors"
	"fmt"

	tgruntime "tgarchivist/internal/infra/telegram/runtime"

	"github.com/gotd/td/tg"
)

const (
	// DefaultDialogPageWaitMinMs/MaxMs are the pacing range fetchDialogs
	// falls back to when the caller (peersmgr.Service) wasn't configured
	// with one — equal to SYNC_DELAY_MS's own default/3x-default (§6), so
	// an operator who hasn't touched SYNC_DELAY_MS sees the same pacing
	// this file always used.
	DefaultDialogPageWaitMinMs = 500
	DefaultDialogPageWaitMaxMs = 1500
	dialogPageLimit            = 100
	zeroOffset                 = 0
)

var errDialogsNotModified = errors.New("dialogs not modified")

// fetchDialogs walks the user's full dialog list via MessagesGetDialogs,
// paging on (offset_date, offset_id, offset_peer) and tracking access
// hashes as they're observed so later pages can build a proper input peer
// for the offset rather than an empty one. Pacing between pages is
// [waitMinMs, waitMaxMs] inclusive, driven by the same SYNC_DELAY_MS configuration
// SyncEngine paces its own history pages with (peersmgr.Service derives it
// from config rather than this file hard-coding its own figure).
func fetchDialogs(ctx context.Context, api *tg.Client, waitMinMs, waitMaxMs int) (*tg.MessagesDialogs, error) {
	all := &tg.MessagesDialogs{}

	offsetDate := zeroOffset
	offsetID := zeroOffset
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	userHash := make(map[int64]int64)
	channelHash := make(map[int64]int64)

	tgruntime.WaitRandomTimeMs(ctx, waitMinMs, waitMaxMs)

	for {
		page, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogPageLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("MessagesGetDialogs: %w", err)
		}

		batch, err := asDialogsPage(page)
		if err != nil {
			if errors.Is(err, errDialogsNotModified) {
				return all, nil
			}
			return nil, err
		}
		if len(batch.Dialogs) == 0 {
			break
		}

		all.Dialogs = append(all.Dialogs, batch.Dialogs...)
		all.Messages = append(all.Messages, batch.Messages...)
		all.Chats = append(all.Chats, batch.Chats...)
		all.Users = append(all.Users, batch.Users...)

		learnAccessHashes(batch, userHash, channelHash)

		last := batch.Dialogs[len(batch.Dialogs)-1]
		prevDate, prevID := offsetDate, offsetID

		switch dlg := last.(type) {
		case *tg.Dialog:
			offsetID = dlg.TopMessage
			offsetDate = topMessageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = toInputPeer(dlg.Peer, userHash, channelHash)
		case *tg.DialogFolder:
			offsetID = dlg.TopMessage
			offsetDate = topMessageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = toInputPeer(dlg.Peer, userHash, channelHash)
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if offsetDate == zeroOffset {
			offsetDate = prevDate
		}
		if offsetID == zeroOffset {
			offsetID = prevID
		}
		if offsetPeer == nil {
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if len(batch.Dialogs) < dialogPageLimit {
			break
		}
		tgruntime.WaitRandomTimeMs(ctx, waitMinMs, waitMaxMs)
	}

	return all, nil
}

// asDialogsPage normalizes the three possible MessagesGetDialogs response
// shapes into a plain *tg.MessagesDialogs, or errDialogsNotModified when the
// server says the cached copy is still current.
func asDialogsPage(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, errDialogsNotModified
	default:
		return nil, fmt.Errorf("unexpected dialogs response: %T", resp)
	}
}

// learnAccessHashes records the access hash of every user/channel seen in
// batch so a later page's offset_peer can be built without a fresh lookup.
func learnAccessHashes(batch *tg.MessagesDialogs, userHash, channelHash map[int64]int64) {
	for _, entity := range batch.Users {
		if user, ok := entity.(*tg.User); ok {
			userHash[user.ID] = user.AccessHash
		}
	}
	for _, entity := range batch.Chats {
		if channel, ok := entity.(*tg.Channel); ok {
			channelHash[channel.ID] = channel.AccessHash
		}
	}
}

// topMessageDate finds the unix date of the message with the given id
// among messages, covering both regular and service messages.
func topMessageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		switch item := msg.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return zeroOffset
}

// toInputPeer converts a bare peer reference to an input peer, filling in
// the access hash from the hash maps accumulated during this fetch.
func toInputPeer(peer tg.PeerClass, userHash, channelHash map[int64]int64) tg.InputPeerClass {
	switch entity := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: entity.UserID, AccessHash: userHash[entity.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: entity.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: entity.ChannelID, AccessHash: channelHash[entity.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}
