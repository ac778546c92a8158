// Package tgutil holds small stateless helpers for working with gotd/td
// wire types that don't belong to any one adapter.
package tgutil

import "github.com/gotd/td/tg"

// GetPeerID normalizes a bare peer reference (user, chat, or channel) down
// to its numeric id, returning 0 for an unrecognized peer kind. Used by the
// gateway to fill an archived message's SenderID from its from_id peer.
func GetPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}
