// Package archive holds the core domain types of the archival agent: messages,
// media references, chats, checkpoints and analysis results. Nothing in this
// package talks to a network or a disk; adapters translate to and from it.
package archive

// MediaKind enumerates the platform media categories the pipeline understands.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
	MediaOther     MediaKind = "other"
)

// Extension returns the fixed filename extension for the media kind, per the
// MediaPipeline's download-destination naming rule.
func (k MediaKind) Extension() string {
	switch k {
	case MediaPhoto:
		return "jpg"
	case MediaVideo:
		return "mp4"
	case MediaAudio:
		return "ogg"
	case MediaVoice:
		return "ogg"
	case MediaSticker:
		return "webp"
	case MediaAnimation:
		return "mp4"
	case MediaDocument:
		return "bin"
	default:
		return "bin"
	}
}

// ChatKind classifies a dialog.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// MediaReference is an opaque pointer to a downloadable artifact attached to a
// message. The opaque handle is produced and consumed only by the gateway;
// the core never interprets it.
type MediaReference struct {
	ChatID      int64
	MessageID   int32
	Kind        MediaKind
	OpaqueHandle string
}

// EditSnapshot preserves one prior version of a message's text, oldest-first,
// in Message.EditHistory.
type EditSnapshot struct {
	Date int64
	Text string
}

// Message is an immutable record identified by (ChatID, ID). Date uses the
// edit date when the platform reports one, so the stored row always reflects
// the "current" view of the message.
type Message struct {
	ChatID        int64
	ID            int32
	Date          int64
	Text          string
	Media         *MediaReference
	SenderID      *int64
	ReplyToMsgID  *int32
	EditHistory   []EditSnapshot
}

// Chat is a dialog summary used for listings; it is not persisted as a
// first-class table.
type Chat struct {
	ID                 int64
	Title              string
	Username           string
	Kind               ChatKind
	ApproxMessageCount int32
}

// EntityRegistryRow is the durable record the gateway consults to rebuild an
// input handle for a peer without a dialog call.
type EntityRegistryRow struct {
	PeerID     int64
	AccessHash int64
	PeerKind   ChatKind
	Username   string
	UpdatedAt  int64
}

// ActionItemPriority is a closed set of priorities an AI analysis may assign
// to an action item.
type ActionItemPriority string

const (
	PriorityHigh   ActionItemPriority = "high"
	PriorityMedium ActionItemPriority = "medium"
	PriorityLow    ActionItemPriority = "low"
)

// ActionItem is one task extracted from a week's conversation by the AI.
type ActionItem struct {
	Description string
	Owner       string
	Deadline    string
	Priority    ActionItemPriority
}

// AnalysisResult is the in-memory aggregate produced by the AnalysisEngine
// for one (chat, week). It is serialized verbatim into AnalysisLog's
// full_result_blob so a retrieval is lossless.
type AnalysisResult struct {
	ChatID      int64
	WeekGroup   string
	Summary     string
	KeyTopics   []string
	ActionItems []ActionItem
	AnalyzedAt  int64
}

// AnalysisLogRow mirrors the persisted analysis_log table row.
type AnalysisLogRow struct {
	ChatID         int64
	WeekGroup      string
	AnalyzedAt     int64
	Summary        string
	FullResultBlob string
}
