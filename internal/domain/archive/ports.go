package archive

import "context"

// Store is the durable persistence capability. Implementations MUST be
// ACID: save_messages is one transaction, checkpoint replace is atomic, and
// readers never observe a partial write.
type Store interface {
	SaveMessages(ctx context.Context, chatID int64, batch []Message) error
	GetMessages(ctx context.Context, chatID int64, limit, offset int) ([]Message, error)
	GetLastMessageID(ctx context.Context, chatID int64) (int32, error)
	SetLastMessageID(ctx context.Context, chatID int64, id int32) error

	GetBlacklistedIDs(ctx context.Context) (map[int64]struct{}, error)
	UpdateBlacklist(ctx context.Context, ids map[int64]struct{}) error
	GetTargetIDs(ctx context.Context) (map[int64]struct{}, error)
	UpdateTargets(ctx context.Context, ids map[int64]struct{}) error

	GetAccessHash(ctx context.Context, peerID int64) (int64, bool, error)
	SaveEntity(ctx context.Context, row EntityRegistryRow) error

	GetUnanalyzedWeeks(ctx context.Context, chatID int64) ([]string, error)
	GetMessagesByWeek(ctx context.Context, chatID int64) (map[string][]Message, error)
	SaveAnalysis(ctx context.Context, result AnalysisResult) error
	GetAnalysis(ctx context.Context, chatID int64, week string) (*AnalysisLogRow, error)

	Close() error
}

// PlatformGateway is the chat-platform collaborator. All five operations
// return *archive.Error and never panic.
type PlatformGateway interface {
	GetDialogs(ctx context.Context) ([]Chat, error)
	GetMessages(ctx context.Context, chatID int64, minID, maxID int32, limit int) ([]Message, error)
	DownloadMedia(ctx context.Context, ref MediaReference, destPath string) error
	GetMeID(ctx context.Context) (int64, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// PeerResolver resolves a chat id to the platform's input handle, coalescing
// concurrent cold resolutions for the same id into one dialog iteration.
type PeerResolver interface {
	Resolve(ctx context.Context, chatID int64) (CachedPeer, error)
	// Invalidate drops any cached entry for chatID, forcing the next Resolve
	// to re-iterate dialogs. Callers use this when a CachedPeer fails to
	// convert to a usable handle (session drift) before retrying Resolve.
	Invalidate(chatID int64)
}

// CachedPeer is the minimal information PeerResolver needs to mint an input
// handle later, opaque to the domain layer.
type CachedPeer struct {
	ChatID   int64
	Kind     ChatKind
	Handle   any
}

// AiPort is the LLM collaborator used by AnalysisEngine.
type AiPort interface {
	Analyze(ctx context.Context, chatID int64, week string, csvText string) (AnalysisResult, error)
	Summarize(ctx context.Context, text string) (string, error)
}

// TaskTrackerPort is the optional external task tracker collaborator.
type TaskTrackerPort interface {
	CreateTask(ctx context.Context, title, description string, due *string) error
}
