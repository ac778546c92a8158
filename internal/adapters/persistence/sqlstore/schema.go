package sqlstore

// schema holds the DDL applied on Open. Grounded on the original SQLite
// repository (messages/entity_registry tables, WAL pragmas) and on the
// pure-Go modernc.org/sqlite usage pattern found in the retrieval pack's
// chat-store example.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	chat_id            INTEGER NOT NULL,
	id                 INTEGER NOT NULL,
	date               INTEGER NOT NULL,
	text               TEXT NOT NULL DEFAULT '',
	media_json         TEXT,
	from_user_id       INTEGER,
	reply_to_msg_id    INTEGER,
	edit_history_json  TEXT,
	PRIMARY KEY (chat_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_date ON messages (chat_id, date DESC);

CREATE TABLE IF NOT EXISTS entity_registry (
	peer_id     INTEGER PRIMARY KEY,
	access_hash INTEGER NOT NULL,
	peer_kind   TEXT NOT NULL,
	username    TEXT,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blacklist (
	chat_id INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS targets (
	chat_id INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS analysis_log (
	chat_id          INTEGER NOT NULL,
	week_group       TEXT NOT NULL,
	analyzed_at      INTEGER NOT NULL,
	summary          TEXT NOT NULL,
	full_result_blob TEXT NOT NULL,
	PRIMARY KEY (chat_id, week_group)
);
`

// serviceMessagePhrases is the default service-message mask (§9 Open
// Question: kept as an injectable hook, not a hard SQL literal, so a
// localized deployment can swap it without touching the query).
var serviceMessagePhrases = []string{"joined the group", "left the group"}
