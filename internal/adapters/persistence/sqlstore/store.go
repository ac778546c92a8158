// Package sqlstore implements archive.Store over an embedded, write-ahead
// logged SQL engine (modernc.org/sqlite, pure Go — no cgo). It owns two
// files under the data directory: messages.db (+ WAL siblings) and
// state.json, the checkpoint mirror written with atomic temp+fsync+rename
// semantics.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/logger"
	"tgarchivist/internal/infra/storage"

	_ "modernc.org/sqlite"
)

// Store is the SQL-backed implementation of archive.Store.
type Store struct {
	db *sql.DB

	statePath string
	stateMu   sync.RWMutex
	lastIDs   map[int64]int32

	maskMu sync.RWMutex
	mask   []string
}

var _ archive.Store = (*Store)(nil)

// Open creates the data directory if absent, opens messages.db with WAL
// journaling and synchronous=NORMAL, applies the schema, and loads the
// checkpoint mirror from state.json.
func Open(dataDir string) (*Store, error) {
	if err := storage.EnsureDir(filepath.Join(dataDir, "messages.db")); err != nil {
		return nil, archive.NewRepoError("ensure data dir", err)
	}

	dbPath := filepath.Join(dataDir, "messages.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, archive.NewRepoError("open sqlite", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL with this
	// pure-Go driver; readers still proceed concurrently via WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, archive.NewRepoError("apply pragma: "+pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, archive.NewRepoError("apply schema", err)
	}

	s := &Store{
		db:        db,
		statePath: filepath.Join(dataDir, "state.json"),
		lastIDs:   make(map[int64]int32),
		mask:      append([]string(nil), serviceMessagePhrases...),
	}
	if err := s.loadState(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetServiceMessageMask overrides the substrings used to exclude
// service-message rows from get_messages_by_week / get_unanalyzed_weeks.
// Exposed as a hook per the localization Open Question in §9.
func (s *Store) SetServiceMessageMask(phrases []string) {
	s.maskMu.Lock()
	defer s.maskMu.Unlock()
	s.mask = append([]string(nil), phrases...)
}

func (s *Store) serviceMask() []string {
	s.maskMu.RLock()
	defer s.maskMu.RUnlock()
	return append([]string(nil), s.mask...)
}

// --- state.json checkpoint mirror -----------------------------------------

type persistedState struct {
	LastMessageIDs map[string]int32 `json:"last_message_ids"`
}

func (s *Store) loadState() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	data, err := storage.ReadFileIfExists(s.statePath)
	if err != nil {
		return archive.NewStateError("read state.json", err)
	}
	if len(data) == 0 {
		return nil
	}
	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		logger.Warnf("sqlstore: state.json is corrupt, starting from empty checkpoint: %v", err)
		return nil
	}
	for k, v := range p.LastMessageIDs {
		id, convErr := strconv.ParseInt(k, 10, 64)
		if convErr != nil {
			continue
		}
		s.lastIDs[id] = v
	}
	return nil
}

// persistStateLocked assumes stateMu is already held for writing.
func (s *Store) persistStateLocked() error {
	out := persistedState{LastMessageIDs: make(map[string]int32, len(s.lastIDs))}
	for k, v := range s.lastIDs {
		out.LastMessageIDs[strconv.FormatInt(k, 10)] = v
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return archive.NewStateError("encode state.json", err)
	}
	if err := storage.AtomicWriteFile(s.statePath, data); err != nil {
		return archive.NewStateError("write state.json", err)
	}
	return nil
}

func (s *Store) GetLastMessageID(_ context.Context, chatID int64) (int32, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastIDs[chatID], nil
}

func (s *Store) SetLastMessageID(_ context.Context, chatID int64, id int32) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastIDs[chatID] = id
	return s.persistStateLocked()
}

// --- messages ---------------------------------------------------------------

func (s *Store) SaveMessages(ctx context.Context, chatID int64, batch []archive.Message) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return archive.NewRepoError("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (chat_id, id, date, text, media_json, from_user_id, reply_to_msg_id, edit_history_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, id) DO NOTHING
	`)
	if err != nil {
		return archive.NewRepoError("prepare insert", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		var mediaJSON, editJSON sql.NullString
		if m.Media != nil {
			b, mErr := json.Marshal(m.Media)
			if mErr != nil {
				return archive.NewRepoError("encode media", mErr)
			}
			mediaJSON = sql.NullString{String: string(b), Valid: true}
		}
		if len(m.EditHistory) > 0 {
			b, mErr := json.Marshal(m.EditHistory)
			if mErr != nil {
				return archive.NewRepoError("encode edit history", mErr)
			}
			editJSON = sql.NullString{String: string(b), Valid: true}
		}
		var fromUser sql.NullInt64
		if m.SenderID != nil {
			fromUser = sql.NullInt64{Int64: *m.SenderID, Valid: true}
		}
		var replyTo sql.NullInt64
		if m.ReplyToMsgID != nil {
			replyTo = sql.NullInt64{Int64: int64(*m.ReplyToMsgID), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, chatID, m.ID, m.Date, m.Text, mediaJSON, fromUser, replyTo, editJSON); err != nil {
			return archive.NewRepoError("insert message", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return archive.NewRepoError("commit", err)
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, chatID int64, limit, offset int) ([]archive.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, date, text, media_json, from_user_id, reply_to_msg_id, edit_history_json
		FROM messages WHERE chat_id = ?
		ORDER BY date DESC
		LIMIT ? OFFSET ?
	`, chatID, limit, offset)
	if err != nil {
		return nil, archive.NewRepoError("query messages", err)
	}
	defer rows.Close()
	return scanMessages(rows, chatID)
}

func scanMessages(rows *sql.Rows, chatID int64) ([]archive.Message, error) {
	var out []archive.Message
	for rows.Next() {
		var (
			m          archive.Message
			mediaJSON  sql.NullString
			fromUser   sql.NullInt64
			replyTo    sql.NullInt64
			editJSON   sql.NullString
		)
		m.ChatID = chatID
		if err := rows.Scan(&m.ID, &m.Date, &m.Text, &mediaJSON, &fromUser, &replyTo, &editJSON); err != nil {
			return nil, archive.NewRepoError("scan message", err)
		}
		if mediaJSON.Valid {
			var ref archive.MediaReference
			if err := json.Unmarshal([]byte(mediaJSON.String), &ref); err == nil {
				m.Media = &ref
			}
		}
		if fromUser.Valid {
			v := fromUser.Int64
			m.SenderID = &v
		}
		if replyTo.Valid {
			v := int32(replyTo.Int64)
			m.ReplyToMsgID = &v
		}
		if editJSON.Valid {
			var hist []archive.EditSnapshot
			if err := json.Unmarshal([]byte(editJSON.String), &hist); err == nil {
				m.EditHistory = hist
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, archive.NewRepoError("iterate messages", err)
	}
	return out, nil
}

// --- blacklist / targets -----------------------------------------------------

func (s *Store) GetBlacklistedIDs(ctx context.Context) (map[int64]struct{}, error) {
	return s.readIDSet(ctx, "blacklist")
}

func (s *Store) UpdateBlacklist(ctx context.Context, ids map[int64]struct{}) error {
	return s.replaceIDSet(ctx, "blacklist", ids)
}

func (s *Store) GetTargetIDs(ctx context.Context) (map[int64]struct{}, error) {
	return s.readIDSet(ctx, "targets")
}

func (s *Store) UpdateTargets(ctx context.Context, ids map[int64]struct{}) error {
	return s.replaceIDSet(ctx, "targets", ids)
}

func (s *Store) readIDSet(ctx context.Context, table string) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT chat_id FROM %s", table))
	if err != nil {
		return nil, archive.NewRepoError("query "+table, err)
	}
	defer rows.Close()
	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, archive.NewRepoError("scan "+table, err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) replaceIDSet(ctx context.Context, table string, ids map[int64]struct{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return archive.NewRepoError("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return archive.NewRepoError("clear "+table, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (chat_id) VALUES (?)", table))
	if err != nil {
		return archive.NewRepoError("prepare insert "+table, err)
	}
	defer stmt.Close()
	for id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return archive.NewRepoError("insert "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return archive.NewRepoError("commit "+table, err)
	}
	return nil
}

// --- entity registry ----------------------------------------------------------

func (s *Store) GetAccessHash(ctx context.Context, peerID int64) (int64, bool, error) {
	var hash int64
	err := s.db.QueryRowContext(ctx, `SELECT access_hash FROM entity_registry WHERE peer_id = ?`, peerID).Scan(&hash)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, archive.NewRepoError("query entity_registry", err)
	}
	return hash, true, nil
}

func (s *Store) SaveEntity(ctx context.Context, row archive.EntityRegistryRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_registry (peer_id, access_hash, peer_kind, username, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			access_hash = excluded.access_hash,
			peer_kind   = excluded.peer_kind,
			username    = excluded.username,
			updated_at  = excluded.updated_at
	`, row.PeerID, row.AccessHash, string(row.PeerKind), row.Username, row.UpdatedAt)
	if err != nil {
		return archive.NewRepoError("upsert entity_registry", err)
	}
	return nil
}

// --- analysis log -------------------------------------------------------------

func (s *Store) serviceMaskWhereClause() (string, []any) {
	mask := s.serviceMask()
	clause := "text != ''"
	args := []any{}
	for _, phrase := range mask {
		clause += " AND text NOT LIKE ?"
		args = append(args, "%"+phrase+"%")
	}
	return clause, args
}

// GetUnanalyzedWeeks returns every week_group present in messages (after the
// service-message mask) for which analysis_log has no row yet.
func (s *Store) GetUnanalyzedWeeks(ctx context.Context, chatID int64) ([]string, error) {
	maskClause, maskArgs := s.serviceMaskWhereClause()
	query := fmt.Sprintf(`
		SELECT DISTINCT strftime('%%Y-%%W', date, 'unixepoch') AS week
		FROM messages
		WHERE chat_id = ? AND %s
		AND week NOT IN (SELECT week_group FROM analysis_log WHERE chat_id = ?)
		ORDER BY week ASC
	`, maskClause)
	args := append([]any{chatID}, maskArgs...)
	args = append(args, chatID)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, archive.NewRepoError("query unanalyzed weeks", err)
	}
	defer rows.Close()
	var weeks []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, archive.NewRepoError("scan week", err)
		}
		weeks = append(weeks, w)
	}
	return weeks, rows.Err()
}

// GetMessagesByWeek groups the filtered, chronologically-ordered messages of
// a chat by their week_group string.
func (s *Store) GetMessagesByWeek(ctx context.Context, chatID int64) (map[string][]archive.Message, error) {
	maskClause, maskArgs := s.serviceMaskWhereClause()
	query := fmt.Sprintf(`
		SELECT strftime('%%Y-%%W', date, 'unixepoch') AS week, id, date, text, media_json, from_user_id, reply_to_msg_id, edit_history_json
		FROM messages
		WHERE chat_id = ? AND %s
		ORDER BY date ASC
	`, maskClause)
	args := append([]any{chatID}, maskArgs...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, archive.NewRepoError("query messages by week", err)
	}
	defer rows.Close()

	grouped := make(map[string][]archive.Message)
	for rows.Next() {
		var (
			week       string
			m          archive.Message
			mediaJSON  sql.NullString
			fromUser   sql.NullInt64
			replyTo    sql.NullInt64
			editJSON   sql.NullString
		)
		m.ChatID = chatID
		if err := rows.Scan(&week, &m.ID, &m.Date, &m.Text, &mediaJSON, &fromUser, &replyTo, &editJSON); err != nil {
			return nil, archive.NewRepoError("scan message by week", err)
		}
		if mediaJSON.Valid {
			var ref archive.MediaReference
			if err := json.Unmarshal([]byte(mediaJSON.String), &ref); err == nil {
				m.Media = &ref
			}
		}
		if fromUser.Valid {
			v := fromUser.Int64
			m.SenderID = &v
		}
		if replyTo.Valid {
			v := int32(replyTo.Int64)
			m.ReplyToMsgID = &v
		}
		if editJSON.Valid {
			var hist []archive.EditSnapshot
			if err := json.Unmarshal([]byte(editJSON.String), &hist); err == nil {
				m.EditHistory = hist
			}
		}
		grouped[week] = append(grouped[week], m)
	}
	return grouped, rows.Err()
}

func (s *Store) SaveAnalysis(ctx context.Context, result archive.AnalysisResult) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return archive.NewRepoError("encode analysis result", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_log (chat_id, week_group, analyzed_at, summary, full_result_blob)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, week_group) DO UPDATE SET
			analyzed_at      = excluded.analyzed_at,
			summary          = excluded.summary,
			full_result_blob = excluded.full_result_blob
	`, result.ChatID, result.WeekGroup, result.AnalyzedAt, result.Summary, string(blob))
	if err != nil {
		return archive.NewRepoError("upsert analysis_log", err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, chatID int64, week string) (*archive.AnalysisLogRow, error) {
	var row archive.AnalysisLogRow
	row.ChatID = chatID
	row.WeekGroup = week
	err := s.db.QueryRowContext(ctx, `
		SELECT analyzed_at, summary, full_result_blob FROM analysis_log WHERE chat_id = ? AND week_group = ?
	`, chatID, week).Scan(&row.AnalyzedAt, &row.Summary, &row.FullResultBlob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, archive.NewRepoError("query analysis_log", err)
	}
	return &row, nil
}

