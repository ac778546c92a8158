package sqlstore

import (
	"context"
	"testing"

	"tgarchivist/internal/domain/archive"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveMessagesIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []archive.Message{
		{ChatID: 1, ID: 10, Date: 100, Text: "hello"},
		{ChatID: 1, ID: 11, Date: 101, Text: "world"},
	}
	if err := s.SaveMessages(ctx, 1, batch); err != nil {
		t.Fatalf("first SaveMessages: %v", err)
	}
	// Re-inserting the same batch (e.g. after a crash mid-sync) must not
	// duplicate or error.
	if err := s.SaveMessages(ctx, 1, batch); err != nil {
		t.Fatalf("second SaveMessages: %v", err)
	}

	got, err := s.GetMessages(ctx, 1, 100, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages after duplicate insert, got %d", len(got))
	}
}

func TestSaveMessagesPreservesOptionalFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sender := int64(555)
	replyTo := int32(9)
	msg := archive.Message{
		ChatID:       2,
		ID:           20,
		Date:         200,
		Text:         "reply text",
		SenderID:     &sender,
		ReplyToMsgID: &replyTo,
		Media: &archive.MediaReference{
			ChatID:       2,
			MessageID:    20,
			Kind:         archive.MediaPhoto,
			OpaqueHandle: "opaque-handle",
		},
		EditHistory: []archive.EditSnapshot{{Date: 150, Text: "original text"}},
	}
	if err := s.SaveMessages(ctx, 2, []archive.Message{msg}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := s.GetMessages(ctx, 2, 10, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	m := got[0]
	if m.SenderID == nil || *m.SenderID != sender {
		t.Errorf("SenderID = %v, want %d", m.SenderID, sender)
	}
	if m.ReplyToMsgID == nil || *m.ReplyToMsgID != replyTo {
		t.Errorf("ReplyToMsgID = %v, want %d", m.ReplyToMsgID, replyTo)
	}
	if m.Media == nil || m.Media.OpaqueHandle != "opaque-handle" {
		t.Errorf("Media = %+v", m.Media)
	}
	if len(m.EditHistory) != 1 || m.EditHistory[0].Text != "original text" {
		t.Errorf("EditHistory = %+v", m.EditHistory)
	}
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.SetLastMessageID(ctx, 42, 777); err != nil {
		t.Fatalf("SetLastMessageID: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetLastMessageID(ctx, 42)
	if err != nil {
		t.Fatalf("GetLastMessageID: %v", err)
	}
	if got != 777 {
		t.Errorf("GetLastMessageID after reopen = %d, want 777", got)
	}
}

func TestBlacklistAndTargetsFullReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateBlacklist(ctx, map[int64]struct{}{1: {}, 2: {}}); err != nil {
		t.Fatalf("UpdateBlacklist: %v", err)
	}
	ids, err := s.GetBlacklistedIDs(ctx)
	if err != nil {
		t.Fatalf("GetBlacklistedIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 blacklisted ids, got %d", len(ids))
	}

	// A second call with a disjoint set must fully replace, not merge.
	if err := s.UpdateBlacklist(ctx, map[int64]struct{}{3: {}}); err != nil {
		t.Fatalf("UpdateBlacklist #2: %v", err)
	}
	ids, err = s.GetBlacklistedIDs(ctx)
	if err != nil {
		t.Fatalf("GetBlacklistedIDs #2: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected blacklist replaced to 1 entry, got %d", len(ids))
	}
	if _, ok := ids[3]; !ok {
		t.Errorf("expected id 3 present after replace, got %v", ids)
	}
}

func TestEntityRegistryUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := archive.EntityRegistryRow{PeerID: 99, AccessHash: 111, PeerKind: archive.ChatGroup, Username: "grp", UpdatedAt: 1000}
	if err := s.SaveEntity(ctx, row); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}
	hash, ok, err := s.GetAccessHash(ctx, 99)
	if err != nil {
		t.Fatalf("GetAccessHash: %v", err)
	}
	if !ok || hash != 111 {
		t.Fatalf("GetAccessHash = (%d, %v), want (111, true)", hash, ok)
	}

	row.AccessHash = 222
	if err := s.SaveEntity(ctx, row); err != nil {
		t.Fatalf("SaveEntity update: %v", err)
	}
	hash, ok, err = s.GetAccessHash(ctx, 99)
	if err != nil {
		t.Fatalf("GetAccessHash after update: %v", err)
	}
	if !ok || hash != 222 {
		t.Fatalf("GetAccessHash after update = (%d, %v), want (222, true)", hash, ok)
	}
}

func TestUnknownPeerAccessHashNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetAccessHash(context.Background(), 12345)
	if err != nil {
		t.Fatalf("GetAccessHash: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for unknown peer")
	}
}

func TestGetMessagesByWeekExcludesServiceMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []archive.Message{
		{ChatID: 3, ID: 1, Date: 1700000000, Text: "real content one"},
		{ChatID: 3, ID: 2, Date: 1700000100, Text: "Alice joined the group"},
		{ChatID: 3, ID: 3, Date: 1700000200, Text: "real content two"},
	}
	if err := s.SaveMessages(ctx, 3, batch); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	grouped, err := s.GetMessagesByWeek(ctx, 3)
	if err != nil {
		t.Fatalf("GetMessagesByWeek: %v", err)
	}
	var total int
	for _, msgs := range grouped {
		total += len(msgs)
		for _, m := range msgs {
			if m.Text == "Alice joined the group" {
				t.Errorf("service message leaked into grouped output: %+v", m)
			}
		}
	}
	if total != 2 {
		t.Errorf("expected 2 non-service messages grouped, got %d", total)
	}
}

func TestAnalysisLogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	result := archive.AnalysisResult{
		ChatID:    4,
		WeekGroup: "2024-30",
		Summary:   "a quiet week",
		KeyTopics: []string{"planning"},
		ActionItems: []archive.ActionItem{
			{Description: "ship the report", Owner: "alice", Priority: archive.PriorityHigh},
		},
		AnalyzedAt: 1700000000,
	}
	if err := s.SaveAnalysis(ctx, result); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}

	row, err := s.GetAnalysis(ctx, 4, "2024-30")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if row == nil {
		t.Fatal("GetAnalysis returned nil row")
	}
	if row.Summary != "a quiet week" {
		t.Errorf("Summary = %q", row.Summary)
	}
	if row.FullResultBlob == "" {
		t.Error("FullResultBlob empty, want serialized AnalysisResult")
	}
}

func TestGetAnalysisMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	row, err := s.GetAnalysis(context.Background(), 4, "1999-01")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if row != nil {
		t.Errorf("expected nil row for missing analysis, got %+v", row)
	}
}

func TestGetUnanalyzedWeeksExcludesAnalyzed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveMessages(ctx, 5, []archive.Message{
		{ChatID: 5, ID: 1, Date: 1700000000, Text: "week content"},
	}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	weeks, err := s.GetUnanalyzedWeeks(ctx, 5)
	if err != nil {
		t.Fatalf("GetUnanalyzedWeeks: %v", err)
	}
	if len(weeks) != 1 {
		t.Fatalf("expected 1 unanalyzed week, got %d (%v)", len(weeks), weeks)
	}

	if err := s.SaveAnalysis(ctx, archive.AnalysisResult{ChatID: 5, WeekGroup: weeks[0], Summary: "done"}); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}

	weeks, err = s.GetUnanalyzedWeeks(ctx, 5)
	if err != nil {
		t.Fatalf("GetUnanalyzedWeeks after analysis: %v", err)
	}
	if len(weeks) != 0 {
		t.Errorf("expected 0 unanalyzed weeks after SaveAnalysis, got %v", weeks)
	}
}

func TestServiceMessageMaskIsOverridable(t *testing.T) {
	s := openTestStore(t)
	s.SetServiceMessageMask([]string{"pinned a message"})
	ctx := context.Background()

	if err := s.SaveMessages(ctx, 6, []archive.Message{
		{ChatID: 6, ID: 1, Date: 1700000000, Text: "Bob pinned a message"},
		{ChatID: 6, ID: 2, Date: 1700000100, Text: "Alice joined the group"},
	}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	grouped, err := s.GetMessagesByWeek(ctx, 6)
	if err != nil {
		t.Fatalf("GetMessagesByWeek: %v", err)
	}
	var texts []string
	for _, msgs := range grouped {
		for _, m := range msgs {
			texts = append(texts, m.Text)
		}
	}
	if len(texts) != 1 || texts[0] != "Alice joined the group" {
		t.Errorf("with overridden mask, expected only the default phrase to remain, got %v", texts)
	}
}
