package analysis

import (
	"context"
	"os"
	"strings"
	"testing"

	"tgarchivist/internal/domain/archive"
)

type fakeStore struct {
	archive.Store
	weeks     []string
	grouped   map[string][]archive.Message
	saved     []archive.AnalysisResult
	saveErr   error
}

func (s *fakeStore) GetUnanalyzedWeeks(context.Context, int64) ([]string, error) {
	return s.weeks, nil
}

func (s *fakeStore) GetMessagesByWeek(context.Context, int64) (map[string][]archive.Message, error) {
	return s.grouped, nil
}

func (s *fakeStore) SaveAnalysis(_ context.Context, result archive.AnalysisResult) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, result)
	return nil
}

type fakeAI struct {
	analyzeCalls   int
	summarizeCalls int
	result         archive.AnalysisResult
	analyzeErr     error
}

func (a *fakeAI) Analyze(_ context.Context, chatID int64, week, _ string) (archive.AnalysisResult, error) {
	a.analyzeCalls++
	if a.analyzeErr != nil {
		return archive.AnalysisResult{}, a.analyzeErr
	}
	res := a.result
	res.ChatID = chatID
	res.WeekGroup = week
	return res, nil
}

func (a *fakeAI) Summarize(context.Context, string) (string, error) {
	a.summarizeCalls++
	return "summary chunk", nil
}

type fakeTracker struct {
	created []string
}

func (t *fakeTracker) CreateTask(_ context.Context, title, _ string, _ *string) error {
	t.created = append(t.created, title)
	return nil
}

func TestAnalyzeChatSingleChunkSkipsSummarize(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		weeks:   []string{"2026-30"},
		grouped: map[string][]archive.Message{"2026-30": {senderMsg(1, 1700000000, 1, "hi")}},
	}
	ai := &fakeAI{result: archive.AnalysisResult{Summary: "s", KeyTopics: []string{"t"}}}
	e := New(store, ai, nil, dir)

	reports, err := e.AnalyzeChat(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("AnalyzeChat: %v", err)
	}
	if ai.summarizeCalls != 0 || ai.analyzeCalls != 1 {
		t.Errorf("expected single Analyze call with no Summarize, got analyze=%d summarize=%d", ai.analyzeCalls, ai.summarizeCalls)
	}
	if len(store.saved) != 1 || store.saved[0].WeekGroup != "2026-30" {
		t.Errorf("expected 1 saved analysis for week 2026-30, got %+v", store.saved)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report path, got %d", len(reports))
	}
	body, err := os.ReadFile(reports[0])
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(body), "## Summary") {
		t.Errorf("report missing summary section: %s", body)
	}
}

func TestAnalyzeChatMultiChunkSummarizesThenAnalyzes(t *testing.T) {
	dir := t.TempDir()
	var messages []archive.Message
	longText := strings.Repeat("a", 2000)
	for i := int32(0); i < 30; i++ {
		messages = append(messages, senderMsg(i, 1700000000+int64(i), 1, longText))
	}
	store := &fakeStore{weeks: []string{"2026-30"}, grouped: map[string][]archive.Message{"2026-30": messages}}
	ai := &fakeAI{result: archive.AnalysisResult{Summary: "combined"}}
	e := New(store, ai, nil, dir)

	if _, err := e.AnalyzeChat(context.Background(), 1, false); err != nil {
		t.Fatalf("AnalyzeChat: %v", err)
	}
	if ai.summarizeCalls < 2 {
		t.Errorf("expected Summarize called per chunk, got %d", ai.summarizeCalls)
	}
	if ai.analyzeCalls != 1 {
		t.Errorf("expected a single final Analyze call, got %d", ai.analyzeCalls)
	}
}

func TestAnalyzeChatSingleWeekRestrictsToLatest(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		weeks: []string{"2026-28", "2026-29", "2026-30"},
		grouped: map[string][]archive.Message{
			"2026-28": {senderMsg(1, 1700000000, 1, "a")},
			"2026-29": {senderMsg(2, 1700000100, 1, "b")},
			"2026-30": {senderMsg(3, 1700000200, 1, "c")},
		},
	}
	ai := &fakeAI{result: archive.AnalysisResult{Summary: "s"}}
	e := New(store, ai, nil, dir)

	if _, err := e.AnalyzeChat(context.Background(), 1, true); err != nil {
		t.Fatalf("AnalyzeChat: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].WeekGroup != "2026-30" {
		t.Fatalf("expected only latest week analyzed, got %+v", store.saved)
	}
}

func TestAnalyzeChatNoUnanalyzedWeeksReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{}
	e := New(store, &fakeAI{}, nil, dir)

	reports, err := e.AnalyzeChat(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("AnalyzeChat: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("expected no reports, got %v", reports)
	}
}

func TestAnalyzeChatDispatchesActionItemsToTracker(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		weeks:   []string{"2026-30"},
		grouped: map[string][]archive.Message{"2026-30": {senderMsg(1, 1700000000, 1, "hi")}},
	}
	ai := &fakeAI{result: archive.AnalysisResult{
		Summary: "s",
		ActionItems: []archive.ActionItem{
			{Description: "reply to bob", Owner: "alice", Priority: archive.PriorityHigh},
		},
	}}
	tracker := &fakeTracker{}
	e := New(store, ai, tracker, dir)

	if _, err := e.AnalyzeChat(context.Background(), 1, false); err != nil {
		t.Fatalf("AnalyzeChat: %v", err)
	}
	if len(tracker.created) != 1 || tracker.created[0] != "reply to bob" {
		t.Errorf("expected 1 dispatched task, got %v", tracker.created)
	}
}

func TestAnalyzeChatContinuesPastWeekFailure(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		weeks: []string{"2026-29", "2026-30"},
		grouped: map[string][]archive.Message{
			"2026-29": {senderMsg(1, 1700000000, 1, "a")},
			"2026-30": {senderMsg(2, 1700000100, 1, "b")},
		},
	}
	ai := &fakeAI{analyzeErr: archive.NewAiError("boom", nil)}
	e := New(store, ai, nil, dir)

	reports, err := e.AnalyzeChat(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("AnalyzeChat should not fail the whole run: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("expected no reports when every week's AI call fails, got %v", reports)
	}
}
