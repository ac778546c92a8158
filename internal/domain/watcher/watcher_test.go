package watcher

import (
	"context"
	"strings"
	"testing"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/domain/sync"
)

type fakeEngine struct {
	synced map[int64]int
	err    map[int64]error
	calls  []int64
}

func (e *fakeEngine) SyncChat(_ context.Context, chatID int64, includeMedia bool) (sync.Result, error) {
	e.calls = append(e.calls, chatID)
	if includeMedia {
		panic("watcher must run SyncChat in text-only mode")
	}
	if err := e.err[chatID]; err != nil {
		return sync.Result{}, err
	}
	return sync.Result{MessagesSynced: e.synced[chatID]}, nil
}

type fakeGateway struct {
	dialogs []archive.Chat
	ownID   int64
	sent    []string
}

func (g *fakeGateway) GetDialogs(context.Context) ([]archive.Chat, error) { return g.dialogs, nil }
func (g *fakeGateway) GetMessages(context.Context, int64, int32, int32, int) ([]archive.Message, error) {
	return nil, nil
}
func (g *fakeGateway) DownloadMedia(context.Context, archive.MediaReference, string) error { return nil }
func (g *fakeGateway) GetMeID(context.Context) (int64, error)                              { return g.ownID, nil }
func (g *fakeGateway) SendMessage(_ context.Context, _ int64, text string) error {
	g.sent = append(g.sent, text)
	return nil
}

type fakeStore struct {
	archive.Store
	targets  map[int64]struct{}
	messages []archive.Message
}

func (s *fakeStore) GetTargetIDs(context.Context) (map[int64]struct{}, error) { return s.targets, nil }
func (s *fakeStore) GetMessages(_ context.Context, _ int64, limit, _ int) ([]archive.Message, error) {
	if limit > len(s.messages) {
		limit = len(s.messages)
	}
	return s.messages[:limit], nil
}

func TestRunCycleEmitsAlertOnKeywordMatch(t *testing.T) {
	store := &fakeStore{
		targets:  map[int64]struct{}{42: {}},
		messages: []archive.Message{{ChatID: 42, ID: 1, Text: "deploy failed, this is Urgent"}},
	}
	gw := &fakeGateway{dialogs: []archive.Chat{{ID: 42, Title: "ops"}}, ownID: 7}
	eng := &fakeEngine{synced: map[int64]int{42: 1}}
	l := New(eng, gw, store, 0)

	l.runCycle(context.Background())

	if len(gw.sent) != 1 {
		t.Fatalf("expected 1 alert, got %d: %v", len(gw.sent), gw.sent)
	}
	if !strings.Contains(gw.sent[0], "Urgent") || !strings.Contains(gw.sent[0], "ops") {
		t.Errorf("alert missing expected content: %q", gw.sent[0])
	}
}

func TestRunCycleSkipsEmptyTargetSet(t *testing.T) {
	store := &fakeStore{targets: map[int64]struct{}{}}
	gw := &fakeGateway{ownID: 7}
	eng := &fakeEngine{}
	l := New(eng, gw, store, 0)

	l.runCycle(context.Background())

	if len(eng.calls) != 0 {
		t.Errorf("expected no sync calls for empty target set, got %v", eng.calls)
	}
}

func TestRunCycleSkipsAlertWhenNothingSynced(t *testing.T) {
	store := &fakeStore{targets: map[int64]struct{}{42: {}}}
	gw := &fakeGateway{dialogs: []archive.Chat{{ID: 42, Title: "ops"}}, ownID: 7}
	eng := &fakeEngine{synced: map[int64]int{42: 0}}
	l := New(eng, gw, store, 0)

	l.runCycle(context.Background())

	if len(gw.sent) != 0 {
		t.Errorf("expected no alerts when messages_synced is 0, got %v", gw.sent)
	}
}

func TestRunCycleIsolatesPerChatFailure(t *testing.T) {
	store := &fakeStore{
		targets:  map[int64]struct{}{1: {}, 2: {}},
		messages: []archive.Message{{ChatID: 2, ID: 1, Text: "Production incident"}},
	}
	gw := &fakeGateway{dialogs: []archive.Chat{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}}, ownID: 7}
	eng := &fakeEngine{
		synced: map[int64]int{2: 1},
		err:    map[int64]error{1: archive.NewGatewayError("boom", nil)},
	}
	l := New(eng, gw, store, 0)

	l.runCycle(context.Background())

	if len(eng.calls) != 2 {
		t.Fatalf("expected both chats attempted, got %v", eng.calls)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("expected chat 2's alert to still fire, got %v", gw.sent)
	}
}

func TestWatchChatTruncatesLongText(t *testing.T) {
	long := strings.Repeat("x", 300)
	store := &fakeStore{messages: []archive.Message{{ChatID: 1, ID: 1, Text: "Bug: " + long}}}
	gw := &fakeGateway{}
	eng := &fakeEngine{synced: map[int64]int{1: 1}}
	l := New(eng, gw, store, 0)

	l.watchChat(context.Background(), 1, "chat", 7)

	if len(gw.sent) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(gw.sent))
	}
	if !strings.HasSuffix(gw.sent[0], "...") {
		t.Errorf("expected truncated text to end with '...', got %q", gw.sent[0])
	}
}
