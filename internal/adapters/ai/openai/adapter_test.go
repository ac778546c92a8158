package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSanitizeJSONCleanInput(t *testing.T) {
	in := `{"summary": "test"}`
	if got := sanitizeJSON(in); got != in {
		t.Errorf("sanitizeJSON(%q) = %q, want unchanged", in, got)
	}
}

func TestSanitizeJSONMarkdownFenceWithLang(t *testing.T) {
	in := "```json\n{\"summary\": \"test\"}\n```"
	want := `{"summary": "test"}`
	if got := sanitizeJSON(in); got != want {
		t.Errorf("sanitizeJSON = %q, want %q", got, want)
	}
}

func TestSanitizeJSONMarkdownFenceNoLang(t *testing.T) {
	in := "```\n{\"summary\": \"test\"}\n```"
	want := `{"summary": "test"}`
	if got := sanitizeJSON(in); got != want {
		t.Errorf("sanitizeJSON = %q, want %q", got, want)
	}
}

func TestSanitizeJSONSurroundingProse(t *testing.T) {
	in := "Here is the analysis:\n{\"summary\": \"test\", \"key_topics\": []}"
	want := `{"summary": "test", "key_topics": []}`
	if got := sanitizeJSON(in); got != want {
		t.Errorf("sanitizeJSON = %q, want %q", got, want)
	}
}

func newFakeServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing/incorrect Authorization header: %q", r.Header.Get("Authorization"))
		}
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{}}
		resp.Choices[0].Message.Content = content
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestAnalyzeParsesWellFormedResponse(t *testing.T) {
	body := `{"summary":"s","key_topics":["a","b"],"action_items":[{"description":"do x","owner":"bob","deadline":"2026-08-01","priority":"high"}]}`
	srv := newFakeServer(t, "```json\n"+body+"\n```")
	defer srv.Close()

	a := New(srv.URL, "test-key", "gpt-4o-mini")
	res, err := a.Analyze(context.Background(), 42, "2026-31", "Date;User;Message\n")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Summary != "s" || len(res.KeyTopics) != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.ActionItems) != 1 || res.ActionItems[0].Owner != "bob" {
		t.Errorf("unexpected action items: %+v", res.ActionItems)
	}
	if res.ChatID != 42 || res.WeekGroup != "2026-31" {
		t.Errorf("chat_id/week not threaded through: %+v", res)
	}
}

func TestAnalyzeSurfacesAiErrorOnBadJSON(t *testing.T) {
	srv := newFakeServer(t, "not json at all")
	defer srv.Close()

	a := New(srv.URL, "test-key", "gpt-4o-mini")
	_, err := a.Analyze(context.Background(), 1, "2026-01", "csv")
	if err == nil {
		t.Fatal("expected an error for unparsable content")
	}
}

func TestSummarizeReturnsTrimmedContent(t *testing.T) {
	srv := newFakeServer(t, "  a plain summary  \n")
	defer srv.Close()

	a := New(srv.URL, "test-key", "gpt-4o-mini")
	got, err := a.Summarize(context.Background(), "some context")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "a plain summary" {
		t.Errorf("Summarize = %q, want trimmed", got)
	}
}

func TestSendTreatsClientErrorAsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid api key"))
	}))
	defer srv.Close()

	a := New(srv.URL, "bad-key", "gpt-4o-mini")
	_, err := a.Analyze(context.Background(), 1, "2026-01", "csv")
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Errorf("expected a 4xx to short-circuit retries, got %d attempts", attempts)
	}
}
