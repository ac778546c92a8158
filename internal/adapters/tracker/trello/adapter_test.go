package trello

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// withLocalCardsURL redirects the package-level cardsURL to srv for the
// duration of one test and restores it on cleanup.
func withLocalCardsURL(t *testing.T, srv *httptest.Server) {
	t.Helper()
	prev := cardsURL
	cardsURL = srv.URL
	t.Cleanup(func() { cardsURL = prev })
}

func TestCreateTaskSendsExpectedBody(t *testing.T) {
	var captured cardBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" || r.URL.Query().Get("token") != "tok" {
			t.Errorf("missing/incorrect key or token query params: %s", r.URL.RawQuery)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withLocalCardsURL(t, srv)

	a := New("k", "tok", "board1", "list1")
	due := "2026-08-15"
	if err := a.CreateTask(context.Background(), "title", "desc", &due); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if captured.IDList != "list1" || captured.Name != "title" || captured.Desc != "desc" || captured.Due != due {
		t.Errorf("unexpected body: %+v", captured)
	}
}

func TestCreateTaskOmitsDueWhenNil(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withLocalCardsURL(t, srv)

	a := New("k", "tok", "board1", "list1")
	if err := a.CreateTask(context.Background(), "title", "desc", nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, ok := raw["due"]; ok {
		t.Errorf("expected due field omitted, got %v", raw["due"])
	}
}

func TestCreateTaskSurfacesTaskTrackerErrorOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad token"))
	}))
	defer srv.Close()
	withLocalCardsURL(t, srv)

	a := New("k", "tok", "board1", "list1")
	if err := a.CreateTask(context.Background(), "title", "desc", nil); err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}
