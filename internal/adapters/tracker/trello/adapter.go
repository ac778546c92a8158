// Package trello implements archive.TaskTrackerPort against the Trello REST
// API, grounded on the original trello.rs adapter. Trello has no Go client
// in the retrieval pack (see DESIGN.md), so this talks to the API directly
// over net/http in the teacher's botapi notifier style (plain JSON body,
// query-string auth).
package trello

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tgarchivist/internal/domain/archive"
)

// cardsURL is a var rather than a const so tests can redirect it at a local
// httptest server.
var cardsURL = "https://api.trello.com/1/cards"

const httpClientTimeout = 30 * time.Second

// Adapter creates Trello cards as tasks. BoardID is retained only for
// reference; card creation targets ListID directly.
type Adapter struct {
	client  *http.Client
	apiKey  string
	token   string
	boardID string
	listID  string
}

// New builds an Adapter. apiKey and token come from https://trello.com/app-key.
func New(apiKey, token, boardID, listID string) *Adapter {
	return &Adapter{
		client:  &http.Client{Timeout: httpClientTimeout},
		apiKey:  apiKey,
		token:   token,
		boardID: boardID,
		listID:  listID,
	}
}

type cardBody struct {
	IDList string `json:"idList"`
	Name   string `json:"name"`
	Desc   string `json:"desc"`
	Due    string `json:"due,omitempty"`
}

// CreateTask creates one Trello card in the configured list. due, if
// non-nil, is passed through verbatim as Trello's "due" field.
func (a *Adapter) CreateTask(ctx context.Context, title, description string, due *string) error {
	body := cardBody{IDList: a.listID, Name: title, Desc: description}
	if due != nil {
		body.Due = *due
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return archive.NewTaskTrackerError("encode card body", err)
	}

	endpoint := fmt.Sprintf("%s?key=%s&token=%s", cardsURL, url.QueryEscape(a.apiKey), url.QueryEscape(a.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return archive.NewTaskTrackerError("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return archive.NewTaskTrackerError("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return archive.NewTaskTrackerError(fmt.Sprintf("trello api error %d: %s", resp.StatusCode, string(data)), nil)
	}
	return nil
}
