// Package app is the composition root of the archival agent: it wires
// configuration, the durable store, the MTProto client, the AI and task
// tracker adapters, and hands the live session to a Runner that performs
// login, starts the sync/watcher/media subsystems, and serves the operator
// console.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"tgarchivist/internal/adapters/ai/openai"
	"tgarchivist/internal/adapters/persistence/sqlstore"
	"tgarchivist/internal/adapters/tracker/trello"
	"tgarchivist/internal/domain/analysis"
	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/config"
	"tgarchivist/internal/infra/logger"
	"tgarchivist/internal/infra/telegram/session"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
)

// App agregates the archivist's long-lived collaborators. Construction is
// split into Init (config-only, no network) and Run (live MTProto session),
// mirroring how the client can only make RPCs once it is inside Run's
// callback.
type App struct {
	client         *telegram.Client
	store          archive.Store
	ai             archive.AiPort
	tracker        archive.TaskTrackerPort
	analysisEngine *analysis.Engine

	mediaChan   chan archive.MediaReference
	peersDBPath string

	ctx  context.Context
	stop context.CancelFunc

	runner *Runner
}

// NewApp returns an empty App. Init performs the actual wiring.
func NewApp() *App {
	return &App{}
}

// Init opens the durable store, builds the AI and (optional) task tracker
// adapters, and constructs the MTProto client against the configured
// session file. It performs no network I/O of its own; login happens in
// Run, once the client's connection loop is live.
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	logger.Info("archivist initializing...")

	a.ctx = ctx
	a.stop = stop

	cfg := config.Env()

	store, err := sqlstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	a.ai = openai.New(cfg.AiURL, cfg.AiAPIKey, cfg.AiModel)

	if cfg.TrelloKey != "" && cfg.TrelloToken != "" {
		a.tracker = trello.New(cfg.TrelloKey, cfg.TrelloToken, cfg.TrelloBoardID, cfg.TrelloListID)
		logger.Debug("task tracker dispatch enabled (trello)")
	} else {
		logger.Debug("task tracker dispatch disabled: no TRELLO_KEY/TRELLO_TOKEN configured")
	}

	reportsDir := filepath.Join(cfg.DataDir, "reports")
	a.analysisEngine = analysis.New(a.store, a.ai, a.tracker, reportsDir)

	a.peersDBPath = filepath.Join(cfg.DataDir, "peers.db")
	a.mediaChan = make(chan archive.MediaReference, cfg.MediaQueueSize)

	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		Device: telegram.DeviceConfig{
			DeviceModel:   "tgarchivist",
			SystemVersion: "linux",
			AppVersion:    "1.0.0",
		},
	}
	if cfg.TestDC {
		options.DCList = dcs.Test()
	}

	a.client = telegram.NewClient(cfg.APIID, cfg.APIHash, options)

	a.runner = NewRunner(
		a.ctx, a.stop,
		a.client, a.store, a.ai, a.tracker, a.analysisEngine,
		a.mediaChan, a.peersDBPath, cfg,
	)

	return nil
}

// Run delegates to the Runner, blocking until the session ends.
func (a *App) Run() error {
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Errorf("close store: %v", err)
		}
	}()
	return a.runner.Run()
}
