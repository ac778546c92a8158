// Package watcher implements the periodic keyword-alerting loop from §4.F:
// drive SyncEngine over the target set in text-only mode, then scan the
// rows it just persisted for a fixed keyword list and alert the operator's
// own account, in the teacher's client_sender.go idiom of classifying a
// per-recipient failure and moving on rather than aborting the whole run.
package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/domain/sync"
	"tgarchivist/internal/infra/logger"
	"tgarchivist/internal/support/debug"

	"go.uber.org/zap"
)

// Keywords is the fixed, case-insensitive alert vocabulary.
var Keywords = []string{"Urgent", "Bug", "Error", "Production"}

const (
	// DefaultCycle is the sleep between watch cycles absent an override.
	DefaultCycle = 600 * time.Second
	// alertBodyLimit truncates the quoted message text in an alert.
	alertBodyLimit = 200
)

// Engine is the subset of sync.Engine the watcher drives; its own type so
// tests can substitute a fake without constructing a real sync.Engine.
type Engine interface {
	SyncChat(ctx context.Context, chatID int64, includeMedia bool) (sync.Result, error)
}

// Loop periodically syncs the target set and alerts on keyword matches.
type Loop struct {
	engine  Engine
	gateway archive.PlatformGateway
	store   archive.Store
	cycle   time.Duration
}

// New builds a Loop. cycle <= 0 selects DefaultCycle.
func New(engine Engine, gateway archive.PlatformGateway, store archive.Store, cycle time.Duration) *Loop {
	if cycle <= 0 {
		cycle = DefaultCycle
	}
	return &Loop{engine: engine, gateway: gateway, store: store, cycle: cycle}
}

// Run executes cycles until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		l.runCycle(ctx)
		if !sleepCtx(ctx, l.cycle) {
			return
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) {
	targets, err := l.store.GetTargetIDs(ctx)
	if err != nil {
		logger.Error("watcher: read target set failed", zap.Error(err))
		return
	}
	if len(targets) == 0 {
		return
	}

	ownID, err := l.gateway.GetMeID(ctx)
	if err != nil {
		logger.Error("watcher: resolve own id failed", zap.Error(err))
		return
	}

	titles := l.dialogTitles(ctx, targets)

	for chatID := range targets {
		if err := ctx.Err(); err != nil {
			return
		}
		l.watchChat(ctx, chatID, titles[chatID], ownID)
	}
}

// dialogTitles fetches dialogs once per cycle and restricts the title map to
// the target set, per §4.F step 2.
func (l *Loop) dialogTitles(ctx context.Context, targets map[int64]struct{}) map[int64]string {
	titles := make(map[int64]string, len(targets))
	dialogs, err := l.gateway.GetDialogs(ctx)
	if err != nil {
		logger.Warn("watcher: list dialogs failed, alerts will omit titles", zap.Error(err))
		return titles
	}
	for _, d := range dialogs {
		if _, ok := targets[d.ID]; ok {
			titles[d.ID] = d.Title
		}
	}
	return titles
}

// watchChat syncs one target chat and scans any newly-synced rows for
// keywords. A failure here is logged and never halts the cycle.
func (l *Loop) watchChat(ctx context.Context, chatID int64, title string, ownID int64) {
	res, err := l.engine.SyncChat(ctx, chatID, false)
	if err != nil {
		if seconds, ok := archive.AsFloodWait(err); ok {
			logger.Warn("watcher: chat flood-waited", zap.Int64("chat_id", chatID), zap.Uint64("seconds", seconds))
		} else {
			logger.Error("watcher: sync chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		return
	}
	if res.MessagesSynced == 0 {
		return
	}
	if title == "" {
		title = fmt.Sprintf("%d", chatID)
	}

	rows, err := l.store.GetMessages(ctx, chatID, res.MessagesSynced, 0)
	if err != nil {
		logger.Error("watcher: read newly synced rows failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}

	for _, m := range rows {
		for _, kw := range Keywords {
			if !containsFold(m.Text, kw) {
				continue
			}
			alert := fmt.Sprintf("[ALERT] Keyword '%s' found in chat '%s': %s", kw, title, truncate(m.Text, alertBodyLimit))
			debug.PrintMessage("watcher", title, m)
			if err := l.gateway.SendMessage(ctx, ownID, alert); err != nil {
				logger.Error("watcher: alert send failed", zap.Int64("chat_id", chatID), zap.String("keyword", kw), zap.Error(err))
			}
		}
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
