package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgarchivist/internal/adapters/telegram/gateway"
	"tgarchivist/internal/adapters/telegram/resolver"
	"tgarchivist/internal/domain/analysis"
	"tgarchivist/internal/domain/archive"
	syncdomain "tgarchivist/internal/domain/sync"
	"tgarchivist/internal/domain/watcher"
	"tgarchivist/internal/infra/config"
	"tgarchivist/internal/infra/lifecycle"
	"tgarchivist/internal/infra/logger"
	tgauth "tgarchivist/internal/infra/telegram/auth"
	"tgarchivist/internal/infra/telegram/peersmgr"
	"tgarchivist/internal/infra/pr"

	"tgarchivist/internal/adapters/media"

	"github.com/gotd/td/telegram"
	gotdauth "github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Runner owns the live MTProto session: login, the dependent services it
// unlocks (peer resolution, sync, watcher, media), and the operator
// console. Everything here only runs once, inside client.Run's callback.
type Runner struct {
	client         *telegram.Client
	store          archive.Store
	ai             archive.AiPort
	tracker        archive.TaskTrackerPort
	analysisEngine *analysis.Engine

	mediaChan   chan archive.MediaReference
	peersDBPath string
	cfg         config.EnvConfig

	mainCtx    context.Context
	mainCancel context.CancelFunc

	lc *lifecycle.Manager
}

// NewRunner builds a Runner from the collaborators App assembled in Init.
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	client *telegram.Client,
	store archive.Store,
	ai archive.AiPort,
	tracker archive.TaskTrackerPort,
	analysisEngine *analysis.Engine,
	mediaChan chan archive.MediaReference,
	peersDBPath string,
	cfg config.EnvConfig,
) *Runner {
	return &Runner{
		client:         client,
		store:          store,
		ai:             ai,
		tracker:        tracker,
		analysisEngine: analysisEngine,
		mediaChan:      mediaChan,
		peersDBPath:    peersDBPath,
		cfg:            cfg,
		mainCtx:        mainCtx,
		mainCancel:     mainCancel,
	}
}

// Run logs in, wires every dependent subsystem, starts them through a
// lifecycle.Manager, serves the operator console, and tears everything
// down in reverse order once the main context is cancelled.
func (r *Runner) Run() error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var shutdownWG sync.WaitGroup
	shutdownWG.Add(1)
	go func() {
		defer shutdownWG.Done()
		<-r.mainCtx.Done()
		logger.Debug("shutdown signal received, stopping runner...")
		pr.InterruptReadline()
		if r.lc != nil {
			if err := r.lc.Shutdown(); err != nil {
				logger.Errorf("lifecycle shutdown: %v", err)
			}
		}
		clientCancel()
	}()

	return r.client.Run(clientCtx, func(ctx context.Context) error {
		logger.Info("archivist running...")

		self, err := r.loginSelf(ctx)
		if err != nil {
			return err
		}

		// Dialog-listing pacing rides on the same SYNC_DELAY_MS knob the
		// sync engine paces history pages with (min=1x, max=3x), rather
		// than peersmgr hard-coding its own figure.
		peersSvc, err := peersmgr.New(r.client.API(), r.peersDBPath,
			peersmgr.WithDialogPageWait(r.cfg.SyncDelayMs, r.cfg.SyncDelayMs*3))
		if err != nil {
			return fmt.Errorf("init peers manager: %w", err)
		}
		defer func() {
			if err := peersSvc.Close(); err != nil {
				logger.Errorf("close peers manager: %v", err)
			}
		}()
		if err := r.warmupPeers(ctx, peersSvc); err != nil {
			return err
		}

		res := resolver.New(peersSvc, r.client.API())
		threshold := time.Duration(r.cfg.FloodWaitThresholdSecs) * time.Second
		gw := gateway.New(r.client.API(), res, peersSvc, threshold, r.cfg.ExportDelayMs)

		syncDelay := time.Duration(r.cfg.SyncDelayMs) * time.Millisecond
		syncEngine := syncdomain.New(gw, r.store, r.mediaChan, syncDelay)

		mediaDir := filepath.Join(r.cfg.DataDir, "media")
		pipeline := media.New(gw, mediaDir, r.cfg.MaxConcurrentDownloads, nil)

		watcherCycle := time.Duration(r.cfg.WatcherCycleSecs) * time.Second
		watcherLoop := watcher.New(syncEngine, gw, r.store, watcherCycle)

		if err := r.startServices(ctx, pipeline, watcherLoop); err != nil {
			return fmt.Errorf("start services: %w", err)
		}

		logger.Info("archivist ready", zap.Int64("self_id", self.ID), zap.String("username", self.Username))

		cmdDone := make(chan struct{})
		go func() {
			defer close(cmdDone)
			r.runConsole(ctx, gw, syncEngine)
		}()

		<-ctx.Done()
		shutdownWG.Wait()
		<-cmdDone
		return ctx.Err()
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := gotdauth.NewFlow(
		tgauth.TerminalAuthenticator{PhoneNumber: r.cfg.Phone},
		gotdauth.SendCodeOptions{},
	)
	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("self: %w", err)
	}
	logger.Info("logged in", zap.String("first_name", self.FirstName), zap.Int64("id", self.ID))
	return self, nil
}

func (r *Runner) warmupPeers(ctx context.Context, peersSvc *peersmgr.Service) error {
	if err := peersSvc.Mgr.Init(ctx); err != nil {
		return fmt.Errorf("init peers manager: %w", err)
	}
	if err := peersSvc.LoadFromStorage(ctx); err != nil {
		logger.Errorf("load peers from storage: %v", err)
	}
	if err := peersSvc.WarmupIfEmpty(ctx, r.client.API()); err != nil {
		return fmt.Errorf("warm up peers manager: %w", err)
	}
	logger.Debug("peers warmup complete")
	return nil
}

// startServices registers the media pipeline and watcher loop with the
// lifecycle manager and starts them in dependency order.
func (r *Runner) startServices(ctx context.Context, pipeline *media.Pipeline, watcherLoop *watcher.Loop) error {
	r.lc = lifecycle.New(ctx)

	err := r.lc.Register("media_pipeline", "", nil,
		func(nodeCtx context.Context) (context.Context, error) {
			go pipeline.Run(nodeCtx, r.mediaChan)
			return nil, nil
		},
		func(context.Context) error { return nil },
	)
	if err != nil {
		return err
	}

	err = r.lc.Register("watcher", "", nil,
		func(nodeCtx context.Context) (context.Context, error) {
			go watcherLoop.Run(nodeCtx)
			return nil, nil
		},
		func(context.Context) error { return nil },
	)
	if err != nil {
		return err
	}

	return r.lc.StartAll()
}

// runConsole serves the operator's interactive commands until ctx is
// cancelled or the user types "exit"/"quit". Each command runs
// synchronously; a long backfill blocks the prompt, matching the
// single-operator nature of this tool.
func (r *Runner) runConsole(ctx context.Context, gw archive.PlatformGateway, syncEngine *syncdomain.Engine) {
	pr.Println("archivist console ready. Commands: dialogs, backfill <chat_id|all>, analyze <chat_id> [latest], targets, exit")
	for {
		pr.SetPrompt("archivist> ")
		line, err := pr.Rl().Readline()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		switch fields[0] {
		case "exit", "quit":
			r.mainCancel()
			return
		case "dialogs":
			r.handleDialogs(ctx, gw)
		case "backfill":
			r.handleBackfill(ctx, syncEngine, fields)
		case "analyze":
			r.handleAnalyze(ctx, fields)
		case "targets":
			r.handleTargets(ctx)
		default:
			pr.Printf("unknown command %q\n", fields[0])
		}
	}
}

func (r *Runner) handleDialogs(ctx context.Context, gw archive.PlatformGateway) {
	chats, err := gw.GetDialogs(ctx)
	if err != nil {
		pr.Printf("list dialogs: %v\n", err)
		return
	}
	for _, c := range chats {
		pr.Printf("%d\t%-10s\t%s\n", c.ID, c.Kind, c.Title)
	}
}

func (r *Runner) handleBackfill(ctx context.Context, syncEngine *syncdomain.Engine, fields []string) {
	if len(fields) < 2 {
		pr.Println("usage: backfill <chat_id|all>")
		return
	}
	if fields[1] == "all" {
		targets, err := r.store.GetTargetIDs(ctx)
		if err != nil {
			pr.Printf("list targets: %v\n", err)
			return
		}
		ids := make([]int64, 0, len(targets))
		for id := range targets {
			ids = append(ids, id)
		}
		results := syncEngine.SyncChats(ctx, ids, true)
		for id, res := range results {
			pr.Printf("chat %d: synced=%d messages\n", id, res.MessagesSynced)
		}
		return
	}
	chatID, err := parseChatID(fields[1])
	if err != nil {
		pr.Printf("invalid chat id: %v\n", err)
		return
	}
	res, err := syncEngine.SyncChat(ctx, chatID, true)
	if err != nil {
		pr.Printf("backfill failed: %v\n", err)
		return
	}
	pr.Printf("synced %d messages\n", res.MessagesSynced)
}

func (r *Runner) handleAnalyze(ctx context.Context, fields []string) {
	if len(fields) < 2 {
		pr.Println("usage: analyze <chat_id> [latest]")
		return
	}
	chatID, err := parseChatID(fields[1])
	if err != nil {
		pr.Printf("invalid chat id: %v\n", err)
		return
	}
	singleWeek := len(fields) >= 3 && fields[2] == "latest"
	reports, err := r.analysisEngine.AnalyzeChat(ctx, chatID, singleWeek)
	if err != nil {
		pr.Printf("analysis failed: %v\n", err)
		return
	}
	if len(reports) == 0 {
		pr.Println("nothing to analyze")
		return
	}
	for _, path := range reports {
		pr.Printf("wrote %s\n", path)
	}
}

func (r *Runner) handleTargets(ctx context.Context) {
	targets, err := r.store.GetTargetIDs(ctx)
	if err != nil {
		pr.Printf("list targets: %v\n", err)
		return
	}
	if len(targets) == 0 {
		pr.Println("no targets configured")
		return
	}
	for id := range targets {
		pr.Printf("%d\n", id)
	}
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("expected an integer chat id")
	}
	return id, nil
}
