// Package app is the composition root and programmatic facade: the surface
// an HTTP/WebSocket layer (or the CLI) calls into. It wires config, storage,
// the event bus, the queue, the engine, and the task scheduler together and
// exposes every queue, config, archive, and inspection operation.
package app

import (
	"context"
	"log/slog"

	"tubeflow/internal/archive"
	"tubeflow/internal/config"
	"tubeflow/internal/engine"
	"tubeflow/internal/events"
	"tubeflow/internal/infocache"
	"tubeflow/internal/preset"
	"tubeflow/internal/queue"
	"tubeflow/internal/scheduler"
	"tubeflow/internal/storage"
)

// defaultPresets are merged at startup and stay read-only through the CRUD
// surface.
var defaultPresets = []storage.Preset{
	{Name: "default", Description: "Built-in defaults", Default: true},
	{Name: "audio-only", Description: "Extract best audio", CLI: "-x --audio-format mp3", Default: true},
}

type App struct {
	cfg *config.Config
	log *slog.Logger

	store    *storage.Store
	bus      *events.Bus
	queue    *queue.Manager
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	cache    *infocache.Cache
	archive  *archive.Manager
	resolver *preset.Resolver
	dl       engine.Downloader
}

// New wires the full application. dl may be nil, in which case the yt-dlp
// implementation from config is used; tests pass a fake.
func New(cfg *config.Config, log *slog.Logger, dl engine.Downloader) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := storage.Open(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if dl == nil {
		dl = engine.NewYtDlp(cfg.DownloaderPath, log)
	}

	bus := events.NewBus(log)
	q := queue.NewManager(cfg.ExtractorQuota)
	cache := infocache.New(0)
	arch := archive.NewManager()
	resolver := preset.NewResolver(cfg, log)

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		bus:      bus,
		queue:    q,
		cache:    cache,
		archive:  arch,
		resolver: resolver,
		dl:       dl,
	}
	a.engine = engine.New(cfg, log, store, bus, q, resolver, cache, arch, dl)
	a.sched = scheduler.New(cfg, log, store, arch, scheduler.NewRegistry(), a.enqueue)
	return a, nil
}

// Bus exposes the event bus so outer layers can subscribe.
func (a *App) Bus() *events.Bus { return a.bus }

// Sources exposes the URL source registry for registration at startup.
func (a *App) Sources() *scheduler.Registry { return a.sched.Sources() }

// Start recovers interrupted items, reloads the waiting set, merges default
// presets, and launches the engine and scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.store.MergeDefaultPresets(defaultPresets); err != nil {
		return err
	}

	recovered, err := a.store.RecoverInterrupted()
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.log.Info("recovered interrupted downloads", "count", recovered)
	}

	items, err := a.store.QueueItems()
	if err != nil {
		return err
	}
	for i := range items {
		it := items[i]
		a.queue.Add(&it)
	}
	if len(items) > 0 {
		a.log.Info("reloaded waiting queue", "count", len(items))
	}

	a.engine.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	a.engine.Signal()
	return nil
}

// Shutdown drains the pool within the configured grace, checkpoints the WAL,
// and closes the store.
func (a *App) Shutdown() {
	a.sched.Stop()
	a.engine.Shutdown(a.cfg.ShutdownGrace)
	if err := a.store.Checkpoint(); err != nil {
		a.log.Warn("wal checkpoint failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", "error", err)
	}
	a.log.Info("shutdown complete")
}

// enqueue persists a scheduler-built item, admits it, and announces it. It
// is the scheduler's sink; Add goes through the same path after validation.
func (a *App) enqueue(ctx context.Context, item *storage.Item) error {
	if err := a.store.InsertItem(storage.WhereQueue, item); err != nil {
		return err
	}
	a.queue.Add(item)
	a.bus.Publish(events.Event{Kind: events.ItemAdded, ItemID: item.ID, Payload: item})
	a.engine.Signal()
	return nil
}
