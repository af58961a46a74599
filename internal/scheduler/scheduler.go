// Package scheduler runs recurring tasks: one cron entry fires at the
// process-wide handler timer, and each tick fans enabled tasks out to their
// URL sources, enqueueing candidates that are not already in the preset's
// download archive.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"tubeflow/internal/archive"
	"tubeflow/internal/config"
	"tubeflow/internal/storage"
)

// Candidate is one enqueueable entry returned by a URL source.
type Candidate struct {
	URL       string         `json:"url"`
	ArchiveID string         `json:"archive_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// URLSource turns a task URL into candidates. Implementations register by
// stable name; the scheduler and the inspect API only route through this
// interface.
type URLSource interface {
	Name() string
	CanHandle(url string) bool
	SupportsManualInspection() bool
	Extract(ctx context.Context, url string, task *storage.Task) ([]Candidate, error)
}

// Registry holds the registered URL sources in registration order; the
// first CanHandle match wins.
type Registry struct {
	mu      sync.RWMutex
	sources []URLSource
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(s URLSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

// Match returns the first source that handles url, or nil.
func (r *Registry) Match(url string) URLSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sources {
		if s.CanHandle(url) {
			return s
		}
	}
	return nil
}

// ByName returns the source registered under name, or nil.
func (r *Registry) ByName(name string) URLSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sources {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// EnqueueFunc hands a built item to the queue pipeline (persist, admit,
// announce). The facade provides it; the scheduler never touches the queue
// directly.
type EnqueueFunc func(ctx context.Context, item *storage.Item) error

type Scheduler struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	archive  *archive.Manager
	registry *Registry
	enqueue  EnqueueFunc

	cron    *cron.Cron
	baseCtx context.Context

	mu        sync.Mutex
	taskLocks map[uint]*sync.Mutex
	lastTick  time.Time

	now func() time.Time
}

func New(cfg *config.Config, log *slog.Logger, store *storage.Store,
	arch *archive.Manager, registry *Registry, enqueue EnqueueFunc) *Scheduler {

	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		log:       log,
		store:     store,
		archive:   arch,
		registry:  registry,
		enqueue:   enqueue,
		taskLocks: map[uint]*sync.Mutex{},
		now:       time.Now,
	}
}

// Registry exposes the source registry for the inspect API.
func (s *Scheduler) Sources() *Registry { return s.registry }

// Start registers the single cron entry and begins ticking. A blank handler
// timer disables the scheduler entirely.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx
	timer := strings.TrimSpace(s.cfg.TasksHandlerTimer)
	if timer == "" {
		s.log.Info("task scheduler disabled: no handler timer")
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(timer, s.tick); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastTick = s.now()
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("task scheduler started", "timer", timer)
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	now := s.now()
	s.mu.Lock()
	since := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	tasks, err := s.store.EnabledTasks()
	if err != nil {
		s.log.Error("load tasks", "error", err)
		return
	}

	g, ctx := errgroup.WithContext(s.baseCtx)
	g.SetLimit(s.cfg.PlaylistItemsConcurrency)
	for i := range tasks {
		task := tasks[i]
		if !s.due(&task, since, now) {
			continue
		}
		g.Go(func() error {
			s.RunTask(ctx, &task)
			return nil
		})
	}
	_ = g.Wait()
}

// due reports whether the task's own timer fired inside (since, now]. A
// blank timer runs on every handler tick; an unparseable timer never runs.
func (s *Scheduler) due(task *storage.Task, since, now time.Time) bool {
	timer := strings.TrimSpace(task.Timer)
	if timer == "" {
		return true
	}
	sched, err := cron.ParseStandard(timer)
	if err != nil {
		s.log.Warn("task has invalid timer", "task", task.ID, "timer", task.Timer, "error", err)
		return false
	}
	next := sched.Next(since)
	return !next.After(now)
}

// RunTask resolves and enqueues one task's candidates. Runs for the same
// task are serialized; different tasks proceed in parallel.
func (s *Scheduler) RunTask(ctx context.Context, task *storage.Task) {
	lock := s.lockFor(task.ID)
	lock.Lock()
	defer lock.Unlock()

	candidates, handler, err := s.Candidates(ctx, task)
	if err != nil {
		s.log.Error("task candidate resolution failed", "task", task.ID, "url", task.URL, "error", err)
		return
	}

	archiveFile := s.archiveFileFor(task.Preset)
	enqueued := 0
	for _, c := range candidates {
		if archiveFile != "" && c.ArchiveID != "" {
			seen, err := s.archive.Contains(archiveFile, c.ArchiveID)
			if err != nil {
				s.log.Warn("archive check failed", "file", archiveFile, "error", err)
			} else if seen {
				continue
			}
		}
		if err := s.enqueue(ctx, s.buildItem(task, handler, c)); err != nil {
			s.log.Error("task enqueue failed", "task", task.ID, "url", c.URL, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Info("task enqueued candidates", "task", task.ID, "name", task.Name, "count", enqueued)
	}
}

// Candidates resolves the task URL through its URL source. When no source
// matches and the handler is disabled, the bare task URL is the single
// candidate. Returns the matched handler name for extras attribution.
func (s *Scheduler) Candidates(ctx context.Context, task *storage.Task) ([]Candidate, string, error) {
	src := s.registry.Match(task.URL)
	if src == nil {
		if task.HandlerEnabled {
			s.log.Warn("no URL source handles task URL", "task", task.ID, "url", task.URL)
			return nil, "", nil
		}
		return []Candidate{{URL: task.URL}}, "", nil
	}
	candidates, err := src.Extract(ctx, task.URL, task)
	if err != nil {
		return nil, src.Name(), err
	}
	return candidates, src.Name(), nil
}

func (s *Scheduler) buildItem(task *storage.Task, handler string, c Candidate) *storage.Item {
	status := storage.StatusPending
	if !task.AutoStart {
		status = storage.StatusPaused
	}
	extras := map[string]any{
		"source_id":   task.ID,
		"source_name": task.Name,
	}
	if handler != "" {
		extras["source_handler"] = handler
	}
	for k, v := range c.Metadata {
		extras[k] = v
	}
	item := &storage.Item{
		ID:        uuid.NewString(),
		URL:       c.URL,
		Status:    status,
		Preset:    task.Preset,
		Folder:    task.Folder,
		Template:  task.Template,
		CLI:       task.CLI,
		Cookies:   task.Cookies,
		AutoStart: task.AutoStart,
		Extras:    extras,
		Title:     c.Title,
	}
	return item
}

// archiveFileFor resolves the task preset's download archive path, empty
// when the preset has none or does not exist.
func (s *Scheduler) archiveFileFor(presetName string) string {
	if presetName == "" {
		return ""
	}
	p, err := s.store.GetPresetByName(presetName)
	if err != nil {
		return ""
	}
	return p.DownloadArchive
}

func (s *Scheduler) lockFor(taskID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		s.taskLocks[taskID] = lock
	}
	return lock
}
