// Package engine runs the worker pool and drives individual downloads
// through the external downloader tool. Each worker is a persistent
// goroutine that claims items from the queue manager, runs the download
// pipeline to a terminal state, and releases its slot.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tubeflow/internal/archive"
	"tubeflow/internal/config"
	"tubeflow/internal/events"
	"tubeflow/internal/infocache"
	"tubeflow/internal/preset"
	"tubeflow/internal/queue"
	"tubeflow/internal/storage"
)

// WorkerStatus is a worker slot's liveness state.
type WorkerStatus string

const (
	WorkerIdle  WorkerStatus = "idle"
	WorkerBusy  WorkerStatus = "busy"
	WorkerError WorkerStatus = "error"
)

type WorkerState struct {
	Index  int          `json:"index"`
	Status WorkerStatus `json:"status"`
	ItemID string       `json:"item_id,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type workerSlot struct {
	mu      sync.Mutex
	state   WorkerState
	restart bool
}

func (w *workerSlot) set(status WorkerStatus, itemID, reason string) {
	w.mu.Lock()
	w.state.Status = status
	w.state.ItemID = itemID
	w.state.Reason = reason
	w.mu.Unlock()
}

func (w *workerSlot) snapshot() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

type Engine struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	bus      *events.Bus
	queue    *queue.Manager
	resolver *preset.Resolver
	cache    *infocache.Cache
	archive  *archive.Manager
	dl       Downloader

	// workerMutex guards the claim loop; workers sleep on workerCond until
	// new work or a control signal arrives.
	workerMutex sync.Mutex
	workerCond  *sync.Cond
	stopping    bool

	slots   []*workerSlot
	slotsMu sync.Mutex

	cancels sync.Map // item id -> context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup
}

func New(cfg *config.Config, log *slog.Logger, store *storage.Store, bus *events.Bus,
	q *queue.Manager, resolver *preset.Resolver, cache *infocache.Cache,
	arch *archive.Manager, dl Downloader) *Engine {

	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    store,
		bus:      bus,
		queue:    q,
		resolver: resolver,
		cache:    cache,
		archive:  arch,
		dl:       dl,
	}
	e.workerCond = sync.NewCond(&e.workerMutex)
	return e
}

// Start launches the worker pool. ctx is the process lifetime; per-item
// contexts derive from it.
func (e *Engine) Start(ctx context.Context) {
	e.baseCtx = ctx
	e.slotsMu.Lock()
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		slot := &workerSlot{state: WorkerState{Index: i, Status: WorkerIdle}}
		e.slots = append(e.slots, slot)
		e.wg.Add(1)
		go e.worker(slot)
	}
	e.slotsMu.Unlock()
	e.log.Info("worker pool started", "workers", e.cfg.MaxWorkers)
}

// Signal wakes all workers to re-scan the queue. Idempotent.
func (e *Engine) Signal() {
	e.workerCond.Broadcast()
}

func (e *Engine) worker(slot *workerSlot) {
	defer e.wg.Done()
	for {
		e.workerMutex.Lock()
		var item *storage.Item
		for {
			if e.stopping || slot.restartFlag() {
				e.workerMutex.Unlock()
				return
			}
			item = e.queue.Claim()
			if item != nil {
				break
			}
			e.workerCond.Wait()
		}
		e.workerMutex.Unlock()

		slot.set(WorkerBusy, item.ID, "")
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("worker panic", "item", item.ID, "panic", r)
					slot.set(WorkerError, "", fmt.Sprintf("panic: %v", r))
					e.queue.Release(item.ID)
				}
			}()
			e.runItem(item)
			slot.set(WorkerIdle, "", "")
		}()

		// A finished download may have freed an extractor slot.
		e.Signal()
	}
}

func (w *workerSlot) restartFlag() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restart
}

// WorkerStates snapshots every slot for the admin surface.
func (e *Engine) WorkerStates() []WorkerState {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	out := make([]WorkerState, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, s.snapshot())
	}
	return out
}

// RestartWorker tears down one worker goroutine and starts a fresh one,
// clearing any error state. Other workers are unaffected.
func (e *Engine) RestartWorker(index int) error {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	if index < 0 || index >= len(e.slots) {
		return fmt.Errorf("no worker %d", index)
	}
	old := e.slots[index]
	old.mu.Lock()
	old.restart = true
	old.mu.Unlock()
	e.workerCond.Broadcast()

	fresh := &workerSlot{state: WorkerState{Index: index, Status: WorkerIdle}}
	e.slots[index] = fresh
	e.wg.Add(1)
	go e.worker(fresh)
	e.log.Info("worker restarted", "index", index)
	return nil
}

// Cancel requests cancellation of one item. Waiting items transition to
// cancelled immediately; in-flight items get their context cancelled and
// the driver finishes the transition. Already-terminal items are a no-op.
// The returned status describes what happened.
func (e *Engine) Cancel(id string) (string, error) {
	if it := e.queue.Remove(id); it != nil {
		e.finalize(it, storage.StatusCancelled, "")
		return "cancelled", nil
	}
	if cancel, ok := e.cancels.Load(id); ok {
		cancel.(context.CancelFunc)()
		return "cancelled", nil
	}
	if _, err := e.store.GetItem(storage.WhereDone, id); err == nil {
		return "already cancelled", nil
	}
	// Queue row exists but is not tracked in memory (e.g. loaded before a
	// restart); treat it as waiting.
	it, err := e.store.GetItem(storage.WhereQueue, id)
	if err != nil {
		return "", err
	}
	e.finalize(it, storage.StatusCancelled, "")
	return "cancelled", nil
}

// PauseAll stops workers from claiming new items; running downloads
// continue.
func (e *Engine) PauseAll() {
	e.queue.Pause()
	e.bus.PublishKind(events.Paused, nil)
	e.log.Info("queue paused")
}

// ResumeAll clears the global pause and wakes the pool.
func (e *Engine) ResumeAll() {
	e.queue.Resume()
	e.bus.PublishKind(events.Resumed, nil)
	e.Signal()
	e.log.Info("queue resumed")
}

// Shutdown stops claiming, waits up to grace for in-flight downloads, then
// cancels the stragglers and waits for the pool to drain.
func (e *Engine) Shutdown(grace time.Duration) {
	e.workerMutex.Lock()
	e.stopping = true
	e.workerMutex.Unlock()
	e.workerCond.Broadcast()

	deadline := time.Now().Add(grace)
	for e.queue.InFlightCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	e.cancels.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})
	e.wg.Wait()
	e.log.Info("engine stopped")
}
