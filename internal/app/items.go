package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"tubeflow/internal/apperr"
	"tubeflow/internal/engine"
	"tubeflow/internal/events"
	"tubeflow/internal/storage"
)

// AddRequest describes one download to enqueue.
type AddRequest struct {
	URL       string         `json:"url"`
	Preset    string         `json:"preset"`
	Folder    string         `json:"folder"`
	Template  string         `json:"template"`
	CLI       string         `json:"cli"`
	Cookies   string         `json:"cookies"`
	AutoStart *bool          `json:"auto_start"` // nil defaults to true
	Extras    map[string]any `json:"extras"`
}

// BatchResult is the per-item outcome of AddBatch.
type BatchResult struct {
	ID     string `json:"id,omitempty"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Add validates, persists, admits, and announces one item.
func (a *App) Add(ctx context.Context, req AddRequest) (*storage.Item, error) {
	item, err := a.buildItem(req)
	if err != nil {
		return nil, err
	}
	if err := a.enqueue(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// AddBatch enqueues each request independently; one bad entry never blocks
// the rest.
func (a *App) AddBatch(ctx context.Context, reqs []AddRequest) []BatchResult {
	out := make([]BatchResult, 0, len(reqs))
	for _, req := range reqs {
		res := BatchResult{URL: req.URL}
		item, err := a.Add(ctx, req)
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
		} else {
			res.Status = "ok"
			res.ID = item.ID
		}
		out = append(out, res)
	}
	return out
}

func (a *App) buildItem(req AddRequest) (*storage.Item, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return nil, apperr.Validation("url is required")
	}
	if _, err := a.cfg.ResolveFolder(req.Folder); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid folder")
	}
	presetName := req.Preset
	if presetName == "" {
		presetName = a.cfg.DefaultPreset
	}
	if presetName != "" {
		if _, err := a.store.GetPresetByName(presetName); err != nil {
			return nil, err
		}
	}

	autoStart := true
	if req.AutoStart != nil {
		autoStart = *req.AutoStart
	}
	status := storage.StatusPending
	if !autoStart {
		status = storage.StatusPaused
	}
	return &storage.Item{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    status,
		Preset:    presetName,
		Folder:    req.Folder,
		Template:  req.Template,
		CLI:       req.CLI,
		Cookies:   req.Cookies,
		AutoStart: autoStart,
		Extras:    req.Extras,
	}, nil
}

// Cancel requests cancellation for each id and reports per-id outcomes.
func (a *App) Cancel(ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		status, err := a.engine.Cancel(id)
		if err != nil {
			out[id] = "error: " + err.Error()
			continue
		}
		out[id] = status
	}
	return out
}

// StartItems flips paused waiting items to pending and wakes the pool.
func (a *App) StartItems(ids []string) map[string]string {
	out := a.flipWaiting(ids, storage.StatusPaused, storage.StatusPending, true)
	a.engine.Signal()
	return out
}

// PauseItems flips pending waiting items to paused. Running downloads
// cannot be paused, only cancelled.
func (a *App) PauseItems(ids []string) map[string]string {
	return a.flipWaiting(ids, storage.StatusPending, storage.StatusPaused, false)
}

func (a *App) flipWaiting(ids []string, from, to storage.Status, autoStart bool) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		it := a.queue.Get(id)
		if it == nil {
			if a.queue.InFlight(id) {
				out[id] = "error: item is active"
			} else {
				out[id] = "error: not found in queue"
			}
			continue
		}
		if it.Status != from {
			out[id] = "error: item is " + string(it.Status)
			continue
		}
		it.Status = to
		it.AutoStart = autoStart
		if err := a.store.SaveItem(storage.WhereQueue, it); err != nil {
			out[id] = "error: " + err.Error()
			continue
		}
		a.bus.Publish(events.Event{Kind: events.ItemStatus, ItemID: it.ID, Payload: it})
		out[id] = string(to)
	}
	return out
}

// Delete removes rows from the queue or history table. remove_file is only
// honored when the config permits it and only for history rows; a missing
// file still counts as success.
func (a *App) Delete(ids []string, where storage.Where, removeFile bool) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if where == storage.WhereQueue {
			if a.queue.InFlight(id) {
				out[id] = "error: item is active"
				continue
			}
			a.queue.Remove(id)
		}
		item, err := a.store.DeleteItem(where, id)
		if err != nil {
			out[id] = "error: " + err.Error()
			continue
		}
		if removeFile && a.cfg.RemoveFiles && where == storage.WhereDone {
			if err := a.removeItemFile(item); err != nil {
				out[id] = "deleted, file removal failed: " + err.Error()
				a.bus.Publish(events.Event{Kind: events.ItemDeleted, ItemID: id, Payload: item})
				continue
			}
		}
		a.bus.Publish(events.Event{Kind: events.ItemDeleted, ItemID: id, Payload: item})
		out[id] = "deleted"
	}
	return out
}

func (a *App) removeItemFile(item *storage.Item) error {
	if item.Filename == "" {
		return nil
	}
	dir, err := a.cfg.ResolveFolder(item.Folder)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, item.Filename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List pages through the queue or history table.
func (a *App) List(where storage.Where, opts storage.ListOptions) (*storage.Page, error) {
	return a.store.List(where, opts)
}

func (a *App) PauseAll()  { a.engine.PauseAll() }
func (a *App) ResumeAll() { a.engine.ResumeAll() }

// Snapshot is the live state handed to a freshly connected client.
type Snapshot struct {
	HistoryCount int64                `json:"history_count"`
	Queue        []storage.Item       `json:"queue"`
	Paused       bool                 `json:"paused"`
	Workers      []engine.WorkerState `json:"workers"`
}

// LiveSnapshot returns history count plus the full queue table and worker
// states.
func (a *App) LiveSnapshot() (*Snapshot, error) {
	count, err := a.store.HistoryCount()
	if err != nil {
		return nil, err
	}
	items, err := a.store.QueueItems()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		HistoryCount: count,
		Queue:        items,
		Paused:       a.queue.IsPaused(),
		Workers:      a.engine.WorkerStates(),
	}, nil
}

// MoveOp is a queue reordering operation on a waiting item.
type MoveOp string

const (
	MoveFront MoveOp = "front"
	MoveUp    MoveOp = "up"
	MoveDown  MoveOp = "down"
	MoveBack  MoveOp = "back"
)

// MoveItem reorders a waiting item and announces the new queue order.
func (a *App) MoveItem(id string, op MoveOp) error {
	var ok bool
	switch op {
	case MoveFront:
		ok = a.queue.MoveToFront(id)
	case MoveUp:
		ok = a.queue.MoveUp(id)
	case MoveDown:
		ok = a.queue.MoveDown(id)
	case MoveBack:
		ok = a.queue.MoveToBack(id)
	default:
		return apperr.Validation("unknown move op %q", op)
	}
	if !ok {
		return apperr.NotFound("item %s cannot be moved", id)
	}
	// The queue rewrites created_at/sub_index ordering keys in memory;
	// write them through so the order survives a restart.
	waiting := a.queue.Waiting()
	for _, it := range waiting {
		if _, err := a.store.PatchItem(storage.WhereQueue, it.ID, map[string]any{
			"created_at": it.CreatedAt,
			"sub_index":  it.SubIndex,
		}); err != nil {
			a.log.Error("persist queue order", "item", it.ID, "error", err)
		}
	}
	a.bus.PublishKind(events.ActiveQueue, waiting)
	return nil
}

// RestartWorker proxies the admin worker restart.
func (a *App) RestartWorker(index int) error { return a.engine.RestartWorker(index) }

// WorkerStates proxies the pool liveness view.
func (a *App) WorkerStates() []engine.WorkerState { return a.engine.WorkerStates() }
