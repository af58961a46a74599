package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubeflow/internal/apperr"
	"tubeflow/internal/config"
	"tubeflow/internal/engine"
	"tubeflow/internal/events"
	"tubeflow/internal/scheduler"
	"tubeflow/internal/storage"
)

type stubDownloader struct {
	mu           sync.Mutex
	info         map[string]any
	extractCalls int
}

func (s *stubDownloader) ExtractInfo(ctx context.Context, url string, args []string, cookies string) (map[string]any, error) {
	s.mu.Lock()
	s.extractCalls++
	s.mu.Unlock()
	if s.info != nil {
		return s.info, nil
	}
	return map[string]any{"extractor_key": "Youtube", "id": "vid1", "title": "Stub"}, nil
}

func (s *stubDownloader) Download(ctx context.Context, spec engine.DownloadSpec, onLine func(engine.OutputLine)) error {
	return os.WriteFile(filepath.Join(spec.Dir, "out.mp4"), []byte("x"), 0o644)
}

func (s *stubDownloader) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extractCalls
}

func newApp(t *testing.T) (*App, *stubDownloader) {
	t.Helper()
	chdir(t, t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	dl := &stubDownloader{}
	a, err := New(cfg, nil, dl)
	require.NoError(t, err)
	t.Cleanup(func() { a.store.Close() })
	return a, dl
}

func TestAddValidation(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()

	_, err := a.Add(ctx, AddRequest{URL: "   "})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = a.Add(ctx, AddRequest{URL: "https://v", Folder: "/absolute"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = a.Add(ctx, AddRequest{URL: "https://v", Folder: "../escape"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = a.Add(ctx, AddRequest{URL: "https://v", Preset: "nope"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestAddPersistsAndAnnounces(t *testing.T) {
	a, _ := newApp(t)

	var mu sync.Mutex
	var seen []events.Kind
	a.bus.Subscribe([]events.Kind{events.ItemAdded}, func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Kind)
		mu.Unlock()
	})

	item, err := a.Add(context.Background(), AddRequest{URL: "https://v/1"})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, storage.StatusPending, item.Status)
	assert.True(t, item.AutoStart)

	row, err := a.store.GetItem(storage.WhereQueue, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://v/1", row.URL)
	assert.Equal(t, 1, a.queue.WaitingCount())

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	assert.Equal(t, []events.Kind{events.ItemAdded}, seen)
	mu.Unlock()
}

func TestAddBatchMixedOutcomes(t *testing.T) {
	a, _ := newApp(t)

	results := a.AddBatch(context.Background(), []AddRequest{
		{URL: "https://v/1"},
		{URL: ""},
		{URL: "https://v/2"},
	})
	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0].Status)
	assert.Equal(t, "error", results[1].Status)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, "ok", results[2].Status)
	assert.Equal(t, 2, a.queue.WaitingCount())
}

func TestStartAndPauseItems(t *testing.T) {
	a, _ := newApp(t)
	off := false
	item, err := a.Add(context.Background(), AddRequest{URL: "https://v/1", AutoStart: &off})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, item.Status)

	out := a.StartItems([]string{item.ID, "missing"})
	assert.Equal(t, "pending", out[item.ID])
	assert.Contains(t, out["missing"], "error")

	row, err := a.store.GetItem(storage.WhereQueue, item.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, row.Status)
	assert.True(t, row.AutoStart)

	out = a.PauseItems([]string{item.ID})
	assert.Equal(t, "paused", out[item.ID])
	row, err = a.store.GetItem(storage.WhereQueue, item.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, row.Status)
}

func TestDeleteFromQueueAndHistory(t *testing.T) {
	a, _ := newApp(t)
	a.cfg.RemoveFiles = true

	item, err := a.Add(context.Background(), AddRequest{URL: "https://v/1"})
	require.NoError(t, err)

	out := a.Delete([]string{item.ID}, storage.WhereQueue, false)
	assert.Equal(t, "deleted", out[item.ID])
	assert.Equal(t, 0, a.queue.WaitingCount())

	// History row with a real file on disk.
	done := &storage.Item{ID: "h-1", URL: "https://v/2", Status: storage.StatusFinished, Filename: "a.mp4"}
	require.NoError(t, a.store.InsertItem(storage.WhereDone, done))
	path := filepath.Join(a.cfg.DownloadPath, "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	out = a.Delete([]string{"h-1"}, storage.WhereDone, true)
	assert.Equal(t, "deleted", out["h-1"])
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Missing file is still success.
	done2 := &storage.Item{ID: "h-2", URL: "https://v/3", Status: storage.StatusFinished, Filename: "gone.mp4"}
	require.NoError(t, a.store.InsertItem(storage.WhereDone, done2))
	out = a.Delete([]string{"h-2"}, storage.WhereDone, true)
	assert.Equal(t, "deleted", out["h-2"])
}

func TestRemoveFileIgnoredWhenConfigForbids(t *testing.T) {
	a, _ := newApp(t)
	a.cfg.RemoveFiles = false

	done := &storage.Item{ID: "h-1", URL: "https://v", Status: storage.StatusFinished, Filename: "keep.mp4"}
	require.NoError(t, a.store.InsertItem(storage.WhereDone, done))
	path := filepath.Join(a.cfg.DownloadPath, "keep.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	out := a.Delete([]string{"h-1"}, storage.WhereDone, true)
	assert.Equal(t, "deleted", out["h-1"])
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "file survives when remove_files is off")
}

func TestPresetCRUDAndConfigUpdateEvents(t *testing.T) {
	a, _ := newApp(t)

	var mu sync.Mutex
	var payloads []map[string]string
	a.bus.Subscribe([]events.Kind{events.ConfigUpdate}, func(ev events.Event) {
		mu.Lock()
		payloads = append(payloads, ev.Payload.(map[string]string))
		mu.Unlock()
	})

	p, err := a.CreatePreset(&storage.Preset{Name: "mine", CLI: "--embed-thumbnail"})
	require.NoError(t, err)

	p.Description = "updated"
	_, err = a.UpdatePreset(p.ID, p)
	require.NoError(t, err)
	require.NoError(t, a.DeletePreset(p.ID))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(payloads)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 3)
	assert.Equal(t, map[string]string{"table": "presets", "action": "create"}, payloads[0])
	assert.Equal(t, map[string]string{"table": "presets", "action": "update"}, payloads[1])
	assert.Equal(t, map[string]string{"table": "presets", "action": "delete"}, payloads[2])
}

func TestConditionFilterValidated(t *testing.T) {
	a, _ := newApp(t)

	_, err := a.CreateCondition(&storage.Condition{Name: "bad", Filter: "duration >"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = a.CreateCondition(&storage.Condition{Name: "good", Filter: "duration > 60", Enabled: true})
	assert.NoError(t, err)
}

func TestTaskTimerValidated(t *testing.T) {
	a, _ := newApp(t)

	_, err := a.CreateTask(&storage.Task{Name: "bad", URL: "https://u", Timer: "every tuesday"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = a.CreateTask(&storage.Task{Name: "blank", URL: "https://u", Timer: "  "})
	assert.NoError(t, err)

	_, err = a.CreateTask(&storage.Task{Name: "cron", URL: "https://u", Timer: "*/10 * * * *"})
	assert.NoError(t, err)
}

func TestArchiveOpsByPresetName(t *testing.T) {
	a, _ := newApp(t)

	file := filepath.Join(t.TempDir(), "arch.txt")
	_, err := a.CreatePreset(&storage.Preset{Name: "tracked", DownloadArchive: file})
	require.NoError(t, err)

	_, err = a.ArchiveRead("absent", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	res, err := a.ArchiveAppend("tracked", []string{"youtube a", "youtube b"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube a", "youtube b"}, res.Added)

	res, err = a.ArchiveRead("tracked", []string{"youtube b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube b"}, res.Items)

	res, err = a.ArchiveRemove("tracked", []string{"youtube a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube a"}, res.Removed)

	res, err = a.ArchiveRead("tracked", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube b"}, res.Items)
}

type listSource struct {
	candidates []scheduler.Candidate
}

func (l *listSource) Name() string                   { return "list" }
func (l *listSource) CanHandle(string) bool          { return true }
func (l *listSource) SupportsManualInspection() bool { return true }
func (l *listSource) Extract(ctx context.Context, url string, task *storage.Task) ([]scheduler.Candidate, error) {
	return l.candidates, nil
}

func TestTaskMarkAndUnmarkAll(t *testing.T) {
	a, _ := newApp(t)
	a.Sources().Register(&listSource{candidates: []scheduler.Candidate{
		{URL: "https://v/1", ArchiveID: "youtube one"},
		{URL: "https://v/2", ArchiveID: "youtube two"},
	}})

	file := filepath.Join(t.TempDir(), "arch.txt")
	_, err := a.CreatePreset(&storage.Preset{Name: "tracked", DownloadArchive: file})
	require.NoError(t, err)
	task, err := a.CreateTask(&storage.Task{
		Name: "ch", URL: "https://channel", Preset: "tracked", HandlerEnabled: true, Enabled: true,
	})
	require.NoError(t, err)

	res, err := a.TaskMarkAll(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube one", "youtube two"}, res.Added)

	res, err = a.TaskUnmarkAll(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube one", "youtube two"}, res.Removed)

	entries, err := a.archive.Read(file)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetInfoCachesAndForceRefreshes(t *testing.T) {
	a, dl := newApp(t)
	ctx := context.Background()

	_, err := a.GetInfo(ctx, GetInfoRequest{URL: ""})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	res, err := a.GetInfo(ctx, GetInfoRequest{URL: "https://v/1"})
	require.NoError(t, err)
	assert.Equal(t, "Stub", res.Info["title"])
	assert.Equal(t, 1, dl.calls())

	res, err = a.GetInfo(ctx, GetInfoRequest{URL: "https://v/1"})
	require.NoError(t, err)
	assert.Equal(t, 1, dl.calls(), "second lookup is a cache hit")

	_, err = a.GetInfo(ctx, GetInfoRequest{URL: "https://v/1", Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, dl.calls(), "force bypasses the cache")
}

func TestInspect(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()

	res, err := a.Inspect(ctx, InspectRequest{URL: "https://v"})
	require.NoError(t, err)
	assert.False(t, res.Matched)

	a.Sources().Register(&listSource{candidates: []scheduler.Candidate{{URL: "https://v/1"}}})

	res, err = a.Inspect(ctx, InspectRequest{URL: "https://v"})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "list", res.Handler)
	assert.True(t, res.Supported)
	require.Len(t, res.Items, 1)

	res, err = a.Inspect(ctx, InspectRequest{URL: "https://v", StaticOnly: true})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Empty(t, res.Items)

	_, err = a.Inspect(ctx, InspectRequest{URL: "https://v", Handler: "missing"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestExportImportPresetsRoundTrip(t *testing.T) {
	a, _ := newApp(t)
	require.NoError(t, a.store.MergeDefaultPresets([]storage.Preset{{Name: "default", Default: true}}))

	_, err := a.CreatePreset(&storage.Preset{
		Name: "mine", Folder: "vids", CLI: "--embed-thumbnail", Cookies: "SECRET",
	})
	require.NoError(t, err)

	exported, err := a.ExportPresets()
	require.NoError(t, err)
	require.Len(t, exported, 1, "defaults are not exported")
	assert.Equal(t, "mine", exported[0].Name)

	b, _ := newApp(t)
	out := b.ImportPresets(exported)
	assert.Equal(t, "created", out["mine"])

	imported, err := b.store.GetPresetByName("mine")
	require.NoError(t, err)
	assert.Equal(t, "vids", imported.Folder)
	assert.Equal(t, "--embed-thumbnail", imported.CLI)
	assert.Empty(t, imported.Cookies, "cookie material never round-trips")
	assert.False(t, imported.Default)

	// Re-import collides on name.
	out = b.ImportPresets(exported)
	assert.Contains(t, out["mine"], "error")
}

func TestLifecycleEndToEnd(t *testing.T) {
	a, _ := newApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))

	_, err := a.Add(ctx, AddRequest{URL: "https://v/1"})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if n, err := a.store.HistoryCount(); err == nil && n == 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "item never reached history")
		time.Sleep(10 * time.Millisecond)
	}

	snap, err := a.LiveSnapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.HistoryCount)
	assert.Empty(t, snap.Queue)
	assert.False(t, snap.Paused)
	assert.NotEmpty(t, snap.Workers)

	a.Shutdown()
}

func TestMoveItem(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()

	first, err := a.Add(ctx, AddRequest{URL: "https://v/1"})
	require.NoError(t, err)
	second, err := a.Add(ctx, AddRequest{URL: "https://v/2"})
	require.NoError(t, err)

	require.NoError(t, a.MoveItem(second.ID, MoveFront))
	waiting := a.queue.Waiting()
	require.Len(t, waiting, 2)
	assert.Equal(t, second.ID, waiting[0].ID)
	assert.Equal(t, first.ID, waiting[1].ID)

	// The new order is written through, so a restart reloads it intact.
	page, err := a.store.List(storage.WhereQueue, storage.ListOptions{Order: "asc"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, second.ID, page.Items[0].ID)
	assert.Equal(t, first.ID, page.Items[1].ID)

	err = a.MoveItem("missing", MoveUp)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	err = a.MoveItem(first.ID, MoveOp("sideways"))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
