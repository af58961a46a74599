package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tubeflow/internal/apperr"
	"tubeflow/internal/events"
	"tubeflow/internal/infocache"
	"tubeflow/internal/storage"
)

const (
	// infoTTL is how long extracted metadata stays valid in the cache.
	infoTTL = 5 * time.Minute
	// minFreeBytes is the free-space floor when the item's size is unknown.
	minFreeBytes = 100 << 20
	// progressRate caps item_updated emissions per item.
	progressRate = 4
)

// runItem drives one claimed item to a terminal state. Every exit path
// either moves the item to history or returns it to the waiting set.
func (e *Engine) runItem(item *storage.Item) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.cancels.Store(item.ID, cancel)
	defer func() {
		e.cancels.Delete(item.ID)
		cancel()
	}()

	e.setStatus(item, storage.StatusPreparing)

	var presetRow *storage.Preset
	if item.Preset != "" {
		p, err := e.store.GetPresetByName(item.Preset)
		if err != nil {
			e.failItem(item, apperr.Wrap(apperr.KindInternal, err, "preset %q not found", item.Preset))
			return
		}
		presetRow = p
	}
	eff := e.resolver.Resolve(item, presetRow)

	scratch := filepath.Join(e.cfg.TempPath, item.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		e.failItem(item, apperr.Wrap(apperr.KindInternal, err, "create scratch dir"))
		return
	}

	cookieFile := ""
	if eff.Cookies != "" {
		cookieFile = filepath.Join(scratch, "cookies.txt")
		if err := os.WriteFile(cookieFile, []byte(eff.Cookies), 0o600); err != nil {
			e.failItem(item, apperr.Wrap(apperr.KindInternal, err, "write cookie file"))
			return
		}
	}
	// Cookie material never outlives the item, even with temp_keep.
	defer func() {
		if cookieFile != "" {
			_ = os.Remove(cookieFile)
		}
	}()

	info, err := e.extractInfo(ctx, item, eff.Preset, eff.Args, cookieFile)
	if err != nil {
		if ctx.Err() != nil {
			e.cleanupScratch(scratch)
			e.finalize(item, storage.StatusCancelled, "")
			return
		}
		e.failItem(item, err)
		return
	}

	e.attachMetadata(item, info)

	if entries := playlistEntries(info); entries != nil {
		count, err := e.expandPlaylist(ctx, item, entries)
		e.cleanupScratch(scratch)
		if err != nil {
			e.failItem(item, err)
			return
		}
		e.log.Info("playlist expanded", "item", item.ID, "children", count)
		e.finalize(item, storage.StatusFinished, "")
		return
	}

	extractor := extractorOf(info)
	if !e.queue.SetExtractor(item.ID, extractor) {
		// Quota filled up while we were extracting; back to waiting in the
		// original order position.
		e.log.Info("extractor at quota, requeueing", "item", item.ID, "extractor", extractor)
		item.Status = storage.StatusPending
		if err := e.store.SaveItem(storage.WhereQueue, item); err != nil {
			e.log.Error("persist requeued item", "item", item.ID, "error", err)
		}
		e.cleanupScratch(scratch)
		e.queue.Requeue(item)
		e.bus.Publish(events.Event{Kind: events.ItemStatus, ItemID: item.ID, Payload: item})
		return
	}

	if e.cfg.PreventLivePremiere {
		if ls, _ := info["live_status"].(string); ls == "is_live" || ls == "is_upcoming" {
			e.cleanupScratch(scratch)
			e.finalize(item, storage.StatusNotLive, fmt.Sprintf("live/premiere content (%s)", ls))
			return
		}
	}

	conditions, err := e.store.EnabledConditions()
	if err != nil {
		e.log.Error("load conditions", "error", err)
	} else if applied := e.resolver.ApplyConditions(&eff, conditions, info); len(applied) > 0 {
		e.log.Info("conditions applied", "item", item.ID, "conditions", applied)
	}

	entry := archiveID(info)
	if eff.ArchiveFile != "" && entry != "" {
		seen, err := e.archive.Contains(eff.ArchiveFile, entry)
		if err != nil {
			e.log.Warn("archive read failed", "file", eff.ArchiveFile, "error", err)
		} else if seen {
			e.cleanupScratch(scratch)
			e.finalize(item, storage.StatusSkip, "already in download archive")
			return
		}
	}

	if err := e.checkDiskSpace(item.FileSize); err != nil {
		e.failItem(item, err)
		return
	}

	e.setStatus(item, storage.StatusDownloading)

	limiter := rate.NewLimiter(progressRate, 1)
	onLine := func(line OutputLine) {
		p, ok := ParseProgressLine(line.Text)
		if !ok {
			// Free-text tool output goes to subscribers as log events.
			kind := events.LogInfo
			if line.Stream == StreamStderr {
				kind = events.LogError
			}
			e.bus.Publish(events.Event{Kind: kind, ItemID: item.ID, Payload: line.Text})
			return
		}
		if p.Filename != "" {
			item.Filename = filepath.Base(p.Filename)
		}
		if p.TotalBytes > 0 {
			item.FileSize = p.TotalBytes
		}
		if limiter.Allow() {
			e.bus.Publish(events.Event{Kind: events.ItemUpdated, ItemID: item.ID, Payload: progressPayload(item, p)})
		}
	}

	spec := DownloadSpec{
		URL:      item.URL,
		Args:     eff.Args,
		Template: eff.Template,
		Dir:      scratch,
		Cookies:  cookieFile,
	}
	if err := e.dl.Download(ctx, spec, onLine); err != nil {
		if ctx.Err() != nil {
			e.cleanupScratch(scratch)
			e.finalize(item, storage.StatusCancelled, "")
			return
		}
		// Scratch stays for inspection on download failure.
		e.failItem(item, err)
		return
	}

	e.setStatus(item, storage.StatusPostprocessing)

	dest, err := e.cfg.ResolveFolder(eff.Folder)
	if err != nil {
		e.failItem(item, apperr.Wrap(apperr.KindValidation, err, "bad destination folder"))
		return
	}
	moved, err := e.moveOutputs(scratch, dest, cookieFile)
	if err != nil {
		// Downloaded files stay in scratch so nothing is lost.
		e.failItem(item, apperr.Wrap(apperr.KindInternal, err, "move outputs to %s", dest))
		return
	}
	if item.Filename == "" && len(moved) > 0 {
		item.Filename = moved[0]
	}

	if eff.ArchiveFile != "" && entry != "" {
		if _, err := e.archive.Append(eff.ArchiveFile, []string{entry}, false); err != nil {
			e.log.Warn("archive append failed", "file", eff.ArchiveFile, "error", err)
		}
	}

	e.cleanupScratch(scratch)
	e.finalize(item, storage.StatusFinished, "")
}

// playlistEntries returns the child entry maps when info describes a
// playlist rather than a single video.
func playlistEntries(info map[string]any) []map[string]any {
	t, _ := info["_type"].(string)
	if t != "playlist" && t != "multi_video" {
		return nil
	}
	raw, _ := info["entries"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// expandPlaylist fans playlist entries out into child items. Children
// inherit the parent's config and created_at; sub_index preserves playlist
// order, so they group under the parent's queue position without jumping
// ahead of later unrelated items. Persistence is bounded by
// playlist_items_concurrency.
func (e *Engine) expandPlaylist(ctx context.Context, parent *storage.Item, entries []map[string]any) (int, error) {
	var children []*storage.Item
	for i, entry := range entries {
		url, _ := entry["url"].(string)
		if url == "" {
			url, _ = entry["webpage_url"].(string)
		}
		if url == "" {
			continue
		}
		title, _ := entry["title"].(string)
		status := storage.StatusPending
		if !parent.AutoStart {
			status = storage.StatusPaused
		}
		extras := map[string]any{
			"playlist_id": parent.ID,
		}
		for k, v := range parent.Extras {
			extras[k] = v
		}
		children = append(children, &storage.Item{
			ID:        uuid.NewString(),
			URL:       url,
			Status:    status,
			Preset:    parent.Preset,
			Folder:    parent.Folder,
			Template:  parent.Template,
			CLI:       parent.CLI,
			Cookies:   parent.Cookies,
			AutoStart: parent.AutoStart,
			Extras:    extras,
			Title:     title,
			SubIndex:  i + 1,
			CreatedAt: parent.CreatedAt,
		})
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PlaylistItemsConcurrency)
	for _, child := range children {
		child := child
		g.Go(func() error {
			return e.store.InsertItem(storage.WhereQueue, child)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, err, "persist playlist children")
	}

	for _, child := range children {
		e.queue.Add(child)
		e.bus.Publish(events.Event{Kind: events.ItemAdded, ItemID: child.ID, Payload: child})
	}
	return len(children), nil
}

// extractInfo fetches metadata through the cache. The subprocess runs on its
// own timeout derived from the engine lifetime, so a cancelled item does not
// abort an extraction other callers may be waiting on; the item's ctx only
// bounds the wait.
func (e *Engine) extractInfo(ctx context.Context, item *storage.Item, presetName string, args []string, cookies string) (map[string]any, error) {
	key := infocache.Key(item.URL, presetName, args)
	res, err := e.cache.GetOrCompute(ctx, key, infoTTL, func() (map[string]any, error) {
		ictx, icancel := context.WithTimeout(e.baseCtx, e.cfg.ExtractInfoTimeout)
		defer icancel()
		return e.dl.ExtractInfo(ictx, item.URL, args, cookies)
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("info extracted", "item", item.ID, "cache", res.Status)
	return res.Info, nil
}

func (e *Engine) attachMetadata(item *storage.Item, info map[string]any) {
	if t, ok := info["title"].(string); ok {
		item.Title = t
	}
	if th, ok := info["thumbnail"].(string); ok {
		item.Thumbnail = th
	}
	if d, ok := info["duration"].(float64); ok {
		item.Duration = d
	}
	if fs, ok := info["filesize"].(float64); ok && fs > 0 {
		item.FileSize = int64(fs)
	} else if fs, ok := info["filesize_approx"].(float64); ok && fs > 0 {
		item.FileSize = int64(fs)
	}
	item.Extractor = extractorOf(info)
	if err := e.store.SaveItem(storage.WhereQueue, item); err != nil {
		e.log.Error("persist metadata", "item", item.ID, "error", err)
	}
	e.bus.Publish(events.Event{Kind: events.ItemUpdated, ItemID: item.ID, Payload: item})
}

// checkDiskSpace refuses to start a download the temp volume cannot hold.
func (e *Engine) checkDiskSpace(expected int64) error {
	usage, err := disk.Usage(e.cfg.TempPath)
	if err != nil {
		e.log.Warn("disk usage check failed", "path", e.cfg.TempPath, "error", err)
		return nil
	}
	needed := uint64(minFreeBytes)
	if expected > 0 {
		needed = uint64(expected)
	}
	if usage.Free < needed {
		return apperr.New(apperr.KindDownload,
			"insufficient disk space: %d bytes free, %d needed", usage.Free, needed)
	}
	return nil
}

// moveOutputs relocates every produced file from scratch into dest,
// returning the moved basenames. Rename first; copy across filesystems.
func (e *Engine) moveOutputs(scratch, dest, cookieFile string) ([]string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return nil, err
	}
	var moved []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		src := filepath.Join(scratch, ent.Name())
		if src == cookieFile {
			continue
		}
		if err := moveFile(src, filepath.Join(dest, ent.Name())); err != nil {
			return moved, err
		}
		moved = append(moved, ent.Name())
	}
	return moved, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func (e *Engine) cleanupScratch(scratch string) {
	if e.cfg.TempKeep {
		return
	}
	if err := os.RemoveAll(scratch); err != nil {
		e.log.Warn("scratch cleanup failed", "dir", scratch, "error", err)
	}
}

// setStatus persists a non-terminal transition and announces it.
func (e *Engine) setStatus(item *storage.Item, status storage.Status) {
	item.Status = status
	if err := e.store.SaveItem(storage.WhereQueue, item); err != nil {
		e.log.Error("persist status", "item", item.ID, "status", status, "error", err)
	}
	e.bus.Publish(events.Event{Kind: events.ItemStatus, ItemID: item.ID, Payload: item})
}

func (e *Engine) failItem(item *storage.Item, err error) {
	e.log.Error("item failed", "item", item.ID, "url", item.URL, "error", err)
	e.finalize(item, storage.StatusError, err.Error())
}

// finalize moves the item to history in one transaction and emits the
// terminal event before item_moved, so subscribers always learn the outcome
// before the relocation.
func (e *Engine) finalize(item *storage.Item, status storage.Status, errMsg string) {
	item.Status = status
	item.Error = errMsg
	if err := e.store.MoveToHistory(item); err != nil {
		e.log.Error("move to history", "item", item.ID, "error", err)
	}
	e.queue.Release(item.ID)

	kind := events.ItemCompleted
	if status == storage.StatusCancelled {
		kind = events.ItemCancelled
	}
	e.bus.Publish(events.Event{Kind: kind, ItemID: item.ID, Payload: item})
	e.bus.Publish(events.Event{Kind: events.ItemMoved, ItemID: item.ID, Payload: map[string]string{
		"from": "queue", "to": "done",
	}})
}

func progressPayload(item *storage.Item, p Progress) map[string]any {
	return map[string]any{
		"id":               item.ID,
		"status":           item.Status,
		"filename":         item.Filename,
		"downloaded_bytes": p.DownloadedBytes,
		"total_bytes":      p.TotalBytes,
		"speed":            p.Speed,
		"eta":              p.ETA,
	}
}
