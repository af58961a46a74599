package app

import (
	"context"

	"tubeflow/internal/apperr"
)

// ArchiveResult reports an archive operation: the resolved file and the
// entries it now reflects.
type ArchiveResult struct {
	File    string   `json:"file"`
	Items   []string `json:"items,omitempty"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// archiveFile resolves a preset name to its download archive path.
func (a *App) archiveFile(presetName string) (string, error) {
	p, err := a.store.GetPresetByName(presetName)
	if err != nil {
		return "", err
	}
	if p.DownloadArchive == "" {
		return "", apperr.Validation("preset %q has no download archive configured", presetName)
	}
	return p.DownloadArchive, nil
}

// ArchiveRead returns the archive contents, optionally filtered to ids.
func (a *App) ArchiveRead(presetName string, ids []string) (*ArchiveResult, error) {
	file, err := a.archiveFile(presetName)
	if err != nil {
		return nil, err
	}
	entries, err := a.archive.Read(file)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		var filtered []string
		for _, e := range entries {
			if want[e] {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return &ArchiveResult{File: file, Items: entries}, nil
}

// ArchiveAppend adds entries; skipCheck bypasses duplicate detection.
func (a *App) ArchiveAppend(presetName string, items []string, skipCheck bool) (*ArchiveResult, error) {
	file, err := a.archiveFile(presetName)
	if err != nil {
		return nil, err
	}
	added, err := a.archive.Append(file, items, skipCheck)
	if err != nil {
		return nil, err
	}
	return &ArchiveResult{File: file, Added: added}, nil
}

// ArchiveRemove deletes entries from the archive.
func (a *App) ArchiveRemove(presetName string, items []string) (*ArchiveResult, error) {
	file, err := a.archiveFile(presetName)
	if err != nil {
		return nil, err
	}
	removed, err := a.archive.Remove(file, items)
	if err != nil {
		return nil, err
	}
	return &ArchiveResult{File: file, Removed: removed}, nil
}

// TaskMarkAll resolves the task's current candidates and records every
// archive-id as already downloaded, so the next tick enqueues nothing.
func (a *App) TaskMarkAll(ctx context.Context, taskID uint) (*ArchiveResult, error) {
	entries, file, err := a.taskArchiveEntries(ctx, taskID)
	if err != nil {
		return nil, err
	}
	added, err := a.archive.Append(file, entries, false)
	if err != nil {
		return nil, err
	}
	return &ArchiveResult{File: file, Added: added}, nil
}

// TaskUnmarkAll removes the task's candidate archive-ids, making every
// candidate eligible again.
func (a *App) TaskUnmarkAll(ctx context.Context, taskID uint) (*ArchiveResult, error) {
	entries, file, err := a.taskArchiveEntries(ctx, taskID)
	if err != nil {
		return nil, err
	}
	removed, err := a.archive.Remove(file, entries)
	if err != nil {
		return nil, err
	}
	return &ArchiveResult{File: file, Removed: removed}, nil
}

func (a *App) taskArchiveEntries(ctx context.Context, taskID uint) ([]string, string, error) {
	task, err := a.store.GetTask(taskID)
	if err != nil {
		return nil, "", err
	}
	if task.Preset == "" {
		return nil, "", apperr.Validation("task %d has no preset", taskID)
	}
	file, err := a.archiveFile(task.Preset)
	if err != nil {
		return nil, "", err
	}
	candidates, _, err := a.sched.Candidates(ctx, task)
	if err != nil {
		return nil, "", err
	}
	var entries []string
	for _, c := range candidates {
		if c.ArchiveID != "" {
			entries = append(entries, c.ArchiveID)
		}
	}
	return entries, file, nil
}
