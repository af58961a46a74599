package app

import (
	"context"
	"strings"
	"time"

	"tubeflow/internal/apperr"
	"tubeflow/internal/infocache"
	"tubeflow/internal/preset"
	"tubeflow/internal/scheduler"
	"tubeflow/internal/storage"
)

// infoTTL mirrors the engine's metadata cache lifetime.
const infoTTL = 5 * time.Minute

// GetInfoRequest shapes a metadata lookup.
type GetInfoRequest struct {
	URL    string `json:"url"`
	Preset string `json:"preset"`
	CLI    string `json:"cli"`
	Force  bool   `json:"force"`
}

// GetInfo returns extracted metadata for a URL, through the cache. Force
// drops any cached entry first so the subprocess runs again.
func (a *App) GetInfo(ctx context.Context, req GetInfoRequest) (*infocache.Result, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return nil, apperr.Validation("url is required")
	}

	var args []string
	if req.Preset != "" {
		p, err := a.store.GetPresetByName(req.Preset)
		if err != nil {
			return nil, err
		}
		args = append(args, preset.SplitArgs(p.CLI)...)
	}
	args = append(args, preset.SplitArgs(req.CLI)...)

	key := infocache.Key(url, req.Preset, args)
	if req.Force {
		a.cache.Invalidate(key)
	}
	return a.cache.GetOrCompute(ctx, key, infoTTL, func() (map[string]any, error) {
		ictx, cancel := context.WithTimeout(context.Background(), a.cfg.ExtractInfoTimeout)
		defer cancel()
		return a.dl.ExtractInfo(ictx, url, args, "")
	})
}

// InspectRequest is a URL-source dry run.
type InspectRequest struct {
	URL        string `json:"url"`
	Preset     string `json:"preset"`
	Handler    string `json:"handler"` // force a specific source by name
	StaticOnly bool   `json:"static_only"`
}

type InspectResult struct {
	Matched   bool                  `json:"matched"`
	Handler   string                `json:"handler,omitempty"`
	Supported bool                  `json:"supported"`
	Items     []scheduler.Candidate `json:"items,omitempty"`
}

// Inspect previews what a URL source would enqueue for a URL without
// touching the queue. StaticOnly answers matching and support without
// running the extraction.
func (a *App) Inspect(ctx context.Context, req InspectRequest) (*InspectResult, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return nil, apperr.Validation("url is required")
	}

	reg := a.sched.Sources()
	var src scheduler.URLSource
	if req.Handler != "" {
		src = reg.ByName(req.Handler)
		if src == nil {
			return nil, apperr.NotFound("no URL source named %q", req.Handler)
		}
		if !src.CanHandle(url) {
			return &InspectResult{Matched: false, Handler: src.Name()}, nil
		}
	} else {
		src = reg.Match(url)
		if src == nil {
			return &InspectResult{Matched: false}, nil
		}
	}

	res := &InspectResult{
		Matched:   true,
		Handler:   src.Name(),
		Supported: src.SupportsManualInspection(),
	}
	if req.StaticOnly || !res.Supported {
		return res, nil
	}

	task := &storage.Task{URL: url, Preset: req.Preset}
	items, err := src.Extract(ctx, url, task)
	if err != nil {
		return nil, err
	}
	res.Items = items
	return res, nil
}
