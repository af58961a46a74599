package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"tubeflow/internal/apperr"
)

// progressPrefix marks machine-readable progress lines on stdout. The
// downloader is asked to emit them via its progress template; everything
// else on stdout/stderr is free-text log output.
const progressPrefix = "tubeflow:"

// Progress is one decoded progress tick.
type Progress struct {
	Status          string  `json:"status"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Speed           float64 `json:"speed"`
	ETA             float64 `json:"eta"`
	Filename        string  `json:"filename"`
}

// ParseProgressLine decodes a progress line; ok is false for anything that
// is not a progress record. Malformed progress JSON is also "not progress":
// it must never fail the item.
func ParseProgressLine(line string) (Progress, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !found {
		return Progress{}, false
	}
	// total_bytes may arrive as total_bytes_estimate for some extractors.
	var raw struct {
		Progress
		TotalBytesEstimate int64 `json:"total_bytes_estimate"`
	}
	if err := json.Unmarshal([]byte(rest), &raw); err != nil {
		return Progress{}, false
	}
	p := raw.Progress
	if p.TotalBytes == 0 {
		p.TotalBytes = raw.TotalBytesEstimate
	}
	return p, true
}

// DownloadSpec is everything a single downloader invocation needs.
type DownloadSpec struct {
	URL      string
	Args     []string // merged preset/item/condition arguments
	Template string   // output filename template
	Dir      string   // scratch working directory
	Cookies  string   // path to a cookie file, empty for none
}

// Downloader drives the external downloader tool. Tests substitute a fake;
// production uses YtDlp.
type Downloader interface {
	// ExtractInfo returns the metadata mapping for url without downloading.
	ExtractInfo(ctx context.Context, url string, args []string, cookies string) (map[string]any, error)
	// Download runs the tool to completion, streaming output lines to
	// onLine. A nil return means the tool exited zero.
	Download(ctx context.Context, spec DownloadSpec, onLine func(OutputLine)) error
}

// YtDlp shells out to a yt-dlp compatible binary.
type YtDlp struct {
	Bin string
	Log *slog.Logger
}

func NewYtDlp(bin string, log *slog.Logger) *YtDlp {
	if log == nil {
		log = slog.Default()
	}
	return &YtDlp{Bin: bin, Log: log}
}

func (y *YtDlp) ExtractInfo(ctx context.Context, url string, args []string, cookies string) (map[string]any, error) {
	argv := []string{"--dump-single-json", "--no-download", "--no-warnings"}
	if cookies != "" {
		argv = append(argv, "--cookies", cookies)
	}
	argv = append(argv, args...)
	argv = append(argv, "--", url)

	cmd, err := startCommand(ctx, y.Bin, argv, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExtraction, err, "failed to start downloader")
	}

	var jsonLine, lastErr string
	for line := range cmd.Lines() {
		if line.Stream == StreamStdout {
			if strings.HasPrefix(strings.TrimSpace(line.Text), "{") {
				jsonLine = line.Text
			}
		} else if strings.TrimSpace(line.Text) != "" {
			lastErr = line.Text
		}
	}
	if err := cmd.Wait(ctx); err != nil {
		e := apperr.Wrap(apperr.KindExtraction, err, "info extraction failed for %s", url)
		return nil, e.WithDetail(lastErr)
	}
	if jsonLine == "" {
		return nil, apperr.New(apperr.KindExtraction, "downloader produced no metadata for %s", url).WithDetail(lastErr)
	}

	var info map[string]any
	if err := json.Unmarshal([]byte(jsonLine), &info); err != nil {
		return nil, apperr.Wrap(apperr.KindExtraction, err, "unparseable metadata for %s", url)
	}
	return info, nil
}

func (y *YtDlp) Download(ctx context.Context, spec DownloadSpec, onLine func(OutputLine)) error {
	argv := []string{
		"--newline",
		"--no-colors",
		"--progress-template", progressPrefix + "%(progress)j",
		"--output", spec.Template,
		"--paths", spec.Dir,
	}
	if spec.Cookies != "" {
		argv = append(argv, "--cookies", spec.Cookies)
	}
	argv = append(argv, spec.Args...)
	argv = append(argv, "--", spec.URL)

	y.Log.Debug("spawning downloader", "bin", y.Bin, "url", spec.URL)
	cmd, err := startCommand(ctx, y.Bin, argv, spec.Dir)
	if err != nil {
		return apperr.Wrap(apperr.KindDownload, err, "failed to start downloader")
	}

	var lastErr string
	for line := range cmd.Lines() {
		if line.Stream == StreamStderr && strings.TrimSpace(line.Text) != "" {
			lastErr = line.Text
		}
		if onLine != nil {
			onLine(line)
		}
	}

	if err := cmd.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e := apperr.Wrap(apperr.KindDownload, err, "downloader exited with code %d", ExitCode(err))
		return e.WithDetail(lastErr)
	}
	return nil
}

// archiveID derives the "<extractor> <id>" archive entry from extracted
// metadata, mirroring the downloader's own archive format (lowercased
// extractor key).
func archiveID(info map[string]any) string {
	key, _ := info["extractor_key"].(string)
	if key == "" {
		key, _ = info["extractor"].(string)
	}
	id, _ := info["id"].(string)
	if key == "" || id == "" {
		return ""
	}
	return fmt.Sprintf("%s %s", strings.ToLower(key), id)
}

// extractorOf returns the extractor key used for quota accounting.
func extractorOf(info map[string]any) string {
	if key, ok := info["extractor_key"].(string); ok && key != "" {
		return strings.ToLower(key)
	}
	if key, ok := info["extractor"].(string); ok && key != "" {
		return strings.ToLower(key)
	}
	return ""
}
