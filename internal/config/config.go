// Package config builds the immutable settings snapshot the rest of the
// process depends on. It is constructed once at startup from a JSON file and
// TUBEFLOW_* environment overrides; there is no hot reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxWorkers          = 2
	DefaultExtractTimeout      = 120 * time.Second
	DefaultPlaylistConcurrency = 4
	DefaultTasksTimer          = "*/5 * * * *"
	DefaultOutputTemplate      = "%(title)s.%(ext)s"
	DefaultShutdownGrace       = 30 * time.Second
)

// Config is the typed snapshot of process settings. Fields are exported for
// read access only; nothing mutates a Config after Load returns.
type Config struct {
	DownloadPath string `json:"download_path"`
	TempPath     string `json:"temp_path"`
	ConfigPath   string `json:"config_path"`

	DownloaderPath string `json:"downloader_path"` // yt-dlp binary, resolved via $PATH when bare

	MaxWorkers             int            `json:"max_workers"`
	MaxWorkersPerExtractor int            `json:"max_workers_per_extractor"`
	extractorOverrides     map[string]int // lowercase extractor -> quota

	DefaultPreset  string `json:"default_preset"`
	OutputTemplate string `json:"output_template"`

	ExtractInfoTimeout       time.Duration `json:"-"`
	PlaylistItemsConcurrency int           `json:"playlist_items_concurrency"`
	TasksHandlerTimer        string        `json:"tasks_handler_timer"`

	AuthUsername string `json:"auth_username"`
	AuthPassword string `json:"auth_password"`

	RemoveFiles         bool `json:"remove_files"`
	PreventLivePremiere bool `json:"prevent_live_premiere"`
	TempKeep            bool `json:"temp_keep"`

	ShutdownGrace time.Duration `json:"-"`
}

// rawConfig mirrors the JSON file, with durations as seconds and the
// per-extractor overrides inline as max_workers_for_<name> keys.
type rawConfig struct {
	Config
	ExtractInfoTimeoutSec int            `json:"extract_info_timeout"`
	ShutdownGraceSec      int            `json:"shutdown_grace"`
	Extra                 map[string]any `json:"-"`
}

const extractorKeyPrefix = "max_workers_for_"

// Load reads the JSON file at path (missing file is fine: defaults apply),
// applies environment overrides, validates directories, and returns the
// snapshot. A permission problem on download or config paths is reported as
// a *PermissionError so main can map it to exit code 2.
func Load(path string) (*Config, error) {
	cfg := &Config{
		MaxWorkers:               DefaultMaxWorkers,
		ExtractInfoTimeout:       DefaultExtractTimeout,
		PlaylistItemsConcurrency: DefaultPlaylistConcurrency,
		TasksHandlerTimer:        DefaultTasksTimer,
		OutputTemplate:           DefaultOutputTemplate,
		ShutdownGrace:            DefaultShutdownGrace,
		DownloaderPath:           "yt-dlp",
		extractorOverrides:       map[string]int{},
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()

	if cfg.DownloadPath == "" {
		cfg.DownloadPath = "downloads"
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "config"
	}
	if cfg.TempPath == "" {
		cfg.TempPath = filepath.Join(cfg.DownloadPath, ".tmp")
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.PlaylistItemsConcurrency < 1 {
		cfg.PlaylistItemsConcurrency = 1
	}

	for _, dir := range []string{cfg.DownloadPath, cfg.TempPath, cfg.ConfigPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			if os.IsPermission(err) {
				return nil, &PermissionError{Path: dir, Err: err}
			}
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var raw rawConfig
	raw.Config = *c
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*c = raw.Config
	if raw.ExtractInfoTimeoutSec > 0 {
		c.ExtractInfoTimeout = time.Duration(raw.ExtractInfoTimeoutSec) * time.Second
	}
	if raw.ShutdownGraceSec > 0 {
		c.ShutdownGrace = time.Duration(raw.ShutdownGraceSec) * time.Second
	}

	// Second pass for the free-form max_workers_for_<extractor> keys.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err == nil {
		if c.extractorOverrides == nil {
			c.extractorOverrides = map[string]int{}
		}
		for k, v := range keys {
			lk := strings.ToLower(k)
			if !strings.HasPrefix(lk, extractorKeyPrefix) {
				continue
			}
			var n int
			if err := json.Unmarshal(v, &n); err == nil {
				c.extractorOverrides[strings.TrimPrefix(lk, extractorKeyPrefix)] = n
			}
		}
	}
	return nil
}

func (c *Config) loadEnv() {
	if c.extractorOverrides == nil {
		c.extractorOverrides = map[string]int{}
	}
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv, "TUBEFLOW_") {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(kv[:eq], "TUBEFLOW_"))
		val := kv[eq+1:]
		switch key {
		case "download_path":
			c.DownloadPath = val
		case "temp_path":
			c.TempPath = val
		case "config_path":
			c.ConfigPath = val
		case "downloader_path":
			c.DownloaderPath = val
		case "max_workers":
			setInt(&c.MaxWorkers, val)
		case "max_workers_per_extractor":
			setInt(&c.MaxWorkersPerExtractor, val)
		case "default_preset":
			c.DefaultPreset = val
		case "output_template":
			c.OutputTemplate = val
		case "extract_info_timeout":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				c.ExtractInfoTimeout = time.Duration(n) * time.Second
			}
		case "playlist_items_concurrency":
			setInt(&c.PlaylistItemsConcurrency, val)
		case "tasks_handler_timer":
			c.TasksHandlerTimer = val
		case "auth_username":
			c.AuthUsername = val
		case "auth_password":
			c.AuthPassword = val
		case "remove_files":
			setBool(&c.RemoveFiles, val)
		case "prevent_live_premiere":
			setBool(&c.PreventLivePremiere, val)
		case "temp_keep":
			setBool(&c.TempKeep, val)
		default:
			if strings.HasPrefix(key, extractorKeyPrefix) {
				if n, err := strconv.Atoi(val); err == nil {
					c.extractorOverrides[strings.TrimPrefix(key, extractorKeyPrefix)] = n
				}
			}
		}
	}
}

func setInt(dst *int, val string) {
	if n, err := strconv.Atoi(val); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, val string) {
	if b, err := strconv.ParseBool(val); err == nil {
		*dst = b
	}
}

// ExtractorQuota returns the per-extractor worker quota. Zero means
// unlimited. Lookup is case-insensitive; the yt-dlp extractor key is used
// verbatim otherwise.
func (c *Config) ExtractorQuota(extractor string) int {
	if n, ok := c.extractorOverrides[strings.ToLower(extractor)]; ok {
		return n
	}
	return c.MaxWorkersPerExtractor
}

// SetExtractorQuota exists for tests and the admin surface; the snapshot is
// otherwise immutable.
func (c *Config) SetExtractorQuota(extractor string, quota int) {
	if c.extractorOverrides == nil {
		c.extractorOverrides = map[string]int{}
	}
	c.extractorOverrides[strings.ToLower(extractor)] = quota
}

// ResolveFolder joins folder onto the download root, rejecting anything
// that would escape it. Empty folder resolves to the root itself.
func (c *Config) ResolveFolder(folder string) (string, error) {
	return resolveUnder(c.DownloadPath, folder)
}

func resolveUnder(root, folder string) (string, error) {
	if folder == "" {
		return root, nil
	}
	if filepath.IsAbs(folder) {
		return "", fmt.Errorf("folder must be relative: %q", folder)
	}
	joined := filepath.Join(root, folder)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("folder escapes download root: %q", folder)
	}
	return joined, nil
}

// PermissionError marks an unusable config or download directory; the
// wrapping executable exits with code 2 on it.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied on %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }
