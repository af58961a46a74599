package storage

import (
	"time"
)

// Status is the closed set of item states. Terminal states live in the
// history table, everything else in the queue table.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPreparing      Status = "preparing"
	StatusDownloading    Status = "downloading"
	StatusPostprocessing Status = "postprocessing"
	StatusFinished       Status = "finished"
	StatusError          Status = "error"
	StatusCancelled      Status = "cancelled"
	StatusPaused         Status = "paused"
	StatusNotLive        Status = "not_live"
	StatusSkip           Status = "skip"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled, StatusNotLive, StatusSkip:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusDownloading, StatusPostprocessing,
		StatusFinished, StatusError, StatusCancelled, StatusPaused, StatusNotLive, StatusSkip:
		return true
	}
	return false
}

// Item is one download, queued or historical. The UUID ID is stable across
// the queue-to-history move; RowID is per-table.
type Item struct {
	RowID uint   `gorm:"column:rowid_pk;primaryKey;autoIncrement" json:"-"`
	ID    string `gorm:"uniqueIndex;size:36" json:"id"`

	URL    string `json:"url"`
	Status Status `gorm:"index" json:"status"`

	Preset   string `json:"preset"`
	Folder   string `json:"folder"`
	Template string `json:"template"`
	CLI      string `json:"cli"`
	Cookies  string `json:"cookies"`

	AutoStart bool           `json:"auto_start"`
	Extras    map[string]any `gorm:"serializer:json" json:"extras,omitempty"`
	Error     string         `json:"error,omitempty"`

	Filename  string  `json:"filename,omitempty"`
	FileSize  int64   `json:"file_size,omitempty"`
	Extractor string  `gorm:"index" json:"extractor,omitempty"`
	Title     string  `json:"title,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Duration  float64 `json:"duration,omitempty"`

	// SubIndex orders playlist children under their parent's CreatedAt
	// without jumping ahead of later unrelated items.
	SubIndex  int       `json:"-"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Preset is a reusable configuration profile. Default presets are merged at
// startup and are read-only through the API.
type Preset struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `gorm:"uniqueIndex" json:"name"`
	Description     string `json:"description"`
	Folder          string `json:"folder"`
	Template        string `json:"template"`
	Cookies         string `json:"cookies"`
	CLI             string `json:"cli"`
	DownloadArchive string `json:"download_archive"`
	Default         bool   `json:"default"`
	Priority        int    `json:"priority"`
}

func (Preset) TableName() string { return "presets" }

// Condition injects extra downloader arguments when its match-filter
// matches an item's extracted metadata. Higher priority applies later and
// wins on conflicting tokens.
type Condition struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	Name     string         `gorm:"uniqueIndex" json:"name"`
	Filter   string         `json:"filter"`
	CLI      string         `json:"cli"`
	Extras   map[string]any `gorm:"serializer:json" json:"extras,omitempty"`
	Priority int            `json:"priority"`
	Enabled  bool           `json:"enabled"`
}

func (Condition) TableName() string { return "conditions" }

// Task is a scheduled, recurring enqueue.
type Task struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Name           string `json:"name"`
	URL            string `json:"url"`
	Timer          string `json:"timer"`
	Preset         string `json:"preset"`
	Folder         string `json:"folder"`
	Template       string `json:"template"`
	CLI            string `json:"cli"`
	Cookies        string `json:"cookies"`
	AutoStart      bool   `json:"auto_start"`
	HandlerEnabled bool   `json:"handler_enabled"`
	Enabled        bool   `json:"enabled"`
}

func (Task) TableName() string { return "tasks" }

// NotificationRequest describes the webhook call an external dispatcher
// would make. Delivery itself is out of scope here.
type NotificationRequest struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	BodyType string            `json:"body_type"`
	Headers  map[string]string `json:"headers,omitempty"`
	DataKey  string            `json:"data_key,omitempty"`
}

type NotificationTarget struct {
	ID      uint                `gorm:"primaryKey" json:"id"`
	Name    string              `json:"name"`
	On      []string            `gorm:"serializer:json" json:"on"`      // empty = all event kinds
	Presets []string            `gorm:"serializer:json" json:"presets"` // empty = all presets
	Enabled bool                `json:"enabled"`
	Request NotificationRequest `gorm:"serializer:json" json:"request"`
}

func (NotificationTarget) TableName() string { return "notifications" }

// DLField is UI metadata the core only reads through.
type DLField struct {
	ID      uint           `gorm:"primaryKey" json:"id"`
	Name    string         `gorm:"uniqueIndex" json:"name"`
	Kind    string         `json:"kind"`
	Options map[string]any `gorm:"serializer:json" json:"options,omitempty"`
}

func (DLField) TableName() string { return "dl_fields" }

type schemaMigration struct {
	Version   int `gorm:"primaryKey"`
	AppliedAt time.Time
}

func (schemaMigration) TableName() string { return "schema_migrations" }
