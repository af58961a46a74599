package app

import (
	"strings"

	"github.com/robfig/cron/v3"

	"tubeflow/internal/apperr"
	"tubeflow/internal/events"
	"tubeflow/internal/matchfilter"
	"tubeflow/internal/storage"
)

// configUpdate announces a config-table mutation and drops cached metadata,
// since presets and conditions change the effective argument lists that key
// the cache.
func (a *App) configUpdate(table, action string) {
	a.cache.Clear()
	a.bus.PublishKind(events.ConfigUpdate, map[string]string{
		"table": table, "action": action,
	})
}

// Presets

func (a *App) CreatePreset(p *storage.Preset) (*storage.Preset, error) {
	created, err := a.store.CreatePreset(p)
	if err != nil {
		return nil, err
	}
	a.configUpdate("presets", "create")
	return created, nil
}

func (a *App) GetPreset(id uint) (*storage.Preset, error) { return a.store.GetPreset(id) }
func (a *App) ListPresets() ([]storage.Preset, error)     { return a.store.ListPresets() }

func (a *App) UpdatePreset(id uint, p *storage.Preset) (*storage.Preset, error) {
	updated, err := a.store.UpdatePreset(id, p)
	if err != nil {
		return nil, err
	}
	a.configUpdate("presets", "update")
	return updated, nil
}

func (a *App) DeletePreset(id uint) error {
	if err := a.store.DeletePreset(id); err != nil {
		return err
	}
	a.configUpdate("presets", "delete")
	return nil
}

// PresetExport is the portable preset shape: user-visible fields minus id,
// default, and cookie material.
type PresetExport struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Template        string `json:"template,omitempty"`
	CLI             string `json:"cli,omitempty"`
	DownloadArchive string `json:"download_archive,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

// ExportPresets dumps every user preset in portable form.
func (a *App) ExportPresets() ([]PresetExport, error) {
	presets, err := a.store.ListPresets()
	if err != nil {
		return nil, err
	}
	var out []PresetExport
	for _, p := range presets {
		if p.Default {
			continue
		}
		out = append(out, PresetExport{
			Name:            p.Name,
			Description:     p.Description,
			Folder:          p.Folder,
			Template:        p.Template,
			CLI:             p.CLI,
			DownloadArchive: p.DownloadArchive,
			Priority:        p.Priority,
		})
	}
	return out, nil
}

// ImportPresets creates each exported preset, reporting per-name outcomes.
// Existing names are conflicts, not overwrites.
func (a *App) ImportPresets(in []PresetExport) map[string]string {
	out := make(map[string]string, len(in))
	for _, e := range in {
		if e.Name == "" {
			out[e.Name] = "error: preset name is required"
			continue
		}
		_, err := a.store.CreatePreset(&storage.Preset{
			Name:            e.Name,
			Description:     e.Description,
			Folder:          e.Folder,
			Template:        e.Template,
			CLI:             e.CLI,
			DownloadArchive: e.DownloadArchive,
			Priority:        e.Priority,
		})
		if err != nil {
			out[e.Name] = "error: " + err.Error()
			continue
		}
		out[e.Name] = "created"
	}
	a.configUpdate("presets", "import")
	return out
}

// Conditions

func (a *App) CreateCondition(c *storage.Condition) (*storage.Condition, error) {
	if err := validateCondition(c); err != nil {
		return nil, err
	}
	created, err := a.store.CreateCondition(c)
	if err != nil {
		return nil, err
	}
	a.configUpdate("conditions", "create")
	return created, nil
}

func (a *App) GetCondition(id uint) (*storage.Condition, error) { return a.store.GetCondition(id) }
func (a *App) ListConditions() ([]storage.Condition, error)     { return a.store.ListConditions() }

func (a *App) UpdateCondition(id uint, c *storage.Condition) (*storage.Condition, error) {
	if err := validateCondition(c); err != nil {
		return nil, err
	}
	updated, err := a.store.UpdateCondition(id, c)
	if err != nil {
		return nil, err
	}
	a.configUpdate("conditions", "update")
	return updated, nil
}

func (a *App) DeleteCondition(id uint) error {
	if err := a.store.DeleteCondition(id); err != nil {
		return err
	}
	a.configUpdate("conditions", "delete")
	return nil
}

func validateCondition(c *storage.Condition) error {
	if c.Filter == "" {
		return nil
	}
	if _, err := matchfilter.Parse(c.Filter); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid match filter")
	}
	return nil
}

// validateTimer accepts a 5-field cron expression or blank ("handler-only").
func validateTimer(timer string) error {
	if strings.TrimSpace(timer) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(timer); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid cron timer %q", timer)
	}
	return nil
}

// Tasks

func (a *App) CreateTask(t *storage.Task) (*storage.Task, error) {
	if err := validateTimer(t.Timer); err != nil {
		return nil, err
	}
	created, err := a.store.CreateTask(t)
	if err != nil {
		return nil, err
	}
	a.configUpdate("tasks", "create")
	return created, nil
}

func (a *App) GetTask(id uint) (*storage.Task, error) { return a.store.GetTask(id) }
func (a *App) ListTasks() ([]storage.Task, error)     { return a.store.ListTasks() }

func (a *App) UpdateTask(id uint, t *storage.Task) (*storage.Task, error) {
	if err := validateTimer(t.Timer); err != nil {
		return nil, err
	}
	updated, err := a.store.UpdateTask(id, t)
	if err != nil {
		return nil, err
	}
	a.configUpdate("tasks", "update")
	return updated, nil
}

func (a *App) DeleteTask(id uint) error {
	if err := a.store.DeleteTask(id); err != nil {
		return err
	}
	a.configUpdate("tasks", "delete")
	return nil
}

// Notifications

func (a *App) CreateNotification(n *storage.NotificationTarget) (*storage.NotificationTarget, error) {
	created, err := a.store.CreateNotification(n)
	if err != nil {
		return nil, err
	}
	a.configUpdate("notifications", "create")
	return created, nil
}

func (a *App) GetNotification(id uint) (*storage.NotificationTarget, error) {
	return a.store.GetNotification(id)
}

func (a *App) ListNotifications() ([]storage.NotificationTarget, error) {
	return a.store.ListNotifications()
}

func (a *App) UpdateNotification(id uint, n *storage.NotificationTarget) (*storage.NotificationTarget, error) {
	updated, err := a.store.UpdateNotification(id, n)
	if err != nil {
		return nil, err
	}
	a.configUpdate("notifications", "update")
	return updated, nil
}

func (a *App) DeleteNotification(id uint) error {
	if err := a.store.DeleteNotification(id); err != nil {
		return err
	}
	a.configUpdate("notifications", "delete")
	return nil
}

// DLFields is the read-only UI field metadata passthrough.
func (a *App) DLFields() ([]storage.DLField, error) { return a.store.DLFields() }
