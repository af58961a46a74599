package storage

import (
	"strings"

	"gorm.io/gorm/clause"

	"tubeflow/internal/apperr"
)

// MergeDefaultPresets inserts or refreshes the system presets at startup.
// Matching is by name; the row keeps default=true and stays read-only for
// the user API.
func (s *Store) MergeDefaultPresets(defaults []Preset) error {
	for i := range defaults {
		p := defaults[i]
		p.Default = true
		err := s.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"description", "folder", "template", "cli", "download_archive", "priority", "default",
			}),
		}).Create(&p).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreatePreset(p *Preset) (*Preset, error) {
	if p.Name == "" {
		return nil, apperr.Validation("preset name is required")
	}
	p.ID = 0
	p.Default = false
	if err := s.db.Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("preset %q already exists", p.Name)
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) GetPreset(id uint) (*Preset, error) {
	var p Preset
	if err := s.db.First(&p, id).Error; err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("preset %d not found", id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPresetByName(name string) (*Preset, error) {
	var p Preset
	if err := s.db.Where("name = ?", name).First(&p).Error; err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("preset %q not found", name)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPresets() ([]Preset, error) {
	var out []Preset
	err := s.db.Order("priority DESC, name ASC").Find(&out).Error
	return out, err
}

// UpdatePreset replaces the user-editable fields. Default presets are
// read-only.
func (s *Store) UpdatePreset(id uint, p *Preset) (*Preset, error) {
	existing, err := s.GetPreset(id)
	if err != nil {
		return nil, err
	}
	if existing.Default {
		return nil, apperr.Conflict("preset %q is a system default and cannot be modified", existing.Name)
	}
	p.ID = id
	p.Default = false
	if err := s.db.Model(&Preset{}).Where("id = ?", id).Select(
		"name", "description", "folder", "template", "cookies", "cli", "download_archive", "priority",
	).Updates(p).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("preset %q already exists", p.Name)
		}
		return nil, err
	}
	return s.GetPreset(id)
}

func (s *Store) DeletePreset(id uint) error {
	existing, err := s.GetPreset(id)
	if err != nil {
		return err
	}
	if existing.Default {
		return apperr.Conflict("preset %q is a system default and cannot be deleted", existing.Name)
	}
	return s.db.Delete(&Preset{}, id).Error
}

func (s *Store) CreateCondition(c *Condition) (*Condition, error) {
	if c.Name == "" {
		return nil, apperr.Validation("condition name is required")
	}
	c.ID = 0
	if err := s.db.Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("condition %q already exists", c.Name)
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) GetCondition(id uint) (*Condition, error) {
	var c Condition
	if err := s.db.First(&c, id).Error; err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("condition %d not found", id)
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListConditions() ([]Condition, error) {
	var out []Condition
	err := s.db.Order("priority ASC, id ASC").Find(&out).Error
	return out, err
}

// EnabledConditions returns enabled conditions in application order:
// ascending priority, so higher priority applies later and wins.
func (s *Store) EnabledConditions() ([]Condition, error) {
	var out []Condition
	err := s.db.Where("enabled = ?", true).Order("priority ASC, id ASC").Find(&out).Error
	return out, err
}

func (s *Store) UpdateCondition(id uint, c *Condition) (*Condition, error) {
	if _, err := s.GetCondition(id); err != nil {
		return nil, err
	}
	c.ID = id
	if err := s.db.Model(&Condition{}).Where("id = ?", id).Select(
		"name", "filter", "cli", "extras", "priority", "enabled",
	).Updates(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("condition %q already exists", c.Name)
		}
		return nil, err
	}
	return s.GetCondition(id)
}

func (s *Store) DeleteCondition(id uint) error {
	if _, err := s.GetCondition(id); err != nil {
		return err
	}
	return s.db.Delete(&Condition{}, id).Error
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
