package storage

import (
	"tubeflow/internal/apperr"
)

func (s *Store) CreateTask(t *Task) (*Task, error) {
	if t.URL == "" {
		return nil, apperr.Validation("task url is required")
	}
	t.ID = 0
	if err := s.db.Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) GetTask(id uint) (*Task, error) {
	var t Task
	if err := s.db.First(&t, id).Error; err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("task %d not found", id)
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTasks() ([]Task, error) {
	var out []Task
	err := s.db.Order("id ASC").Find(&out).Error
	return out, err
}

func (s *Store) EnabledTasks() ([]Task, error) {
	var out []Task
	err := s.db.Where("enabled = ?", true).Order("id ASC").Find(&out).Error
	return out, err
}

func (s *Store) UpdateTask(id uint, t *Task) (*Task, error) {
	if _, err := s.GetTask(id); err != nil {
		return nil, err
	}
	t.ID = id
	if err := s.db.Model(&Task{}).Where("id = ?", id).Select(
		"name", "url", "timer", "preset", "folder", "template", "cli", "cookies",
		"auto_start", "handler_enabled", "enabled",
	).Updates(t).Error; err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

func (s *Store) DeleteTask(id uint) error {
	if _, err := s.GetTask(id); err != nil {
		return err
	}
	return s.db.Delete(&Task{}, id).Error
}

func (s *Store) CreateNotification(n *NotificationTarget) (*NotificationTarget, error) {
	if n.Request.URL == "" {
		return nil, apperr.Validation("notification request url is required")
	}
	n.ID = 0
	if err := s.db.Create(n).Error; err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) GetNotification(id uint) (*NotificationTarget, error) {
	var n NotificationTarget
	if err := s.db.First(&n, id).Error; err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("notification %d not found", id)
		}
		return nil, err
	}
	return &n, nil
}

func (s *Store) ListNotifications() ([]NotificationTarget, error) {
	var out []NotificationTarget
	err := s.db.Order("id ASC").Find(&out).Error
	return out, err
}

func (s *Store) UpdateNotification(id uint, n *NotificationTarget) (*NotificationTarget, error) {
	if _, err := s.GetNotification(id); err != nil {
		return nil, err
	}
	n.ID = id
	if err := s.db.Model(&NotificationTarget{}).Where("id = ?", id).Select(
		"name", "on", "presets", "enabled", "request",
	).Updates(n).Error; err != nil {
		return nil, err
	}
	return s.GetNotification(id)
}

func (s *Store) DeleteNotification(id uint) error {
	if _, err := s.GetNotification(id); err != nil {
		return err
	}
	return s.db.Delete(&NotificationTarget{}, id).Error
}

// DLFields returns the UI metadata rows; the core never writes them.
func (s *Store) DLFields() ([]DLField, error) {
	var out []DLField
	err := s.db.Order("id ASC").Find(&out).Error
	return out, err
}
