// Package storage is the durable store: a single sqlite database under the
// config path holding the queue, history, presets, conditions, tasks,
// notification targets and UI field metadata. All writes funnel through one
// gorm handle; sqlite WAL mode lets readers overlap the writer.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Where selects the logical item table.
type Where string

const (
	WhereQueue Where = "queue"
	WhereDone  Where = "done"
)

func (w Where) table() (string, error) {
	switch w {
	case WhereQueue:
		return "queue", nil
	case WhereDone:
		return "history", nil
	}
	return "", fmt.Errorf("unknown table selector %q", w)
}

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at dir/tubeflow.db and runs
// pending schema migrations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dbPath := filepath.Join(dir, "tubeflow.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for reader/writer overlap.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint, used on shutdown.
func (s *Store) Checkpoint() error {
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// migration is one idempotent schema step run inside a transaction.
type migration struct {
	version int
	apply   func(tx *gorm.DB) error
}

var migrations = []migration{
	{1, func(tx *gorm.DB) error {
		if err := tx.Table("queue").AutoMigrate(&Item{}); err != nil {
			return err
		}
		return tx.Table("history").AutoMigrate(&Item{})
	}},
	{2, func(tx *gorm.DB) error {
		return tx.AutoMigrate(&Preset{}, &Condition{})
	}},
	{3, func(tx *gorm.DB) error {
		return tx.AutoMigrate(&Task{}, &NotificationTarget{})
	}},
	{4, func(tx *gorm.DB) error {
		return tx.AutoMigrate(&DLField{})
	}},
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&schemaMigration{}); err != nil {
		return fmt.Errorf("migrate version table: %w", err)
	}

	var current int
	row := s.db.Model(&schemaMigration{}).Select("COALESCE(MAX(version), 0)").Row()
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			return tx.Create(&schemaMigration{Version: m.version, AppliedAt: time.Now()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var current int
	row := s.db.Model(&schemaMigration{}).Select("COALESCE(MAX(version), 0)").Row()
	err := row.Scan(&current)
	return current, err
}

// RecoverInterrupted flips queue rows stuck in running states after a crash
// back to a restartable state: auto_start items to pending, others to
// paused. Returns the number of recovered rows.
func (s *Store) RecoverInterrupted() (int, error) {
	running := []Status{StatusPreparing, StatusDownloading, StatusPostprocessing}

	res := s.db.Table("queue").
		Where("status IN ? AND auto_start = ?", running, true).
		Update("status", StatusPending)
	if res.Error != nil {
		return 0, res.Error
	}
	n := res.RowsAffected

	res = s.db.Table("queue").
		Where("status IN ? AND auto_start = ?", running, false).
		Update("status", StatusPaused)
	if res.Error != nil {
		return int(n), res.Error
	}
	return int(n + res.RowsAffected), nil
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
