package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// SQLiteStore is the single source of truth for instances, port
// reservations, ollama model records and settings. One shared pool,
// serialized writes, no client handle leaks past this package.
type SQLiteStore struct {
	cfg config.Store
	gdb *gorm.DB
}

func NewSQLiteStore(cfg config.Store) (*SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	// WAL keeps readers unblocked during writes; busy_timeout makes
	// concurrent handler writes queue instead of erroring.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	// sqlite serializes writes at the connection level; a single open
	// connection keeps "database is locked" out of the hot path.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	store := &SQLiteStore{
		cfg: cfg,
		gdb: gdb,
	}

	if cfg.AutoMigrate {
		if err := store.MigrateUp(); err != nil {
			return nil, fmt.Errorf("there was an error doing the migration: %w", err)
		}
	}

	log.Info().Str("path", cfg.Path).Msg("sqlite store ready")
	return store, nil
}

// MigrateUp creates missing tables and adds missing columns. It is
// additive and idempotent: running it against any prior schema version
// leaves existing rows untouched.
func (s *SQLiteStore) MigrateUp() error {
	return s.gdb.AutoMigrate(
		&types.Instance{},
		&types.PortReservation{},
		&types.OllamaModel{},
		&types.Setting{},
	)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Compile-time interface check:
var _ Store = (*SQLiteStore)(nil)

