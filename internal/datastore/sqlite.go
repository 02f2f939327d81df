package datastore

import (
	"context"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

const memoryPath = ":memory:"

// SQLiteStore implements DataStore for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.DatabaseSettings
}

// Open opens the SQLite database and migrates it. The pool is limited to one
// connection so an in-memory database is shared by every caller.
func (store *SQLiteStore) Open() error {
	path := store.Settings.SQLite.Path
	if path == "" {
		path = memoryPath
	}

	dsn := path
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.New(err).
				Category(errors.CategoryFileIO).
				Context("path", path).
				Build()
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(store.log, store.Settings.SlowQueryThreshold))
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryDatabase).
			Context("path", path).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open")
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	store.log.Debug("SQLite database opened", logger.String("path", path))
	return performAutoMigration(context.Background(), db, store.log, "SQLite")
}

// Migrate creates or updates the service tables.
func (store *SQLiteStore) Migrate(ctx context.Context) error {
	if err := store.ready(); err != nil {
		return err
	}
	return performAutoMigration(ctx, store.DB, store.log, "SQLite")
}

// Close closes the SQLite database
func (store *SQLiteStore) Close() error {
	if err := store.ready(); err != nil {
		return err
	}
	sqlDB, err := store.DB.DB()
	if err != nil {
		return dbError(err, "close")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close")
	}
	return nil
}
