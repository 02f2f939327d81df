package datastore

import (
	"context"
	"maps"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

// MySQLStore implements DataStore for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.DatabaseSettings
}

// dsn builds the connection string. Times are read and written in UTC.
func (store *MySQLStore) dsn() string {
	s := store.Settings.MySQL

	cfg := mysqldriver.NewConfig()
	cfg.User = s.Username
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	cfg.DBName = s.Schema
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	maps.Copy(cfg.Params, s.Params)

	return cfg.FormatDSN()
}

// Open connects to MySQL. Tables are not migrated here; the schema is
// shared with other services and is only changed by Migrate.
func (store *MySQLStore) Open() error {
	dsn := store.dsn()

	db, err := gorm.Open(mysql.Open(dsn), gormConfig(store.log, store.Settings.SlowQueryThreshold))
	if err != nil {
		store.log.Error("failed to open MySQL database",
			logger.String("host", store.Settings.MySQL.Host),
			logger.Int("port", store.Settings.MySQL.Port),
			logger.String("schema", store.Settings.MySQL.Schema),
			logger.Error(err))
		return errors.New(err).
			Category(errors.CategoryDatabase).
			Context("dsn", logger.RedactSensitiveData(dsn)).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open")
	}
	if store.Settings.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(store.Settings.MaxOpenConns)
		sqlDB.SetMaxIdleConns(store.Settings.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store.DB = db
	store.log.Info("MySQL database opened",
		logger.String("host", store.Settings.MySQL.Host),
		logger.String("schema", store.Settings.MySQL.Schema))
	return nil
}

// Migrate creates or updates the service tables.
func (store *MySQLStore) Migrate(ctx context.Context) error {
	if err := store.ready(); err != nil {
		return err
	}
	return performAutoMigration(ctx, store.DB, store.log, "MySQL")
}

// Close MySQL database connections
func (store *MySQLStore) Close() error {
	if err := store.ready(); err != nil {
		return err
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		store.log.Error("failed to retrieve generic DB object", logger.Error(err))
		return dbError(err, "close")
	}
	if err := sqlDB.Close(); err != nil {
		store.log.Error("failed to close MySQL database", logger.Error(err))
		return dbError(err, "close")
	}

	store.log.Debug("MySQL database connection closed")
	return nil
}
