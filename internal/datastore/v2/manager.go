// Package v2 opens the alert database and owns its schema.
package v2

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// Supported database dialects.
const (
	DialectSQLite   = "sqlite"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

// sqliteFile is the database file name used when Config.Path is a directory.
const sqliteFile = "envalert.db"

// Config describes how to reach the database.
type Config struct {
	Type            string
	Path            string // SQLite file or directory
	DSN             string // MySQL / PostgreSQL
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// ConfigFromSettings converts the database section of the settings.
func ConfigFromSettings(s *conf.DatabaseSettings) Config {
	return Config{
		Type:            s.Type,
		Path:            s.Path,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime.Std(),
		Debug:           s.Debug,
	}
}

// Manager owns the gorm connection.
type Manager struct {
	db      *gorm.DB
	dialect string
}

// NewManager opens a database connection for the configured dialect.
func NewManager(cfg Config) (*Manager, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "", DialectSQLite:
		path, err := sqlitePath(cfg.Path)
		if err != nil {
			return nil, err
		}
		cfg.Type = DialectSQLite
		// A single writer avoids "database is locked" under concurrent admissions.
		cfg.MaxOpenConns = 1
		dialector = sqlite.Open(path + "?_foreign_keys=ON&_busy_timeout=5000&_journal_mode=WAL")
	case DialectMySQL:
		dialector = mysql.Open(cfg.DSN)
	case DialectPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, errors.Newf("unsupported database type %q", cfg.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	logLevel := gorm_logger.Silent
	if cfg.Debug {
		logLevel = gorm_logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gorm_logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open %s database: %w", cfg.Type, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Manager{db: db, dialect: cfg.Type}, nil
}

// NewSQLiteManager opens a SQLite database in the given file or directory.
func NewSQLiteManager(path string) (*Manager, error) {
	return NewManager(Config{Type: DialectSQLite, Path: path})
}

func sqlitePath(path string) (string, error) {
	if path == "" {
		return sqliteFile, nil
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, sqliteFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return path, nil
}

// Initialize creates or updates the schema.
func (m *Manager) Initialize() error {
	if err := m.db.AutoMigrate(Models()...); err != nil {
		return errors.New(fmt.Errorf("failed to migrate schema: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("dialect", m.dialect).
			Build()
	}
	return nil
}

// Models lists every table the schema owns.
func Models() []any {
	return []any{
		&entities.Alert{},
		&entities.AlertStateHistory{},
		&entities.Reading{},
	}
}

// DB returns the gorm handle.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// Dialect returns the configured dialect name.
func (m *Manager) Dialect() string {
	return m.dialect
}

// Ping checks connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
