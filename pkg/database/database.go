// Package database opens the relational store shared by the conversation and learning stores
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/errors"
)

// Open connects to the configured database.
// SQLite is limited to a single connection so concurrent writers queue instead of failing with SQLITE_BUSY.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(logMode(cfg.LogLevel)),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Type {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, errors.NewConfigInvalidError("database.path is required for sqlite", nil)
		}
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormCfg)
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("unsupported database type: %s", cfg.Type), nil)
	}
	if err != nil {
		return nil, errors.NewConnectionFailedError(cfg.Type, err)
	}

	if cfg.Type == "" || cfg.Type == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.NewConnectionFailedError(cfg.Type, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func logMode(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Silent
	}
}
