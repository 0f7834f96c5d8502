// Package db opens the database that backs sessions, blobs and media
package db

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"bitwise74/media-ingest/internal/model"
	"bitwise74/media-ingest/pkg/util"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New opens dsn and migrates every table. DSNs starting with postgres:// or
// postgresql:// use the postgres driver, anything else is a SQLite file.
func New(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "database.db"
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		// Inside a container the sqlite file has to be mounted by the host
		if util.InContainer() && !strings.HasPrefix(dsn, "file:") {
			if _, err := os.Stat(dsn); errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("SQLite database file %s not mounted, please use docker volumes to mount it", dsn)
			}
		}

		dialector = sqlite.Open(withWriteLocking(dsn))
	}

	db, err := gorm.Open(dialector, config(logger.Warn))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database, %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// withWriteLocking makes sqlite transactions take the write lock up front
// and wait for it instead of failing with "database is locked"
func withWriteLocking(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	params := "_txlock=immediate"
	if !strings.Contains(dsn, "_busy_timeout=") {
		params += "&_busy_timeout=5000"
	}

	return dsn + sep + params
}

// NewMemory opens a private in-memory SQLite database. Everything goes
// through a single connection so concurrent callers queue instead of
// hitting "database is locked".
func NewMemory(name string) (*gorm.DB, error) {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)

	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), config(logger.Silent))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database, %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Blob rows are deleted while soft deleted media rows still point at them,
// so the media -> blob relation is not enforced by a foreign key
func config(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:                                   logger.Default.LogMode(level),
		DisableForeignKeyConstraintWhenMigrating: true,
	}
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		model.UploadSession{},
		model.ChunkRecord{},
		model.ContentBlob{},
		model.MediaRecord{},
		model.Stats{},
	)
	if err != nil {
		return fmt.Errorf("failed to automigrate tables, %w", err)
	}

	return nil
}
