package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/MarcoPoloResearchLab/notesync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the canonical database carries.
func Models() []any {
	return []any{
		&records.Note{},
		&records.Collection{},
		&records.CollectionItem{},
		&users.Identity{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection serializes transactions, which keeps pull snapshots and
	// push check-then-write sequences from interleaving.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
