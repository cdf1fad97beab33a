package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillServerCreatedAt = "2026-10-02_backfill_server_created_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillServerCreatedAt, apply: backfillServerCreatedAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillServerCreatedAt repairs rows seeded outside the sync service (bulk imports through the
// sqlite shell) that leave server_created_at at zero.
func backfillServerCreatedAt(db *gorm.DB) error {
	for _, kind := range records.Kinds() {
		model, err := records.New(kind)
		if err != nil {
			return err
		}
		if err := db.Model(model).
			Where("server_created_at = 0").
			Update("server_created_at", gorm.Expr("last_modified")).Error; err != nil {
			return err
		}
	}
	return nil
}
