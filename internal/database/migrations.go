package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCompletedFollowupsIndex = "2025-03-11_completed_followups_index"
	migrationActivityCompanyIndex    = "2025-03-18_activity_company_id_index"
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
		{name: migrationCompletedFollowupsIndex, apply: createCompletedFollowupsIndex},
		{name: migrationActivityCompanyIndex, apply: createActivityCompanyIDIndex},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Timeline scans order completed follow-ups by completion date.
func createCompletedFollowupsIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_followups_completed ON followups (completed_at DESC, id DESC) WHERE completed_at IS NOT NULL").Error
}

// Company-filtered feed pages walk ids newest first.
func createActivityCompanyIDIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_activity_events_company_id ON activity_events (company_id, id DESC)").Error
}
