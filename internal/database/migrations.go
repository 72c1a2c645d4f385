package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationQualifyPendingEventTypes = "2026-10-01_qualify_pending_event_types"

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
		{name: migrationQualifyPendingEventTypes, apply: qualifyPendingEventTypes},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// qualifyPendingEventTypes rewrites queued events stored under the bare
// resource name ("courses") to the qualified broker path. A bare row that
// collides with an already qualified one is dropped; the qualified row is the
// newer observation.
func qualifyPendingEventTypes(tx *gorm.DB) error {
	if !tx.Migrator().HasTable(&queue.PendingEvent{}) {
		return nil
	}
	for _, resourceType := range ecs.ResourceTypes() {
		qualified := string(resourceType)
		bare := qualified[strings.LastIndex(qualified, "/")+1:]
		err := tx.Where("resource_type = ? AND EXISTS (SELECT 1 FROM ecs_pending_events q WHERE q.resource_type = ? AND q.resource_id = ecs_pending_events.resource_id AND q.broker_id = ecs_pending_events.broker_id)", bare, qualified).
			Delete(&queue.PendingEvent{}).Error
		if err != nil {
			return err
		}
		if err := tx.Model(&queue.PendingEvent{}).Where("resource_type = ?", bare).Update("resource_type", qualified).Error; err != nil {
			return err
		}
	}
	return nil
}
