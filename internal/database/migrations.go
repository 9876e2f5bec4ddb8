package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

const (
	migrationStripProviderPrefix     = "2026-09-14_strip_provider_prefix_from_user_ids"
	migrationBackfillAbandonedReason = "2026-09-21_backfill_abandoned_failure_kind"

	legacyProviderPrefix = "google:"
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

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
	}
}

func clientMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillAbandonedReason, apply: backfillAbandonedFailureKind},
	}
}

// applyMigrations runs every migration not yet recorded in db_migrations, each inside its
// own transaction together with its record.
func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// stripProviderPrefix rewrites user ids stored with the sign-in provider prefix to the
// canonical form the identity service resolves.
func stripProviderPrefix(db *gorm.DB) error {
	columns := []struct {
		table  string
		column string
	}{
		{table: "notes", column: "owner_id"},
		{table: "note_collaborators", column: "user_id"},
		{table: "note_changes", column: "user_id"},
		{table: "note_room_updates", column: "author_id"},
	}
	start := len(legacyProviderPrefix) + 1
	for _, target := range columns {
		statement := fmt.Sprintf("UPDATE %s SET %s = substr(%s, %d) WHERE %s LIKE '%s%%';",
			target.table, target.column, target.column, start, target.column, legacyProviderPrefix)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillAbandonedFailureKind tags abandoned queue entries written before failure kinds
// were recorded.
func backfillAbandonedFailureKind(db *gorm.DB) error {
	return db.Model(&offline.PendingOperation{}).
		Where("status = ? AND failure_kind = ?", offline.StatusAbandoned, offline.FailureNone).
		Update("failure_kind", offline.FailureExhausted).Error
}
