package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

// OpenServer opens the server database holding notes, room logs and identities.
func OpenServer(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := append(notes.Models(), users.Models()...)
	return openSQLite(path, models, serverMigrations(), logger)
}

// OpenClient opens the device database holding the offline queue, the snapshot cache and
// conflict records.
func OpenClient(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := append(offline.Models(), conflict.Models()...)
	return openSQLite(path, models, clientMigrations(), logger)
}

func openSQLite(path string, models []any, migrations []migrationDefinition, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, migrations, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
