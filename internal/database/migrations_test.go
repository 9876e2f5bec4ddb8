package database

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

func TestServerMigrationStripsProviderPrefix(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "server.db")

	database, err := OpenServer(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open server database: %v", err)
	}

	// Rows written by an older build still carry the prefix; rerun the migration over them.
	if err := database.Where("name = ?", migrationStripProviderPrefix).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration record: %v", err)
	}
	legacy := notes.Note{NoteID: "note-1", OwnerID: "google:user-1", TagIDsJSON: "[]", CreatedAtSeconds: 1, UpdatedAtSeconds: 1, Version: 1}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert note: %v", err)
	}
	if err := database.Create(&notes.NoteCollaborator{NoteID: "note-1", UserID: "google:user-2", GrantedAtSeconds: 1}).Error; err != nil {
		testContext.Fatalf("failed to insert collaborator: %v", err)
	}
	if err := Close(database); err != nil {
		testContext.Fatalf("failed to close database: %v", err)
	}

	database, err = OpenServer(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen server database: %v", err)
	}
	defer Close(database)

	var stored notes.Note
	if err := database.Where("note_id = ?", "note-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	if stored.OwnerID != "user-1" {
		testContext.Fatalf("expected prefix to be stripped, got %q", stored.OwnerID)
	}
	var collaborator notes.NoteCollaborator
	if err := database.Where("note_id = ?", "note-1").Take(&collaborator).Error; err != nil || collaborator.UserID != "user-2" {
		testContext.Fatalf("expected collaborator prefix to be stripped, got %q %v", collaborator.UserID, err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationStripProviderPrefix).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestClientMigrationBackfillsAbandonedEntries(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "client.db")

	database, err := OpenClient(databasePath, nil)
	if err != nil {
		testContext.Fatalf("failed to open client database: %v", err)
	}
	if err := database.Where("name = ?", migrationBackfillAbandonedReason).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration record: %v", err)
	}
	now := time.Unix(1700000000, 0).UTC()
	entries := []offline.PendingOperation{
		{ID: "op-1", NoteID: "note-1", UserID: "user-1", Kind: offline.KindUpdate, PayloadJSON: "{}", Status: offline.StatusAbandoned, CreatedAt: now, UpdatedAt: now},
		{ID: "op-2", NoteID: "note-1", UserID: "user-1", Kind: offline.KindUpdate, PayloadJSON: "{}", Status: offline.StatusAbandoned, FailureKind: offline.FailurePermission, CreatedAt: now, UpdatedAt: now},
		{ID: "op-3", NoteID: "note-2", UserID: "user-1", Kind: offline.KindUpdate, PayloadJSON: "{}", Status: offline.StatusPending, CreatedAt: now, UpdatedAt: now},
	}
	if err := database.Create(&entries).Error; err != nil {
		testContext.Fatalf("failed to insert entries: %v", err)
	}

	if err := applyMigrations(database, clientMigrations(), zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	defer Close(database)

	expected := map[string]offline.FailureKind{
		"op-1": offline.FailureExhausted,
		"op-2": offline.FailurePermission,
		"op-3": offline.FailureNone,
	}
	var stored []offline.PendingOperation
	if err := database.Order("sequence").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload entries: %v", err)
	}
	for _, entry := range stored {
		if entry.FailureKind != expected[entry.ID] {
			testContext.Fatalf("entry %s: expected failure kind %q, got %q", entry.ID, expected[entry.ID], entry.FailureKind)
		}
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := OpenClient(filepath.Join(testContext.TempDir(), "client.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open client database: %v", err)
	}
	defer Close(database)

	calls := 0
	migrations := []migrationDefinition{{name: "test_counting", apply: func(*gorm.DB) error {
		calls++
		return nil
	}}}
	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, migrations, zap.NewNop()); err != nil {
			testContext.Fatalf("failed to apply migrations: %v", err)
		}
	}
	if calls != 1 {
		testContext.Fatalf("expected a single application, got %d", calls)
	}
}

func TestOpenRequiresPath(testContext *testing.T) {
	if _, err := OpenServer("", nil); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
