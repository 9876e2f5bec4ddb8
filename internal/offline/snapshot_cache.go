package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

const (
	opSnapshotGet    = "offline.snapshot.get"
	opSnapshotPut    = "offline.snapshot.put"
	opSnapshotDelete = "offline.snapshot.delete"
	opSnapshotStatus = "offline.snapshot.set_status"
	opSnapshotList   = "offline.snapshot.list"
	queryNoteID      = "note_id = ?"
	queryUserID      = "user_id = ?"
	orderUpdatedDesc = "updated_at DESC"
	columnSyncStatus = "sync_status"
)

// Snapshot is the decoded view of a cached note.
type Snapshot struct {
	NoteID     notes.NoteID
	UserID     notes.UserID
	Fields     notes.NoteFields
	SyncStatus SyncStatus
	UpdatedAt  time.Time
}

// SnapshotCache keeps exactly one local copy per note id.
type SnapshotCache struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSnapshotCache returns a cache over the client database.
func NewSnapshotCache(database *gorm.DB, clock func() time.Time, logger *zap.Logger) (*SnapshotCache, error) {
	if database == nil {
		return nil, wrapError("offline.snapshot.new", "missing_database", errMissingDatabase)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotCache{db: database, clock: clock, logger: logger}, nil
}

// Get returns the cached snapshot for a note.
func (c *SnapshotCache) Get(ctx context.Context, noteID notes.NoteID) (Snapshot, error) {
	return c.get(c.db.WithContext(ctx), noteID)
}

func (c *SnapshotCache) get(db *gorm.DB, noteID notes.NoteID) (Snapshot, error) {
	var row LocalNote
	err := db.Where(queryNoteID, noteID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, wrapError(opSnapshotGet, reasonNotFound, ErrSnapshotNotFound)
	}
	if err != nil {
		c.logError(opSnapshotGet, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return Snapshot{}, wrapError(opSnapshotGet, reasonQueryFailed, err)
	}
	return rowToSnapshot(row)
}

// Put inserts or replaces the snapshot of a note.
func (c *SnapshotCache) Put(ctx context.Context, userID notes.UserID, noteID notes.NoteID, fields notes.NoteFields, status SyncStatus) error {
	return c.put(c.db.WithContext(ctx), userID, noteID, fields, status)
}

func (c *SnapshotCache) put(db *gorm.DB, userID notes.UserID, noteID notes.NoteID, fields notes.NoteFields, status SyncStatus) error {
	tagsJSON, err := json.Marshal(notes.NormalizeTags(fields.TagIDs))
	if err != nil {
		return wrapError(opSnapshotPut, reasonEncodeFailed, err)
	}
	row := LocalNote{
		NoteID:     noteID.String(),
		UserID:     userID.String(),
		Title:      fields.Title,
		Content:    fields.Content,
		Summary:    fields.Summary,
		CategoryID: fields.CategoryID,
		TagIDsJSON: string(tagsJSON),
		SyncStatus: status,
		UpdatedAt:  c.clock().UTC(),
	}
	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		c.logError(opSnapshotPut, reasonInsertFailed, err, zap.String(fieldNoteID, noteID.String()))
		return wrapError(opSnapshotPut, reasonInsertFailed, err)
	}
	return nil
}

// Delete evicts a note from the cache. Missing notes are not an error.
func (c *SnapshotCache) Delete(ctx context.Context, noteID notes.NoteID) error {
	return c.remove(c.db.WithContext(ctx), noteID)
}

func (c *SnapshotCache) remove(db *gorm.DB, noteID notes.NoteID) error {
	if err := db.Where(queryNoteID, noteID.String()).Delete(&LocalNote{}).Error; err != nil {
		c.logError(opSnapshotDelete, reasonDeleteFailed, err, zap.String(fieldNoteID, noteID.String()))
		return wrapError(opSnapshotDelete, reasonDeleteFailed, err)
	}
	return nil
}

// SetSyncStatus retags a cached note without touching its content.
func (c *SnapshotCache) SetSyncStatus(ctx context.Context, noteID notes.NoteID, status SyncStatus) error {
	result := c.db.WithContext(ctx).Model(&LocalNote{}).
		Where(queryNoteID, noteID.String()).
		UpdateColumn(columnSyncStatus, status)
	if result.Error != nil {
		c.logError(opSnapshotStatus, reasonUpdateFailed, result.Error, zap.String(fieldNoteID, noteID.String()))
		return wrapError(opSnapshotStatus, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapError(opSnapshotStatus, reasonNotFound, ErrSnapshotNotFound)
	}
	return nil
}

// List returns the cached notes of a user, most recently updated first.
func (c *SnapshotCache) List(ctx context.Context, userID notes.UserID) ([]Snapshot, error) {
	var rows []LocalNote
	if err := c.db.WithContext(ctx).Where(queryUserID, userID.String()).Order(orderUpdatedDesc).Find(&rows).Error; err != nil {
		c.logError(opSnapshotList, reasonQueryFailed, err)
		return nil, wrapError(opSnapshotList, reasonQueryFailed, err)
	}
	snapshots := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snapshot, err := rowToSnapshot(row)
		if err != nil {
			return nil, wrapError(opSnapshotList, reasonQueryFailed, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (c *SnapshotCache) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Error("snapshot cache error", allFields...)
}

func rowToSnapshot(row LocalNote) (Snapshot, error) {
	var tags []string
	if row.TagIDsJSON != "" {
		if err := json.Unmarshal([]byte(row.TagIDsJSON), &tags); err != nil {
			return Snapshot{}, fmt.Errorf("offline: decode tags of %s: %w", row.NoteID, err)
		}
	}
	return Snapshot{
		NoteID: notes.NoteID(row.NoteID),
		UserID: notes.UserID(row.UserID),
		Fields: notes.NoteFields{
			Title:      row.Title,
			Content:    row.Content,
			Summary:    row.Summary,
			CategoryID: row.CategoryID,
			TagIDs:     tags,
		},
		SyncStatus: row.SyncStatus,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}
