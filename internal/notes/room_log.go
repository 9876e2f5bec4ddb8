package notes

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAppendRoomUpdate     = "notes.append_room_update"
	opLoadRoom             = "notes.load_room"
	opCompactRoom          = "notes.compact_room"
	columnUpdateID         = "update_id"
	orderUpdateIDAsc       = columnUpdateID + " ASC"
	queryNoteAfterUpdate   = "note_id = ? AND update_id > ?"
	queryNoteThroughUpdate = "note_id = ? AND update_id <= ?"
	queryNoteHash          = "note_id = ? AND update_hash = ?"
	reasonEmptyUpdate      = "empty_update"
	reasonInsertFailed     = "update_insert_failed"
	reasonLookupFailed     = "update_lookup_failed"
	reasonPayloadInvalid   = "update_payload_invalid"
	reasonSnapshotFailed   = "snapshot_upsert_failed"
)

// ErrInvalidRoomUpdate indicates an empty document update.
var ErrInvalidRoomUpdate = errors.New("notes: invalid room update")

// RoomUpdate stores one document delta received by a collaboration room.
type RoomUpdate struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	NoteID           string `gorm:"column:note_id;size:190;not null;index:idx_room_updates_note;uniqueIndex:idx_room_update_dedupe,priority:1"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	UpdateB64        string `gorm:"column:update_b64;type:text;not null"`
	UpdateHash       string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_room_update_dedupe,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomUpdate) TableName() string {
	return "note_room_updates"
}

// RoomSnapshot stores a compacted document state per note.
type RoomSnapshot struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	SnapshotB64      string `gorm:"column:snapshot_b64;type:text;not null"`
	SnapshotUpdateID int64  `gorm:"column:snapshot_update_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSnapshot) TableName() string {
	return "note_room_snapshots"
}

// RoomUpdateOutcome reports where an appended update landed.
type RoomUpdateOutcome struct {
	UpdateID  int64
	Duplicate bool
}

// RoomHistory is everything needed to rebuild a room's document: the latest snapshot,
// if any, followed by the updates recorded after it.
type RoomHistory struct {
	Snapshot     []byte
	Updates      [][]byte
	LastUpdateID int64
}

// AppendRoomUpdate records a delta; byte-identical deltas are stored once.
func (s *Service) AppendRoomUpdate(ctx context.Context, authorID UserID, noteID NoteID, update []byte) (RoomUpdateOutcome, error) {
	if len(update) == 0 {
		return RoomUpdateOutcome{}, newServiceError(opAppendRoomUpdate, reasonEmptyUpdate, ErrInvalidRoomUpdate)
	}
	updateHash := hashPayload(update)
	model := RoomUpdate{
		NoteID:           noteID.String(),
		AuthorID:         authorID.String(),
		UpdateB64:        base64.StdEncoding.EncodeToString(update),
		UpdateHash:       updateHash,
		AppliedAtSeconds: s.clock().UTC().Unix(),
	}
	createResult := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if createResult.Error != nil {
		s.logError(opAppendRoomUpdate, reasonInsertFailed, createResult.Error,
			zap.String(fieldUserID, authorID.String()),
			zap.String(fieldNoteID, noteID.String()))
		return RoomUpdateOutcome{}, newServiceError(opAppendRoomUpdate, reasonInsertFailed, createResult.Error)
	}
	if createResult.RowsAffected > 0 {
		return RoomUpdateOutcome{UpdateID: model.UpdateID}, nil
	}

	var existing RoomUpdate
	if err := s.db.WithContext(ctx).Select(columnUpdateID).
		Where(queryNoteHash, noteID.String(), updateHash).
		Take(&existing).Error; err != nil {
		s.logError(opAppendRoomUpdate, reasonLookupFailed, err, zap.String(fieldNoteID, noteID.String()))
		return RoomUpdateOutcome{}, newServiceError(opAppendRoomUpdate, reasonLookupFailed, err)
	}
	return RoomUpdateOutcome{UpdateID: existing.UpdateID, Duplicate: true}, nil
}

// LoadRoom returns the stored history of a room in replay order.
func (s *Service) LoadRoom(ctx context.Context, noteID NoteID) (RoomHistory, error) {
	var history RoomHistory
	var snapshot RoomSnapshot
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&snapshot).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(opLoadRoom, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return RoomHistory{}, newServiceError(opLoadRoom, reasonQueryFailed, err)
	default:
		decoded, decodeErr := base64.StdEncoding.DecodeString(snapshot.SnapshotB64)
		if decodeErr != nil {
			s.logError(opLoadRoom, reasonPayloadInvalid, decodeErr, zap.String(fieldNoteID, noteID.String()))
			return RoomHistory{}, newServiceError(opLoadRoom, reasonPayloadInvalid, decodeErr)
		}
		history.Snapshot = decoded
		history.LastUpdateID = snapshot.SnapshotUpdateID
	}

	var updates []RoomUpdate
	if err := s.db.WithContext(ctx).
		Where(queryNoteAfterUpdate, noteID.String(), history.LastUpdateID).
		Order(orderUpdateIDAsc).
		Find(&updates).Error; err != nil {
		s.logError(opLoadRoom, reasonQueryFailed, err, zap.String(fieldNoteID, noteID.String()))
		return RoomHistory{}, newServiceError(opLoadRoom, reasonQueryFailed, err)
	}
	for _, update := range updates {
		decoded, decodeErr := base64.StdEncoding.DecodeString(update.UpdateB64)
		if decodeErr != nil {
			s.logError(opLoadRoom, reasonPayloadInvalid, decodeErr,
				zap.String(fieldNoteID, noteID.String()),
				zap.Int64(columnUpdateID, update.UpdateID))
			return RoomHistory{}, newServiceError(opLoadRoom, reasonPayloadInvalid, decodeErr)
		}
		history.Updates = append(history.Updates, decoded)
		history.LastUpdateID = update.UpdateID
	}
	return history, nil
}

// CompactRoom replaces the updates up to throughUpdateID with snapshot. Older snapshots
// never overwrite newer ones.
func (s *Service) CompactRoom(ctx context.Context, noteID NoteID, snapshot []byte, throughUpdateID int64) error {
	if len(snapshot) == 0 || throughUpdateID <= 0 {
		return newServiceError(opCompactRoom, reasonEmptyUpdate, fmt.Errorf("%w: empty snapshot", ErrInvalidRoomUpdate))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RoomSnapshot
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryNoteID, noteID.String()).
			Take(&existing).Error
		encoded := base64.StdEncoding.EncodeToString(snapshot)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			err = tx.Create(&RoomSnapshot{NoteID: noteID.String(), SnapshotB64: encoded, SnapshotUpdateID: throughUpdateID}).Error
		case err != nil:
		case throughUpdateID <= existing.SnapshotUpdateID:
			return nil
		default:
			existing.SnapshotB64 = encoded
			existing.SnapshotUpdateID = throughUpdateID
			err = tx.Save(&existing).Error
		}
		if err != nil {
			s.logError(opCompactRoom, reasonSnapshotFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opCompactRoom, reasonSnapshotFailed, err)
		}
		if err := tx.Where(queryNoteThroughUpdate, noteID.String(), throughUpdateID).Delete(&RoomUpdate{}).Error; err != nil {
			s.logError(opCompactRoom, reasonSnapshotFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opCompactRoom, reasonSnapshotFailed, err)
		}
		return nil
	})
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
