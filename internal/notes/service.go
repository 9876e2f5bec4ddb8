package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "notes.service.new"
	opGetNote          = "notes.get_note"
	opCreateNote       = "notes.create_note"
	opUpdateNote       = "notes.update_note"
	opDeleteNote       = "notes.delete_note"
	opListNotes        = "notes.list_notes"
	opAddCollaborator  = "notes.add_collaborator"
	opCheckAccess      = "notes.check_access"
	fieldUserID        = "user_id"
	fieldNoteID        = "note_id"
	queryNoteID        = "note_id = ?"
	queryNoteUser      = "note_id = ? AND user_id = ?"
	reasonNotFound     = "not_found"
	reasonForbidden    = "permission_denied"
	reasonExists       = "already_exists"
	reasonInvalidPatch = "invalid_patch"
	reasonSelectFailed = "note_select_failed"
	reasonSaveFailed   = "note_save_failed"
	reasonAuditFailed  = "audit_insert_failed"
	reasonQueryFailed  = "query_failed"
	reasonDecodeFailed = "note_decode_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the authoritative note store backing the HTTP API and the sync rooms.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

var _ Persistence = (*Service)(nil)

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// GetNoteByID returns the live note if userID owns it or collaborates on it.
func (s *Service) GetNoteByID(ctx context.Context, userID UserID, noteID NoteID) (NoteSnapshot, error) {
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteSnapshot{}, newServiceError(opGetNote, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGetNote, reasonSelectFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldNoteID, noteID.String()))
		return NoteSnapshot{}, newServiceError(opGetNote, reasonSelectFailed, err)
	}
	allowed, err := s.hasAccess(s.db.WithContext(ctx), note, userID)
	if err != nil {
		s.logError(opGetNote, reasonSelectFailed, err, zap.String(fieldNoteID, noteID.String()))
		return NoteSnapshot{}, newServiceError(opGetNote, reasonSelectFailed, err)
	}
	if !allowed {
		return NoteSnapshot{}, newServiceError(opGetNote, reasonForbidden, ErrPermissionDenied)
	}
	if note.IsDeleted {
		return NoteSnapshot{}, newServiceError(opGetNote, reasonNotFound, ErrNotFound)
	}
	return noteToSnapshot(note)
}

// CreateNote stores a new note owned by userID. A note deleted earlier may be recreated by
// anyone who had access to it.
func (s *Service) CreateNote(ctx context.Context, userID UserID, noteID NoteID, fields NoteFields) (NoteSnapshot, error) {
	var stored Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockNote(tx, noteID)
		if err != nil {
			s.logError(opCreateNote, reasonSelectFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opCreateNote, reasonSelectFailed, err)
		}
		now := s.clock().UTC().Unix()
		var previousVersion *int64
		if found {
			allowed, accessErr := s.hasAccess(tx, existing, userID)
			if accessErr != nil {
				return newServiceError(opCreateNote, reasonSelectFailed, accessErr)
			}
			if !allowed {
				return newServiceError(opCreateNote, reasonForbidden, ErrPermissionDenied)
			}
			if !existing.IsDeleted {
				return newServiceError(opCreateNote, reasonExists, ErrAlreadyExists)
			}
			version := existing.Version
			previousVersion = &version
			stored = existing
			stored.Version = existing.Version + 1
			stored.IsDeleted = false
		} else {
			stored = Note{
				NoteID:           noteID.String(),
				OwnerID:          userID.String(),
				CreatedAtSeconds: now,
				Version:          1,
			}
		}
		if err := writeFields(&stored, fields); err != nil {
			return newServiceError(opCreateNote, reasonSaveFailed, err)
		}
		stored.UpdatedAtSeconds = now
		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opCreateNote, reasonSaveFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opCreateNote, reasonSaveFailed, err)
		}
		return s.audit(tx, opCreateNote, userID, stored, OperationTypeCreate, fields, previousVersion)
	})
	if txErr != nil {
		return NoteSnapshot{}, txErr
	}
	return noteToSnapshot(stored)
}

// UpdateNote applies a field patch to a live note.
func (s *Service) UpdateNote(ctx context.Context, userID UserID, noteID NoteID, patch FieldPatch) (NoteSnapshot, error) {
	if patch.Empty() {
		return NoteSnapshot{}, newServiceError(opUpdateNote, reasonInvalidPatch, ErrInvalidPatch)
	}
	var stored Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockNote(tx, noteID)
		if err != nil {
			s.logError(opUpdateNote, reasonSelectFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opUpdateNote, reasonSelectFailed, err)
		}
		if !found {
			return newServiceError(opUpdateNote, reasonNotFound, ErrNotFound)
		}
		allowed, err := s.hasAccess(tx, existing, userID)
		if err != nil {
			return newServiceError(opUpdateNote, reasonSelectFailed, err)
		}
		if !allowed {
			return newServiceError(opUpdateNote, reasonForbidden, ErrPermissionDenied)
		}
		if existing.IsDeleted {
			return newServiceError(opUpdateNote, reasonNotFound, ErrNotFound)
		}
		current, err := readFields(existing)
		if err != nil {
			s.logError(opUpdateNote, reasonDecodeFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opUpdateNote, reasonDecodeFailed, err)
		}
		previousVersion := existing.Version
		stored = existing
		if err := writeFields(&stored, current.Apply(patch)); err != nil {
			return newServiceError(opUpdateNote, reasonSaveFailed, err)
		}
		stored.Version = existing.Version + 1
		stored.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opUpdateNote, reasonSaveFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opUpdateNote, reasonSaveFailed, err)
		}
		return s.audit(tx, opUpdateNote, userID, stored, OperationTypeUpdate, patch, &previousVersion)
	})
	if txErr != nil {
		return NoteSnapshot{}, txErr
	}
	return noteToSnapshot(stored)
}

// DeleteNote soft-deletes a note. Only the owner may delete.
func (s *Service) DeleteNote(ctx context.Context, userID UserID, noteID NoteID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockNote(tx, noteID)
		if err != nil {
			s.logError(opDeleteNote, reasonSelectFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opDeleteNote, reasonSelectFailed, err)
		}
		if !found {
			return newServiceError(opDeleteNote, reasonNotFound, ErrNotFound)
		}
		if existing.OwnerID != userID.String() {
			return newServiceError(opDeleteNote, reasonForbidden, ErrPermissionDenied)
		}
		if existing.IsDeleted {
			return newServiceError(opDeleteNote, reasonNotFound, ErrNotFound)
		}
		previousVersion := existing.Version
		existing.IsDeleted = true
		existing.Version++
		existing.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opDeleteNote, reasonSaveFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opDeleteNote, reasonSaveFailed, err)
		}
		return s.audit(tx, opDeleteNote, userID, existing, OperationTypeDelete, nil, &previousVersion)
	})
}

// ListNotes returns the live notes userID owns, most recently updated first.
func (s *Service) ListNotes(ctx context.Context, userID UserID) ([]NoteSnapshot, error) {
	var rows []Note
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_deleted = ?", userID.String(), false).
		Order("updated_at_s DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListNotes, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opListNotes, reasonQueryFailed, err)
	}
	snapshots := make([]NoteSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshot, err := noteToSnapshot(row)
		if err != nil {
			s.logError(opListNotes, reasonDecodeFailed, err, zap.String(fieldNoteID, row.NoteID))
			return nil, newServiceError(opListNotes, reasonDecodeFailed, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// AddCollaborator lets collaboratorID read, edit and join the room of a note ownerID owns.
func (s *Service) AddCollaborator(ctx context.Context, ownerID UserID, noteID NoteID, collaboratorID UserID) error {
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opAddCollaborator, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opAddCollaborator, reasonSelectFailed, err, zap.String(fieldNoteID, noteID.String()))
		return newServiceError(opAddCollaborator, reasonSelectFailed, err)
	}
	if note.OwnerID != ownerID.String() {
		return newServiceError(opAddCollaborator, reasonForbidden, ErrPermissionDenied)
	}
	grant := NoteCollaborator{
		NoteID:           noteID.String(),
		UserID:           collaboratorID.String(),
		GrantedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
		s.logError(opAddCollaborator, reasonSaveFailed, err, zap.String(fieldNoteID, noteID.String()))
		return newServiceError(opAddCollaborator, reasonSaveFailed, err)
	}
	return nil
}

// CheckRoomAccess decides whether userID may join the collaboration room of noteID. Rooms
// of notes that do not exist yet are open so a note created offline can be edited live
// before its create has been synced.
func (s *Service) CheckRoomAccess(ctx context.Context, userID UserID, noteID NoteID) error {
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		s.logError(opCheckAccess, reasonSelectFailed, err, zap.String(fieldNoteID, noteID.String()))
		return newServiceError(opCheckAccess, reasonSelectFailed, err)
	}
	allowed, err := s.hasAccess(s.db.WithContext(ctx), note, userID)
	if err != nil {
		return newServiceError(opCheckAccess, reasonSelectFailed, err)
	}
	if !allowed {
		return newServiceError(opCheckAccess, reasonForbidden, ErrPermissionDenied)
	}
	if note.IsDeleted {
		return newServiceError(opCheckAccess, reasonNotFound, ErrNotFound)
	}
	return nil
}

func (s *Service) lockNote(tx *gorm.DB, noteID NoteID) (Note, bool, error) {
	var note Note
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryNoteID, noteID.String()).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, false, nil
	}
	if err != nil {
		return Note{}, false, err
	}
	return note, true, nil
}

func (s *Service) hasAccess(tx *gorm.DB, note Note, userID UserID) (bool, error) {
	if note.OwnerID == userID.String() {
		return true, nil
	}
	var count int64
	if err := tx.Model(&NoteCollaborator{}).
		Where(queryNoteUser, note.NoteID, userID.String()).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) audit(tx *gorm.DB, operation string, userID UserID, note Note, kind OperationType, payload any, previousVersion *int64) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String(fieldNoteID, note.NoteID))
		return newServiceError(operation, "id_generation_failed", err)
	}
	payloadJSON := "{}"
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return newServiceError(operation, reasonAuditFailed, encodeErr)
		}
		payloadJSON = string(encoded)
	}
	newVersion := note.Version
	record := NoteChange{
		ChangeID:         changeID,
		NoteID:           note.NoteID,
		UserID:           userID.String(),
		AppliedAtSeconds: s.clock().UTC().Unix(),
		Operation:        kind,
		PayloadJSON:      payloadJSON,
		PreviousVersion:  previousVersion,
		NewVersion:       &newVersion,
	}
	if err := tx.Create(&record).Error; err != nil {
		s.logError(operation, reasonAuditFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldNoteID, note.NoteID))
		return newServiceError(operation, reasonAuditFailed, err)
	}
	return nil
}

func writeFields(note *Note, fields NoteFields) error {
	tags, err := json.Marshal(NormalizeTags(fields.TagIDs))
	if err != nil {
		return err
	}
	note.Title = fields.Title
	note.Content = fields.Content
	note.Summary = fields.Summary
	note.CategoryID = fields.CategoryID
	note.TagIDsJSON = string(tags)
	return nil
}

func readFields(note Note) (NoteFields, error) {
	var tags []string
	if note.TagIDsJSON != "" {
		if err := json.Unmarshal([]byte(note.TagIDsJSON), &tags); err != nil {
			return NoteFields{}, err
		}
	}
	return NoteFields{
		Title:      note.Title,
		Content:    note.Content,
		Summary:    note.Summary,
		CategoryID: note.CategoryID,
		TagIDs:     NormalizeTags(tags),
	}, nil
}

func noteToSnapshot(note Note) (NoteSnapshot, error) {
	fields, err := readFields(note)
	if err != nil {
		return NoteSnapshot{}, err
	}
	return NoteSnapshot{
		ID:        NoteID(note.NoteID),
		OwnerID:   UserID(note.OwnerID),
		Fields:    fields,
		Version:   note.Version,
		UpdatedAt: time.Unix(note.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
