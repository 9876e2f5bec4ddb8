package offline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

const (
	opStoreCreate = "offline.store.create"
	opStoreUpdate = "offline.store.update"
	reasonExists  = "already_exists"
	reasonNoop    = "no_changes"
)

// ErrNoteExists indicates a local create for a note the device already holds.
var ErrNoteExists = errors.New("offline: note already exists locally")

// Store records local edits. Each edit rewrites the cached copy and appends the queued
// mutation in one transaction, so the queue always carries the copy the edit started from.
type Store struct {
	db     *gorm.DB
	queue  *Queue
	cache  *SnapshotCache
	logger *zap.Logger
}

// NewStore combines a queue and a snapshot cache living in the same database.
func NewStore(queue *Queue, cache *SnapshotCache) (*Store, error) {
	if queue == nil || cache == nil {
		return nil, wrapError("offline.store.new", "missing_dependency", errors.New("queue and snapshot cache are required"))
	}
	return &Store{db: queue.db, queue: queue, cache: cache, logger: queue.logger}, nil
}

// CreateNote caches a new note as pending and queues its creation.
func (s *Store) CreateNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID, fields notes.NoteFields) (PendingOperation, error) {
	fields.TagIDs = notes.NormalizeTags(fields.TagIDs)
	var entry PendingOperation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.cache.get(tx, noteID)
		switch {
		case err == nil:
			return wrapError(opStoreCreate, reasonExists, ErrNoteExists)
		case !errors.Is(err, ErrSnapshotNotFound):
			return err
		}
		if err := s.cache.put(tx, userID, noteID, fields, SyncStatusPending); err != nil {
			return err
		}
		entry, err = s.queue.enqueue(tx, Mutation{
			NoteID:  noteID,
			UserID:  userID,
			Kind:    KindCreate,
			Payload: MutationPayload{Fields: &fields},
		})
		return err
	})
	if err != nil {
		return PendingOperation{}, err
	}
	s.logRecorded(entry)
	return entry, nil
}

// UpdateNote applies patch to the cached copy and queues the fields that actually changed,
// with the cached copy as their base.
func (s *Store) UpdateNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID, patch notes.FieldPatch) (PendingOperation, error) {
	var entry PendingOperation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cached, err := s.cache.get(tx, noteID)
		if err != nil {
			return err
		}
		base := cached.Fields
		desired := base.Apply(patch)
		var changed []notes.Field
		for _, field := range patch.Fields() {
			if !base.Equal(desired, field) {
				changed = append(changed, field)
			}
		}
		if len(changed) == 0 {
			return wrapError(opStoreUpdate, reasonNoop, fmt.Errorf("%w: update changes nothing", ErrInvalidMutation))
		}
		if err := s.cache.put(tx, userID, noteID, desired, SyncStatusPending); err != nil {
			return err
		}
		entry, err = s.queue.enqueue(tx, Mutation{
			NoteID:  noteID,
			UserID:  userID,
			Kind:    KindUpdate,
			Payload: MutationPayload{Base: &base, Changes: notes.PatchFrom(desired, changed...)},
		})
		return err
	})
	if err != nil {
		return PendingOperation{}, err
	}
	s.logRecorded(entry)
	return entry, nil
}

// DeleteNote evicts the cached copy and queues the deletion. The evicted copy travels as the
// base so a remote edit made since the device last saw the note surfaces as a conflict.
func (s *Store) DeleteNote(ctx context.Context, userID notes.UserID, noteID notes.NoteID) (PendingOperation, error) {
	var entry PendingOperation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payload MutationPayload
		cached, err := s.cache.get(tx, noteID)
		switch {
		case err == nil:
			payload.Base = &cached.Fields
			if err := s.cache.remove(tx, noteID); err != nil {
				return err
			}
		case !errors.Is(err, ErrSnapshotNotFound):
			return err
		}
		entry, err = s.queue.enqueue(tx, Mutation{NoteID: noteID, UserID: userID, Kind: KindDelete, Payload: payload})
		return err
	})
	if err != nil {
		return PendingOperation{}, err
	}
	s.logRecorded(entry)
	return entry, nil
}

func (s *Store) logRecorded(entry PendingOperation) {
	s.logger.Debug("local edit queued",
		zap.String(fieldOperationID, entry.ID),
		zap.String(fieldNoteID, entry.NoteID),
		zap.String("kind", string(entry.Kind)))
}
