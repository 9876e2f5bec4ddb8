package conflict

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
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

const (
	opResolverNew      = "conflict.resolver.new"
	opRecord           = "conflict.record"
	opPending          = "conflict.pending"
	opGet              = "conflict.get"
	opResolve          = "conflict.resolve"
	queryConflictID    = "conflict_id = ?"
	queryOperationID   = "operation_id = ?"
	queryStatus        = "status = ?"
	orderCreatedAsc    = "created_at ASC"
	reasonInvalid      = "invalid_input"
	reasonIDFailed     = "id_generation_failed"
	reasonEncodeFailed = "encode_failed"
	reasonDecodeFailed = "decode_failed"
	reasonInsertFailed = "insert_failed"
	reasonQueryFailed  = "query_failed"
	reasonUpdateFailed = "update_failed"
	reasonNotFound     = "not_found"
	reasonResolved     = "already_resolved"
	reasonUnsupported  = "manual_merge_unsupported"
	reasonStrategy     = "unknown_strategy"
	reasonRemoteWrite  = "remote_write_failed"
	reasonQueueFailed  = "queue_update_failed"
	reasonCacheFailed  = "cache_update_failed"
	fieldConflictID    = "conflict_id"
	fieldNoteID        = "note_id"
	fieldStrategy      = "strategy"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingPersistence = errors.New("persistence is required")
	errMissingQueue       = errors.New("queue is required")
	errMissingIDProvider  = errors.New("id provider is required")
)

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Database    *gorm.DB
	Persistence notes.Persistence
	Queue       *offline.Queue
	Cache       *offline.SnapshotCache
	// Policy, when set to use-local or use-remote, settles conflicts without asking the user.
	Policy     Strategy
	Clock      func() time.Time
	IDProvider notes.IDProvider
	Logger     *zap.Logger
}

// Resolver stores conflicts and applies the chosen resolution strategy.
type Resolver struct {
	db          *gorm.DB
	persistence notes.Persistence
	queue       *offline.Queue
	cache       *offline.SnapshotCache
	policy      Strategy
	clock       func() time.Time
	idProvider  notes.IDProvider
	logger      *zap.Logger
}

// NewResolver validates the configuration.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	switch {
	case cfg.Database == nil:
		return nil, wrapError(opResolverNew, "missing_database", errMissingDatabase)
	case cfg.Persistence == nil:
		return nil, wrapError(opResolverNew, "missing_persistence", errMissingPersistence)
	case cfg.Queue == nil:
		return nil, wrapError(opResolverNew, "missing_queue", errMissingQueue)
	case cfg.IDProvider == nil:
		return nil, wrapError(opResolverNew, "missing_id_provider", errMissingIDProvider)
	}
	switch cfg.Policy {
	case StrategyNone, StrategyUseLocal, StrategyUseRemote:
	default:
		return nil, wrapError(opResolverNew, reasonStrategy, fmt.Errorf("%w: %q cannot be a policy", ErrUnknownStrategy, cfg.Policy))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		db:          cfg.Database,
		persistence: cfg.Persistence,
		queue:       cfg.Queue,
		cache:       cfg.Cache,
		policy:      cfg.Policy,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
	}, nil
}

// Policy reports the configured automatic strategy, if any.
func (r *Resolver) Policy() Strategy {
	return r.policy
}

// Record stores a conflict for entry and parks the entry behind it. Recording the same entry
// twice returns the existing conflict.
func (r *Resolver) Record(ctx context.Context, entry offline.PendingOperation, payload offline.MutationPayload, decision Decision, server *notes.NoteSnapshot) (Conflict, error) {
	if decision.Outcome != OutcomeConflict {
		return Conflict{}, wrapError(opRecord, reasonInvalid, fmt.Errorf("decision %q is not a conflict", decision.Outcome))
	}
	conflictID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opRecord, reasonIDFailed, err, zap.String(fieldNoteID, entry.NoteID))
		return Conflict{}, wrapError(opRecord, reasonIDFailed, err)
	}
	var remote *notes.NoteFields
	if server != nil {
		remoteFields := server.Fields
		remote = &remoteFields
	}
	baseJSON, err := encodeOptional(payload.Base)
	if err != nil {
		return Conflict{}, wrapError(opRecord, reasonEncodeFailed, err)
	}
	remoteJSON, err := encodeOptional(remote)
	if err != nil {
		return Conflict{}, wrapError(opRecord, reasonEncodeFailed, err)
	}
	localJSON, err := json.Marshal(decision.Merged)
	if err != nil {
		return Conflict{}, wrapError(opRecord, reasonEncodeFailed, err)
	}
	fieldsJSON, err := json.Marshal(decision.Conflicting)
	if err != nil {
		return Conflict{}, wrapError(opRecord, reasonEncodeFailed, err)
	}

	record := ConflictRecord{
		ConflictID:    conflictID,
		OperationID:   entry.ID,
		NoteID:        entry.NoteID,
		UserID:        entry.UserID,
		Kind:          entry.Kind,
		BaseJSON:      baseJSON,
		LocalJSON:     string(localJSON),
		RemoteJSON:    remoteJSON,
		FieldsJSON:    string(fieldsJSON),
		RemoteDeleted: decision.RemoteDeleted,
		Status:        RecordStatusOpen,
		CreatedAt:     r.clock().UTC(),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		r.logError(opRecord, reasonInsertFailed, err, zap.String(fieldNoteID, entry.NoteID))
		return Conflict{}, wrapError(opRecord, reasonInsertFailed, err)
	}
	var stored ConflictRecord
	if err := r.db.WithContext(ctx).Where(queryOperationID, entry.ID).Take(&stored).Error; err != nil {
		r.logError(opRecord, reasonQueryFailed, err, zap.String(fieldNoteID, entry.NoteID))
		return Conflict{}, wrapError(opRecord, reasonQueryFailed, err)
	}
	if err := r.queue.MarkConflicted(ctx, entry.ID, stored.ConflictID); err != nil && !errors.Is(err, offline.ErrEntryNotFound) {
		return Conflict{}, wrapError(opRecord, reasonQueueFailed, err)
	}
	if r.cache != nil {
		if err := r.cache.SetSyncStatus(ctx, notes.NoteID(entry.NoteID), offline.SyncStatusFailed); err != nil && !errors.Is(err, offline.ErrSnapshotNotFound) {
			r.logError(opRecord, reasonCacheFailed, err, zap.String(fieldNoteID, entry.NoteID))
		}
	}
	conflict, err := recordToConflict(stored)
	if err != nil {
		return Conflict{}, wrapError(opRecord, reasonDecodeFailed, err)
	}
	return conflict, nil
}

// Pending lists the open conflicts, oldest first.
func (r *Resolver) Pending(ctx context.Context) ([]Conflict, error) {
	var records []ConflictRecord
	if err := r.db.WithContext(ctx).Where(queryStatus, RecordStatusOpen).Order(orderCreatedAsc).Find(&records).Error; err != nil {
		r.logError(opPending, reasonQueryFailed, err)
		return nil, wrapError(opPending, reasonQueryFailed, err)
	}
	conflicts := make([]Conflict, 0, len(records))
	for _, record := range records {
		conflict, err := recordToConflict(record)
		if err != nil {
			return nil, wrapError(opPending, reasonDecodeFailed, err)
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

// Get returns one conflict in any status.
func (r *Resolver) Get(ctx context.Context, conflictID string) (Conflict, error) {
	record, err := r.load(ctx, opGet, conflictID)
	if err != nil {
		return Conflict{}, err
	}
	conflict, err := recordToConflict(record)
	if err != nil {
		return Conflict{}, wrapError(opGet, reasonDecodeFailed, err)
	}
	return conflict, nil
}

// Resolve applies strategy to an open conflict. use-local writes the local fields to the
// server, recreating the note if it was deleted remotely. use-remote drops the pending
// operation and adopts the server state. manual-merge returns ErrManualMergeUnsupported and
// leaves the conflict open.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategy Strategy) (Conflict, error) {
	record, err := r.load(ctx, opResolve, conflictID)
	if err != nil {
		return Conflict{}, err
	}
	if record.Status == RecordStatusResolved {
		return Conflict{}, wrapError(opResolve, reasonResolved, ErrAlreadyResolved)
	}
	conflict, err := recordToConflict(record)
	if err != nil {
		return Conflict{}, wrapError(opResolve, reasonDecodeFailed, err)
	}

	switch strategy {
	case StrategyUseLocal:
		err = r.applyLocal(ctx, conflict)
	case StrategyUseRemote:
		err = r.applyRemote(ctx, conflict)
	case StrategyManualMerge:
		r.logger.Warn("manual merge requested but not supported",
			zap.String(fieldConflictID, conflictID),
			zap.String(fieldNoteID, record.NoteID))
		return Conflict{}, wrapError(opResolve, reasonUnsupported, ErrManualMergeUnsupported)
	default:
		return Conflict{}, wrapError(opResolve, reasonStrategy, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy))
	}
	if err != nil {
		return Conflict{}, err
	}

	if err := r.queue.Discard(ctx, conflict.OperationID); err != nil && !errors.Is(err, offline.ErrEntryNotFound) {
		return Conflict{}, wrapError(opResolve, reasonQueueFailed, err)
	}
	resolvedAt := r.clock().UTC()
	if err := r.db.WithContext(ctx).Model(&ConflictRecord{}).
		Where(queryConflictID, conflictID).
		Updates(map[string]any{
			"status":      RecordStatusResolved,
			"strategy":    strategy,
			"resolved_at": resolvedAt,
		}).Error; err != nil {
		r.logError(opResolve, reasonUpdateFailed, err, zap.String(fieldConflictID, conflictID))
		return Conflict{}, wrapError(opResolve, reasonUpdateFailed, err)
	}
	conflict.Status = RecordStatusResolved
	conflict.Strategy = strategy
	conflict.ResolvedAt = &resolvedAt
	r.logger.Info("conflict resolved",
		zap.String(fieldConflictID, conflictID),
		zap.String(fieldNoteID, record.NoteID),
		zap.String(fieldStrategy, string(strategy)))
	return conflict, nil
}

func (r *Resolver) applyLocal(ctx context.Context, conflict Conflict) error {
	var err error
	switch {
	case conflict.Kind == offline.KindDelete:
		err = r.persistence.DeleteNote(ctx, conflict.UserID, conflict.NoteID)
		if errors.Is(err, notes.ErrNotFound) {
			err = nil
		}
		if err == nil {
			err = r.evict(ctx, conflict.NoteID)
		}
	case conflict.RemoteDeleted || conflict.Remote == nil:
		var created notes.NoteSnapshot
		created, err = r.persistence.CreateNote(ctx, conflict.UserID, conflict.NoteID, conflict.Local)
		if err == nil {
			err = r.refresh(ctx, conflict.UserID, conflict.NoteID, created.Fields)
		}
	default:
		differing := Diff(conflict.Local, *conflict.Remote)
		if len(differing) == 0 {
			return r.refresh(ctx, conflict.UserID, conflict.NoteID, conflict.Local)
		}
		var updated notes.NoteSnapshot
		updated, err = r.persistence.UpdateNote(ctx, conflict.UserID, conflict.NoteID, notes.PatchFrom(conflict.Local, differing...))
		if err == nil {
			err = r.refresh(ctx, conflict.UserID, conflict.NoteID, updated.Fields)
		}
	}
	if err != nil {
		r.logError(opResolve, reasonRemoteWrite, err,
			zap.String(fieldConflictID, conflict.ID),
			zap.String(fieldNoteID, conflict.NoteID.String()))
		return wrapError(opResolve, reasonRemoteWrite, err)
	}
	return nil
}

func (r *Resolver) applyRemote(ctx context.Context, conflict Conflict) error {
	if conflict.RemoteDeleted || conflict.Remote == nil {
		return r.evict(ctx, conflict.NoteID)
	}
	return r.refresh(ctx, conflict.UserID, conflict.NoteID, *conflict.Remote)
}

func (r *Resolver) refresh(ctx context.Context, userID notes.UserID, noteID notes.NoteID, fields notes.NoteFields) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Put(ctx, userID, noteID, fields, offline.SyncStatusSynced); err != nil {
		return wrapError(opResolve, reasonCacheFailed, err)
	}
	return nil
}

func (r *Resolver) evict(ctx context.Context, noteID notes.NoteID) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Delete(ctx, noteID); err != nil {
		return wrapError(opResolve, reasonCacheFailed, err)
	}
	return nil
}

func (r *Resolver) load(ctx context.Context, operation, conflictID string) (ConflictRecord, error) {
	var record ConflictRecord
	err := r.db.WithContext(ctx).Where(queryConflictID, conflictID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConflictRecord{}, wrapError(operation, reasonNotFound, ErrConflictNotFound)
	}
	if err != nil {
		r.logError(operation, reasonQueryFailed, err, zap.String(fieldConflictID, conflictID))
		return ConflictRecord{}, wrapError(operation, reasonQueryFailed, err)
	}
	return record, nil
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	r.logger.Error("conflict resolver error", allFields...)
}

func wrapError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}
