package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

// DefaultMaxRetries bounds transient failures before an entry is abandoned.
const DefaultMaxRetries = 5

const (
	opQueueNew          = "offline.queue.new"
	opEnqueue           = "offline.enqueue"
	opGetQueue          = "offline.get_queue"
	opGetEntry          = "offline.get_entry"
	opMarkInFlight      = "offline.mark_in_flight"
	opMarkSucceeded     = "offline.mark_succeeded"
	opMarkFailed        = "offline.mark_failed"
	opMarkRejected      = "offline.mark_rejected"
	opMarkConflicted    = "offline.mark_conflicted"
	opAbandoned         = "offline.abandoned"
	opDiscard           = "offline.discard"
	opRequeueInFlight   = "offline.requeue_in_flight"
	columnOperationID   = "operation_id"
	columnStatus        = "status"
	columnRetryCount    = "retry_count"
	columnLastError     = "last_error"
	columnFailureKind   = "failure_kind"
	columnUpdatedAt     = "updated_at"
	orderSequenceAsc    = "sequence ASC"
	queryOperationID    = "operation_id = ?"
	queryIDInStatus     = "operation_id = ? AND status IN ?"
	queryStatusIn       = "status IN ?"
	queryNoteIDIn       = "note_id IN ?"
	reasonInvalid       = "invalid_mutation"
	reasonIDFailed      = "id_generation_failed"
	reasonEncodeFailed  = "payload_encode_failed"
	reasonInsertFailed  = "insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonUpdateFailed  = "update_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonNotFound      = "not_found"
	fieldOperationID    = "operation_id"
	fieldNoteID         = "note_id"
	columnConflictID    = "conflict_id"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	retryableStatuses = []Status{StatusPending, StatusFailed}
	liveStatuses      = []Status{StatusPending, StatusInFlight, StatusFailed, StatusConflicted}
)

// QueueConfig wires the queue to its storage.
type QueueConfig struct {
	Database   *gorm.DB
	MaxRetries int
	Clock      func() time.Time
	IDProvider notes.IDProvider
	Logger     *zap.Logger
}

// Queue is the durable offline mutation queue. Every method is a single statement or a
// single transaction, so concurrent callers never observe a partially updated entry.
type Queue struct {
	db         *gorm.DB
	maxRetries int
	clock      func() time.Time
	idProvider notes.IDProvider
	logger     *zap.Logger
}

// NewQueue validates the configuration and returns a queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, wrapError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, wrapError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:         cfg.Database,
		maxRetries: maxRetries,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// MaxRetries reports the configured retry bound.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue durably appends a mutation in pending status. It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, mutation Mutation) (PendingOperation, error) {
	return q.enqueue(q.db.WithContext(ctx), mutation)
}

// enqueue appends through db, which may be a transaction shared with the snapshot cache.
func (q *Queue) enqueue(db *gorm.DB, mutation Mutation) (PendingOperation, error) {
	if err := mutation.validate(); err != nil {
		return PendingOperation{}, wrapError(opEnqueue, reasonInvalid, fmt.Errorf("%w: %v", ErrInvalidMutation, err))
	}
	payloadJSON, err := json.Marshal(mutation.Payload)
	if err != nil {
		return PendingOperation{}, wrapError(opEnqueue, reasonEncodeFailed, err)
	}
	operationID, err := q.idProvider.NewID()
	if err != nil {
		q.logError(opEnqueue, reasonIDFailed, err, zap.String(fieldNoteID, mutation.NoteID.String()))
		return PendingOperation{}, wrapError(opEnqueue, reasonIDFailed, err)
	}
	now := q.clock().UTC()
	entry := PendingOperation{
		ID:          operationID,
		NoteID:      mutation.NoteID.String(),
		UserID:      mutation.UserID.String(),
		Kind:        mutation.Kind,
		PayloadJSON: string(payloadJSON),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&entry).Error; err != nil {
		q.logError(opEnqueue, reasonInsertFailed, err, zap.String(fieldNoteID, entry.NoteID))
		return PendingOperation{}, wrapError(opEnqueue, reasonInsertFailed, err)
	}
	return entry, nil
}

// GetQueue lists every entry not yet applied or abandoned, oldest first. When note ids are
// given only their entries are returned, still in enqueue order.
func (q *Queue) GetQueue(ctx context.Context, noteIDs ...string) ([]PendingOperation, error) {
	query := q.db.WithContext(ctx).Where(queryStatusIn, liveStatuses)
	if len(noteIDs) > 0 {
		query = query.Where(queryNoteIDIn, noteIDs)
	}
	var entries []PendingOperation
	if err := query.Order(orderSequenceAsc).Find(&entries).Error; err != nil {
		q.logError(opGetQueue, reasonQueryFailed, err)
		return nil, wrapError(opGetQueue, reasonQueryFailed, err)
	}
	return entries, nil
}

// Get returns one entry in any status.
func (q *Queue) Get(ctx context.Context, operationID string) (PendingOperation, error) {
	var entry PendingOperation
	err := q.db.WithContext(ctx).Where(queryOperationID, operationID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingOperation{}, wrapError(opGetEntry, reasonNotFound, ErrEntryNotFound)
	}
	if err != nil {
		q.logError(opGetEntry, reasonQueryFailed, err, zap.String(fieldOperationID, operationID))
		return PendingOperation{}, wrapError(opGetEntry, reasonQueryFailed, err)
	}
	return entry, nil
}

// MarkInFlight claims a pending or failed entry for processing.
func (q *Queue) MarkInFlight(ctx context.Context, operationID string) error {
	return q.transition(ctx, opMarkInFlight, operationID, retryableStatuses, map[string]any{
		columnStatus:    StatusInFlight,
		columnUpdatedAt: q.clock().UTC(),
	})
}

// MarkSucceeded removes an applied entry from the queue.
func (q *Queue) MarkSucceeded(ctx context.Context, operationID string) error {
	return q.delete(ctx, opMarkSucceeded, operationID)
}

// MarkFailed records a retryable failure. The entry is abandoned once it has failed more
// than MaxRetries times and is never picked up by a drain again.
func (q *Queue) MarkFailed(ctx context.Context, operationID string, reason string) (PendingOperation, error) {
	retryExpr := gorm.Expr(columnRetryCount + " + 1")
	statusExpr := gorm.Expr("CASE WHEN retry_count + 1 > ? THEN ? ELSE ? END", q.maxRetries, StatusAbandoned, StatusFailed)
	kindExpr := gorm.Expr("CASE WHEN retry_count + 1 > ? THEN ? ELSE ? END", q.maxRetries, FailureExhausted, FailureTransient)
	err := q.transition(ctx, opMarkFailed, operationID, liveStatuses, map[string]any{
		columnRetryCount:  retryExpr,
		columnStatus:      statusExpr,
		columnFailureKind: kindExpr,
		columnLastError:   reason,
		columnUpdatedAt:   q.clock().UTC(),
	})
	if err != nil {
		return PendingOperation{}, err
	}
	return q.Get(ctx, operationID)
}

// MarkRejected abandons an entry the server refused for authorization reasons. Such entries
// are not retried.
func (q *Queue) MarkRejected(ctx context.Context, operationID string, reason string) error {
	return q.transition(ctx, opMarkRejected, operationID, liveStatuses, map[string]any{
		columnStatus:      StatusAbandoned,
		columnFailureKind: FailurePermission,
		columnLastError:   reason,
		columnUpdatedAt:   q.clock().UTC(),
	})
}

// MarkConflicted parks an entry until the referenced conflict is resolved. Later entries of
// the same note wait behind it.
func (q *Queue) MarkConflicted(ctx context.Context, operationID string, conflictID string) error {
	return q.transition(ctx, opMarkConflicted, operationID, liveStatuses, map[string]any{
		columnStatus:     StatusConflicted,
		columnConflictID: conflictID,
		columnUpdatedAt:  q.clock().UTC(),
	})
}

// Abandoned lists the entries that need user attention, oldest first.
func (q *Queue) Abandoned(ctx context.Context) ([]PendingOperation, error) {
	var entries []PendingOperation
	if err := q.db.WithContext(ctx).
		Where(queryStatusIn, []Status{StatusAbandoned}).
		Order(orderSequenceAsc).
		Find(&entries).Error; err != nil {
		q.logError(opAbandoned, reasonQueryFailed, err)
		return nil, wrapError(opAbandoned, reasonQueryFailed, err)
	}
	return entries, nil
}

// Discard drops an entry without applying it, typically after the user reviewed it.
func (q *Queue) Discard(ctx context.Context, operationID string) error {
	return q.delete(ctx, opDiscard, operationID)
}

// RequeueInFlight returns entries left in flight by an interrupted drain to pending.
func (q *Queue) RequeueInFlight(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).Model(&PendingOperation{}).
		Where(queryStatusIn, []Status{StatusInFlight}).
		Updates(map[string]any{
			columnStatus:    StatusPending,
			columnUpdatedAt: q.clock().UTC(),
		})
	if result.Error != nil {
		q.logError(opRequeueInFlight, reasonUpdateFailed, result.Error)
		return 0, wrapError(opRequeueInFlight, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (q *Queue) transition(ctx context.Context, operation, operationID string, from []Status, updates map[string]any) error {
	result := q.db.WithContext(ctx).Model(&PendingOperation{}).
		Where(queryIDInStatus, operationID, from).
		Updates(updates)
	if result.Error != nil {
		q.logError(operation, reasonUpdateFailed, result.Error, zap.String(fieldOperationID, operationID))
		return wrapError(operation, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapError(operation, reasonNotFound, ErrEntryNotFound)
	}
	return nil
}

func (q *Queue) delete(ctx context.Context, operation, operationID string) error {
	result := q.db.WithContext(ctx).Where(queryOperationID, operationID).Delete(&PendingOperation{})
	if result.Error != nil {
		q.logError(operation, reasonDeleteFailed, result.Error, zap.String(fieldOperationID, operationID))
		return wrapError(operation, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapError(operation, reasonNotFound, ErrEntryNotFound)
	}
	return nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	q.logger.Error("offline queue error", allFields...)
}

// Payload decodes the stored mutation payload.
func (entry PendingOperation) Payload() (MutationPayload, error) {
	var payload MutationPayload
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
		return MutationPayload{}, fmt.Errorf("offline: decode payload of %s: %w", entry.ID, err)
	}
	return payload, nil
}

func wrapError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}
