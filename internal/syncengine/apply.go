package syncengine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

type entryOutcome string

const (
	entryApplied    entryOutcome = "applied"
	entrySkipped    entryOutcome = "skipped"
	entryRetry      entryOutcome = "retry"
	entryAbandoned  entryOutcome = "abandoned"
	entryConflicted entryOutcome = "conflicted"
)

// errorClass is the sync engine's view of a persistence error.
type errorClass int

const (
	classTransient errorClass = iota
	classPermission
	classNotFound
	classAlreadyExists
)

func classify(err error) errorClass {
	switch {
	case errors.Is(err, notes.ErrPermissionDenied):
		return classPermission
	case errors.Is(err, notes.ErrNotFound):
		return classNotFound
	case errors.Is(err, notes.ErrAlreadyExists):
		return classAlreadyExists
	default:
		return classTransient
	}
}

func (e *Engine) processEntry(ctx context.Context, entry offline.PendingOperation, last bool) entryOutcome {
	if entry.Status == offline.StatusConflicted {
		return e.retryPolicy(ctx, entry)
	}
	if err := e.queue.MarkInFlight(ctx, entry.ID); err != nil {
		if !errors.Is(err, offline.ErrEntryNotFound) {
			e.logError(opApply, "claim_failed", err, entry)
		}
		return entrySkipped
	}

	// The entry runs to completion once claimed; cancellation only applies between entries.
	// Server calls are bounded by the operation timeout, local bookkeeping is not.
	storeCtx := context.WithoutCancel(ctx)
	itemCtx, cancel := context.WithTimeout(storeCtx, e.operationTimeout)
	defer cancel()

	payload, err := entry.Payload()
	if err != nil {
		return e.fail(storeCtx, entry, err)
	}
	noteID := notes.NoteID(entry.NoteID)
	userID := notes.UserID(entry.UserID)

	var server *notes.NoteSnapshot
	current, err := e.persistence.GetNoteByID(itemCtx, userID, noteID)
	switch {
	case err == nil:
		server = &current
	case classify(err) == classNotFound:
	case classify(err) == classPermission:
		return e.reject(storeCtx, entry, err)
	default:
		return e.fail(storeCtx, entry, err)
	}

	decision := conflict.Evaluate(entry.Kind, payload, server)
	if decision.Outcome == conflict.OutcomeConflict {
		return e.handleConflict(storeCtx, itemCtx, entry, payload, decision, server)
	}

	written, err := e.write(itemCtx, userID, noteID, decision)
	if decision.Action == conflict.ActionCreate && classify(err) == classAlreadyExists {
		// The note appeared on the server after it was read; merge against that copy.
		current, getErr := e.persistence.GetNoteByID(itemCtx, userID, noteID)
		if getErr != nil {
			err = getErr
		} else {
			server = &current
			decision = conflict.Evaluate(entry.Kind, payload, server)
			if decision.Outcome == conflict.OutcomeConflict {
				return e.handleConflict(storeCtx, itemCtx, entry, payload, decision, server)
			}
			written, err = e.write(itemCtx, userID, noteID, decision)
		}
	}
	if err != nil {
		if classify(err) == classPermission {
			return e.reject(storeCtx, entry, err)
		}
		return e.fail(storeCtx, entry, err)
	}

	if err := e.queue.MarkSucceeded(storeCtx, entry.ID); err != nil {
		e.logError(opApply, "mark_succeeded_failed", err, entry)
	}
	e.refreshCache(storeCtx, entry, decision, written, last)
	return entryApplied
}

// write performs the server call a decision asks for and returns the fields the server holds
// afterwards.
func (e *Engine) write(ctx context.Context, userID notes.UserID, noteID notes.NoteID, decision conflict.Decision) (notes.NoteFields, error) {
	switch decision.Action {
	case conflict.ActionCreate:
		created, err := e.persistence.CreateNote(ctx, userID, noteID, decision.Merged)
		return created.Fields, err
	case conflict.ActionUpdate:
		updated, err := e.persistence.UpdateNote(ctx, userID, noteID, decision.Patch)
		return updated.Fields, err
	case conflict.ActionDelete:
		err := e.persistence.DeleteNote(ctx, userID, noteID)
		if err != nil && classify(err) == classNotFound {
			err = nil
		}
		return notes.NoteFields{}, err
	default:
		return decision.Merged, nil
	}
}

func (e *Engine) handleConflict(storeCtx, remoteCtx context.Context, entry offline.PendingOperation, payload offline.MutationPayload, decision conflict.Decision, server *notes.NoteSnapshot) entryOutcome {
	recorded, err := e.resolver.Record(storeCtx, entry, payload, decision, server)
	if err != nil {
		e.logError(opApply, "record_conflict_failed", err, entry)
		return e.fail(storeCtx, entry, err)
	}
	policy := e.resolver.Policy()
	if policy == conflict.StrategyNone {
		e.logger.Info("conflict awaiting resolution",
			zap.String("conflict_id", recorded.ID),
			zap.String(fieldNoteID, entry.NoteID),
			zap.Strings("fields", fieldNames(recorded.Fields)))
		return entryConflicted
	}
	if _, err := e.resolver.Resolve(remoteCtx, recorded.ID, policy); err != nil {
		e.logError(opApply, "policy_resolution_failed", err, entry)
		return entryConflicted
	}
	return entryApplied
}

// retryPolicy settles a conflict left open by an earlier drain when a policy is configured.
func (e *Engine) retryPolicy(ctx context.Context, entry offline.PendingOperation) entryOutcome {
	policy := e.resolver.Policy()
	if policy == conflict.StrategyNone || entry.ConflictID == "" {
		return entryConflicted
	}
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.operationTimeout)
	defer cancel()
	if _, err := e.resolver.Resolve(itemCtx, entry.ConflictID, policy); err != nil {
		e.logError(opApply, "policy_resolution_failed", err, entry)
		return entryConflicted
	}
	return entryApplied
}

func (e *Engine) refreshCache(ctx context.Context, entry offline.PendingOperation, decision conflict.Decision, written notes.NoteFields, last bool) {
	if e.cache == nil {
		return
	}
	noteID := notes.NoteID(entry.NoteID)
	if entry.Kind == offline.KindDelete {
		if err := e.cache.Delete(ctx, noteID); err != nil {
			e.logError(opApply, "cache_evict_failed", err, entry)
		}
		return
	}
	// Later entries of the note still carry local edits the cache already reflects.
	if !last {
		return
	}
	fields := written
	if decision.Action == conflict.ActionNone {
		fields = decision.Merged
	}
	if err := e.cache.Put(ctx, notes.UserID(entry.UserID), noteID, fields, offline.SyncStatusSynced); err != nil {
		e.logError(opApply, "cache_refresh_failed", err, entry)
	}
}

func (e *Engine) fail(ctx context.Context, entry offline.PendingOperation, cause error) entryOutcome {
	updated, err := e.queue.MarkFailed(ctx, entry.ID, cause.Error())
	e.markCacheFailed(ctx, entry)
	if err != nil {
		e.logError(opApply, "mark_failed_failed", err, entry)
		return entryRetry
	}
	if updated.Status == offline.StatusAbandoned {
		e.logger.Warn("queue entry abandoned after retries",
			zap.String(fieldOperationID, entry.ID),
			zap.String(fieldNoteID, entry.NoteID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(cause))
		return entryAbandoned
	}
	e.logger.Info("queue entry will be retried",
		zap.String(fieldOperationID, entry.ID),
		zap.String(fieldNoteID, entry.NoteID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Error(cause))
	return entryRetry
}

func (e *Engine) reject(ctx context.Context, entry offline.PendingOperation, cause error) entryOutcome {
	if err := e.queue.MarkRejected(ctx, entry.ID, cause.Error()); err != nil {
		e.logError(opApply, "mark_rejected_failed", err, entry)
		return entryRetry
	}
	e.markCacheFailed(ctx, entry)
	e.logger.Warn("queue entry rejected by server",
		zap.String(fieldOperationID, entry.ID),
		zap.String(fieldNoteID, entry.NoteID),
		zap.Error(cause))
	return entryAbandoned
}

func (e *Engine) markCacheFailed(ctx context.Context, entry offline.PendingOperation) {
	if e.cache == nil {
		return
	}
	err := e.cache.SetSyncStatus(ctx, notes.NoteID(entry.NoteID), offline.SyncStatusFailed)
	if err != nil && !errors.Is(err, offline.ErrSnapshotNotFound) {
		e.logError(opApply, "cache_status_failed", err, entry)
	}
}

func (e *Engine) logError(operation, reason string, err error, entry offline.PendingOperation) {
	e.logger.Error("sync engine error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldOperationID, entry.ID),
		zap.String(fieldNoteID, entry.NoteID),
		zap.Error(err))
}

func fieldNames(fields []notes.Field) []string {
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		names = append(names, string(field))
	}
	return names
}
