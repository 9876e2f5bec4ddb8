package conflict

import (
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

// Outcome classifies a pending operation against the server state.
type Outcome string

const (
	// OutcomeClean means the server did not change since the operation's base.
	OutcomeClean Outcome = "clean"
	// OutcomeAutoMerge means the server changed only fields the operation leaves alone, or
	// made the same change.
	OutcomeAutoMerge Outcome = "auto-merge"
	// OutcomeConflict means both sides changed the same field differently, or one side
	// deleted a note the other edited.
	OutcomeConflict Outcome = "conflict"
)

// Action is the server write a decision calls for.
type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Decision is the result of Evaluate.
type Decision struct {
	Outcome Outcome
	Action  Action
	// Patch is sent with ActionUpdate. It holds only the fields that still need writing.
	Patch notes.FieldPatch
	// Merged is the note as it should look once the operation is applied. Local wins for
	// conflicting fields.
	Merged        notes.NoteFields
	Conflicting   []notes.Field
	RemoteDeleted bool
}

// Diff lists the fields that differ between two notes in canonical order.
func Diff(left, right notes.NoteFields) []notes.Field {
	var fields []notes.Field
	for _, field := range notes.AllFields {
		if !left.Equal(right, field) {
			fields = append(fields, field)
		}
	}
	return fields
}

// Evaluate runs the field-level three-way merge of a queued operation against the server's
// current note. server is nil when the note does not exist remotely.
func Evaluate(kind offline.MutationKind, payload offline.MutationPayload, server *notes.NoteSnapshot) Decision {
	switch kind {
	case offline.KindCreate:
		return evaluateCreate(payload, server)
	case offline.KindDelete:
		return evaluateDelete(payload, server)
	default:
		return evaluateUpdate(payload, server)
	}
}

func evaluateCreate(payload offline.MutationPayload, server *notes.NoteSnapshot) Decision {
	var local notes.NoteFields
	if payload.Fields != nil {
		local = *payload.Fields
	}
	if server == nil {
		return Decision{Outcome: OutcomeClean, Action: ActionCreate, Merged: local}
	}
	differing := Diff(local, server.Fields)
	if len(differing) == 0 {
		return Decision{Outcome: OutcomeClean, Action: ActionNone, Merged: server.Fields}
	}
	return Decision{Outcome: OutcomeConflict, Action: ActionUpdate, Patch: notes.PatchFrom(local, differing...), Merged: local, Conflicting: differing}
}

func evaluateDelete(payload offline.MutationPayload, server *notes.NoteSnapshot) Decision {
	if server == nil {
		return Decision{Outcome: OutcomeClean, Action: ActionNone, RemoteDeleted: true}
	}
	if payload.Base == nil {
		return Decision{Outcome: OutcomeClean, Action: ActionDelete}
	}
	remoteChanged := Diff(*payload.Base, server.Fields)
	if len(remoteChanged) == 0 {
		return Decision{Outcome: OutcomeClean, Action: ActionDelete}
	}
	return Decision{Outcome: OutcomeConflict, Action: ActionDelete, Merged: server.Fields, Conflicting: remoteChanged}
}

func evaluateUpdate(payload offline.MutationPayload, server *notes.NoteSnapshot) Decision {
	var base notes.NoteFields
	if payload.Base != nil {
		base = *payload.Base
	}
	desired := base.Apply(payload.Changes)
	localChanged := intersect(payload.Changes.Fields(), Diff(base, desired))

	if server == nil {
		return Decision{
			Outcome:       OutcomeConflict,
			Action:        ActionCreate,
			Merged:        desired,
			Conflicting:   localChanged,
			RemoteDeleted: true,
		}
	}

	remoteChanged := Diff(base, server.Fields)
	var conflicting, pending []notes.Field
	for _, field := range localChanged {
		if desired.Equal(server.Fields, field) {
			continue
		}
		pending = append(pending, field)
		if contains(remoteChanged, field) {
			conflicting = append(conflicting, field)
		}
	}

	merged := server.Fields.Apply(notes.PatchFrom(desired, pending...))
	decision := Decision{Outcome: OutcomeClean, Action: ActionUpdate, Patch: notes.PatchFrom(desired, pending...), Merged: merged}
	switch {
	case len(conflicting) > 0:
		decision.Outcome = OutcomeConflict
		decision.Conflicting = conflicting
	case len(remoteChanged) > 0:
		decision.Outcome = OutcomeAutoMerge
	}
	if len(pending) == 0 {
		decision.Action = ActionNone
	}
	return decision
}

func intersect(left, right []notes.Field) []notes.Field {
	var result []notes.Field
	for _, field := range left {
		if contains(right, field) {
			result = append(result, field)
		}
	}
	return result
}

func contains(fields []notes.Field, target notes.Field) bool {
	for _, field := range fields {
		if field == target {
			return true
		}
	}
	return false
}
