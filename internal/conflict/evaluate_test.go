package conflict

import (
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

func stringPointer(value string) *string {
	return &value
}

func snapshot(fields notes.NoteFields) *notes.NoteSnapshot {
	return &notes.NoteSnapshot{ID: "note-n", OwnerID: "user-a", Fields: fields, Version: 2}
}

func TestDiffComparesEveryField(t *testing.T) {
	left := notes.NoteFields{Title: "a", Content: "b", Summary: "c", CategoryID: "d", TagIDs: []string{"x", "y"}}
	if fields := Diff(left, left); len(fields) != 0 {
		t.Fatalf("expected no differences, got %v", fields)
	}
	right := notes.NoteFields{Title: "A", Content: "b", Summary: "C", CategoryID: "d", TagIDs: []string{"y", "x"}}
	fields := Diff(left, right)
	if len(fields) != 2 || fields[0] != notes.FieldTitle || fields[1] != notes.FieldSummary {
		t.Fatalf("unexpected diff %v", fields)
	}
	right.TagIDs = []string{"x"}
	if fields := Diff(left, right); fields[len(fields)-1] != notes.FieldTagIDs {
		t.Fatalf("expected tag difference, got %v", fields)
	}
}

func TestEvaluateUpdate(t *testing.T) {
	base := notes.NoteFields{Title: "Untitled", Content: "hello"}

	testCases := []struct {
		name            string
		changes         notes.FieldPatch
		server          *notes.NoteSnapshot
		expectedOutcome Outcome
		expectedAction  Action
		expectedMerged  notes.NoteFields
		conflicting     []notes.Field
	}{
		{
			name:            "server unchanged",
			changes:         notes.FieldPatch{Content: stringPointer("hello world")},
			server:          snapshot(base),
			expectedOutcome: OutcomeClean,
			expectedAction:  ActionUpdate,
			expectedMerged:  notes.NoteFields{Title: "Untitled", Content: "hello world"},
		},
		{
			name:            "disjoint fields merge automatically",
			changes:         notes.FieldPatch{Content: stringPointer("hello world")},
			server:          snapshot(notes.NoteFields{Title: "Meeting Notes", Content: "hello"}),
			expectedOutcome: OutcomeAutoMerge,
			expectedAction:  ActionUpdate,
			expectedMerged:  notes.NoteFields{Title: "Meeting Notes", Content: "hello world"},
		},
		{
			name:            "local title against remote content",
			changes:         notes.FieldPatch{Title: stringPointer("Plan")},
			server:          snapshot(notes.NoteFields{Title: "Untitled", Content: "remote body"}),
			expectedOutcome: OutcomeAutoMerge,
			expectedAction:  ActionUpdate,
			expectedMerged:  notes.NoteFields{Title: "Plan", Content: "remote body"},
		},
		{
			name:            "same field different values",
			changes:         notes.FieldPatch{Content: stringPointer("mine")},
			server:          snapshot(notes.NoteFields{Title: "Untitled", Content: "theirs"}),
			expectedOutcome: OutcomeConflict,
			expectedAction:  ActionUpdate,
			expectedMerged:  notes.NoteFields{Title: "Untitled", Content: "mine"},
			conflicting:     []notes.Field{notes.FieldContent},
		},
		{
			name:            "both sides made the same change",
			changes:         notes.FieldPatch{Content: stringPointer("same")},
			server:          snapshot(notes.NoteFields{Title: "Untitled", Content: "same"}),
			expectedOutcome: OutcomeAutoMerge,
			expectedAction:  ActionNone,
			expectedMerged:  notes.NoteFields{Title: "Untitled", Content: "same"},
		},
		{
			name:            "unchanged local value does not override a remote edit",
			changes:         notes.FieldPatch{Title: stringPointer("Untitled"), Content: stringPointer("mine")},
			server:          snapshot(notes.NoteFields{Title: "Remote Title", Content: "hello"}),
			expectedOutcome: OutcomeAutoMerge,
			expectedAction:  ActionUpdate,
			expectedMerged:  notes.NoteFields{Title: "Remote Title", Content: "mine"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload := offline.MutationPayload{Base: &base, Changes: testCase.changes}
			decision := Evaluate(offline.KindUpdate, payload, testCase.server)
			if decision.Outcome != testCase.expectedOutcome || decision.Action != testCase.expectedAction {
				t.Fatalf("expected %s/%s, got %s/%s", testCase.expectedOutcome, testCase.expectedAction, decision.Outcome, decision.Action)
			}
			if len(Diff(decision.Merged, testCase.expectedMerged)) != 0 {
				t.Fatalf("expected merged %#v, got %#v", testCase.expectedMerged, decision.Merged)
			}
			if len(decision.Conflicting) != len(testCase.conflicting) {
				t.Fatalf("expected conflicting %v, got %v", testCase.conflicting, decision.Conflicting)
			}
			if testCase.expectedAction == ActionUpdate {
				written := testCase.server.Fields.Apply(decision.Patch)
				if len(Diff(written, testCase.expectedMerged)) != 0 {
					t.Fatalf("patch must produce the merged note, got %#v", written)
				}
			}
		})
	}
}

func TestEvaluateRemoteDeletion(t *testing.T) {
	base := notes.NoteFields{Title: "Untitled", Content: "hello"}
	decision := Evaluate(offline.KindUpdate, offline.MutationPayload{Base: &base, Changes: notes.FieldPatch{Content: stringPointer("edited offline")}}, nil)
	if decision.Outcome != OutcomeConflict || !decision.RemoteDeleted || decision.Action != ActionCreate {
		t.Fatalf("an edit of a remotely deleted note must surface, got %#v", decision)
	}
	if decision.Merged.Content != "edited offline" {
		t.Fatalf("the local edit must be preserved, got %#v", decision.Merged)
	}
}

func TestEvaluateCreateAndDelete(t *testing.T) {
	fields := notes.NoteFields{Title: "New", Content: "draft"}

	if decision := Evaluate(offline.KindCreate, offline.MutationPayload{Fields: &fields}, nil); decision.Outcome != OutcomeClean || decision.Action != ActionCreate {
		t.Fatalf("unexpected create decision %#v", decision)
	}
	if decision := Evaluate(offline.KindCreate, offline.MutationPayload{Fields: &fields}, snapshot(fields)); decision.Action != ActionNone {
		t.Fatalf("a create already applied must be a no-op, got %#v", decision)
	}
	if decision := Evaluate(offline.KindCreate, offline.MutationPayload{Fields: &fields}, snapshot(notes.NoteFields{Title: "Other"})); decision.Outcome != OutcomeConflict {
		t.Fatalf("a create colliding with different content must conflict, got %#v", decision)
	}

	if decision := Evaluate(offline.KindDelete, offline.MutationPayload{}, nil); decision.Action != ActionNone || decision.Outcome != OutcomeClean {
		t.Fatalf("deleting a missing note is a no-op, got %#v", decision)
	}
	if decision := Evaluate(offline.KindDelete, offline.MutationPayload{Base: &fields}, snapshot(fields)); decision.Action != ActionDelete || decision.Outcome != OutcomeClean {
		t.Fatalf("unexpected delete decision %#v", decision)
	}
	decision := Evaluate(offline.KindDelete, offline.MutationPayload{Base: &fields}, snapshot(notes.NoteFields{Title: "New", Content: "edited remotely"}))
	if decision.Outcome != OutcomeConflict || len(decision.Conflicting) != 1 || decision.Conflicting[0] != notes.FieldContent {
		t.Fatalf("a delete racing a remote edit must conflict, got %#v", decision)
	}
}
