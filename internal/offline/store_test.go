package offline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

func mustStore(t *testing.T) (*Store, *Queue, *SnapshotCache) {
	t.Helper()
	database := openDatabase(t, filepath.Join(t.TempDir(), "store.db"))
	queue := mustQueue(t, database, 3)
	cache := mustCache(t, database)
	store, err := NewStore(queue, cache)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, queue, cache
}

func mustCache(t *testing.T, database *gorm.DB) *SnapshotCache {
	t.Helper()
	cache, err := NewSnapshotCache(database, nil, nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return cache
}

func mustPayload(t *testing.T, entry PendingOperation) MutationPayload {
	t.Helper()
	payload, err := entry.Payload()
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	return payload
}

func TestStoreUpdateQueuesChangedFieldsAgainstCachedCopy(t *testing.T) {
	store, queue, cache := mustStore(t)
	ctx := context.Background()
	user := notes.UserID("user-a")
	if err := cache.Put(ctx, user, "note-n", notes.NoteFields{Title: "Untitled", Content: "hello"}, SyncStatusSynced); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	content := "hello world"
	unchangedTitle := "Untitled"
	first, err := store.UpdateNote(ctx, user, "note-n", notes.FieldPatch{Title: &unchangedTitle, Content: &content})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	payload := mustPayload(t, first)
	if payload.Base == nil || payload.Base.Content != "hello" {
		t.Fatalf("expected the cached copy as base, got %#v", payload.Base)
	}
	if fields := payload.Changes.Fields(); len(fields) != 1 || fields[0] != notes.FieldContent {
		t.Fatalf("only the changed field may be queued, got %v", fields)
	}

	cached, err := cache.Get(ctx, "note-n")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if cached.Fields.Content != "hello world" || cached.SyncStatus != SyncStatusPending {
		t.Fatalf("local copy must hold the edit as pending, got %#v", cached)
	}

	title := "Meeting Notes"
	second, err := store.UpdateNote(ctx, user, "note-n", notes.FieldPatch{Title: &title})
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if base := mustPayload(t, second).Base; base == nil || base.Content != "hello world" || base.Title != "Untitled" {
		t.Fatalf("second edit must start from the first edit, got %#v", base)
	}

	entries, err := queue.GetQueue(ctx, "note-n")
	if err != nil {
		t.Fatalf("get queue failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Fatalf("expected both edits in order, got %v", entryIDs(entries))
	}
}

func TestStoreRejectsEditsThatChangeNothing(t *testing.T) {
	store, queue, cache := mustStore(t)
	ctx := context.Background()
	if err := cache.Put(ctx, "user-a", "note-n", notes.NoteFields{Title: "Untitled"}, SyncStatusSynced); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	title := "Untitled"
	if _, err := store.UpdateNote(ctx, "user-a", "note-n", notes.FieldPatch{Title: &title}); !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected invalid mutation, got %v", err)
	}
	if _, err := store.UpdateNote(ctx, "user-a", "note-missing", notes.FieldPatch{Title: &title}); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected snapshot not found, got %v", err)
	}
	entries, err := queue.GetQueue(ctx)
	if err != nil || len(entries) != 0 {
		t.Fatalf("nothing may be queued, got %d %v", len(entries), err)
	}
}

func TestStoreRollsBackLocalCopyWhenQueueingFails(t *testing.T) {
	store, queue, cache := mustStore(t)
	ctx := context.Background()
	if err := cache.Put(ctx, "user-a", "note-n", notes.NoteFields{Title: "Untitled", Content: "hello"}, SyncStatusSynced); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	content := "lost"
	if _, err := store.UpdateNote(ctx, "", "note-n", notes.FieldPatch{Content: &content}); !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected invalid mutation, got %v", err)
	}
	cached, err := cache.Get(ctx, "note-n")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if cached.Fields.Content != "hello" || cached.SyncStatus != SyncStatusSynced {
		t.Fatalf("local copy must be untouched, got %#v", cached)
	}
	if entries, err := queue.GetQueue(ctx); err != nil || len(entries) != 0 {
		t.Fatalf("nothing may be queued, got %d %v", len(entries), err)
	}
}

func TestStoreCreateAndDelete(t *testing.T) {
	store, queue, cache := mustStore(t)
	ctx := context.Background()
	fields := notes.NoteFields{Title: "Groceries", Content: "milk", TagIDs: []string{"b", "a"}}

	created, err := store.CreateNote(ctx, "user-a", "note-c", fields)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if payload := mustPayload(t, created); payload.Fields == nil || payload.Fields.Content != "milk" {
		t.Fatalf("create must carry the fields, got %#v", payload)
	}
	cached, err := cache.Get(ctx, "note-c")
	if err != nil || cached.SyncStatus != SyncStatusPending {
		t.Fatalf("created note must be cached as pending, got %#v %v", cached, err)
	}
	if _, err := store.CreateNote(ctx, "user-a", "note-c", fields); !errors.Is(err, ErrNoteExists) {
		t.Fatalf("expected note exists, got %v", err)
	}

	deleted, err := store.DeleteNote(ctx, "user-a", "note-c")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if base := mustPayload(t, deleted).Base; base == nil || base.Title != "Groceries" {
		t.Fatalf("delete must carry the evicted copy, got %#v", base)
	}
	if _, err := cache.Get(ctx, "note-c"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("delete must evict the local copy, got %v", err)
	}

	entries, err := queue.GetQueue(ctx, "note-c")
	if err != nil {
		t.Fatalf("get queue failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != KindCreate || entries[1].Kind != KindDelete {
		t.Fatalf("expected create then delete, got %v", entryIDs(entries))
	}
}
