package notes

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestAppendRoomUpdateDeduplicates(testContext *testing.T) {
	service := mustService(testContext)
	ctx := context.Background()
	author := mustUserID(testContext, "user-crdt")
	noteID := mustNoteID(testContext, "note-crdt")

	first, err := service.AppendRoomUpdate(ctx, author, noteID, []byte{0x47, 0x01, 0x00})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	again, err := service.AppendRoomUpdate(ctx, author, noteID, []byte{0x47, 0x01, 0x00})
	if err != nil {
		testContext.Fatalf("append duplicate failed: %v", err)
	}
	if !again.Duplicate || again.UpdateID != first.UpdateID {
		testContext.Fatalf("expected duplicate of %d, got %#v", first.UpdateID, again)
	}

	other, err := service.AppendRoomUpdate(ctx, author, mustNoteID(testContext, "note-other"), []byte{0x47, 0x01, 0x00})
	if err != nil {
		testContext.Fatalf("append to other note failed: %v", err)
	}
	if other.Duplicate {
		testContext.Fatalf("identical payloads in different rooms are distinct updates")
	}

	if _, err := service.AppendRoomUpdate(ctx, author, noteID, nil); !errors.Is(err, ErrInvalidRoomUpdate) {
		testContext.Fatalf("expected invalid room update, got %v", err)
	}
}

func TestLoadRoomReplaysSnapshotThenNewerUpdates(testContext *testing.T) {
	service := mustService(testContext)
	ctx := context.Background()
	author := mustUserID(testContext, "user-crdt")
	noteID := mustNoteID(testContext, "note-crdt")

	var lastID int64
	for _, payload := range [][]byte{{1}, {2}, {3}} {
		outcome, err := service.AppendRoomUpdate(ctx, author, noteID, payload)
		if err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
		lastID = outcome.UpdateID
	}

	history, err := service.LoadRoom(ctx, noteID)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if history.Snapshot != nil || len(history.Updates) != 3 || history.LastUpdateID != lastID {
		testContext.Fatalf("unexpected history %#v", history)
	}

	if err := service.CompactRoom(ctx, noteID, []byte("snapshot"), lastID-1); err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	if err := service.CompactRoom(ctx, noteID, []byte("stale"), lastID-2); err != nil {
		testContext.Fatalf("stale compact failed: %v", err)
	}

	history, err = service.LoadRoom(ctx, noteID)
	if err != nil {
		testContext.Fatalf("load after compact failed: %v", err)
	}
	if !bytes.Equal(history.Snapshot, []byte("snapshot")) {
		testContext.Fatalf("stale snapshot must not replace a newer one, got %q", history.Snapshot)
	}
	if len(history.Updates) != 1 || !bytes.Equal(history.Updates[0], []byte{3}) {
		testContext.Fatalf("expected only the update after the snapshot, got %v", history.Updates)
	}

	var remaining int64
	if err := service.db.Model(&RoomUpdate{}).Where("note_id = ?", noteID.String()).Count(&remaining).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if remaining != 1 {
		testContext.Fatalf("compaction should prune covered updates, %d remain", remaining)
	}
}
