package notes

import "context"

// Persistence is the authoritative note store the sync engine writes through. The server
// Service implements it over GORM; the notesclient package implements it over HTTP.
//
// Implementations report ErrNotFound for missing or deleted notes, ErrPermissionDenied
// when the user may not touch the note, and ErrAlreadyExists for creates of a live note.
type Persistence interface {
	GetNoteByID(ctx context.Context, userID UserID, noteID NoteID) (NoteSnapshot, error)
	CreateNote(ctx context.Context, userID UserID, noteID NoteID, fields NoteFields) (NoteSnapshot, error)
	UpdateNote(ctx context.Context, userID UserID, noteID NoteID, patch FieldPatch) (NoteSnapshot, error)
	DeleteNote(ctx context.Context, userID UserID, noteID NoteID) error
}
