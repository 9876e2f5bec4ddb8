package notes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrNotFound indicates that the note does not exist or was deleted.
	ErrNotFound = errors.New("notes: not found")
	// ErrPermissionDenied indicates that the caller may not access or modify the note.
	ErrPermissionDenied = errors.New("notes: permission denied")
	// ErrAlreadyExists indicates a create for a note id that is already live.
	ErrAlreadyExists = errors.New("notes: already exists")
	// ErrInvalidPatch indicates a patch that changes nothing or carries invalid values.
	ErrInvalidPatch = errors.New("notes: invalid patch")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Field names one structural attribute of a note.
type Field string

const (
	FieldTitle      Field = "title"
	FieldContent    Field = "content"
	FieldSummary    Field = "summary"
	FieldCategoryID Field = "categoryId"
	FieldTagIDs     Field = "tagIds"
)

// AllFields lists every mergeable field in a stable order.
var AllFields = []Field{FieldTitle, FieldContent, FieldSummary, FieldCategoryID, FieldTagIDs}

// NoteFields is the structural content of a note. Tag order is not significant.
type NoteFields struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary,omitempty"`
	CategoryID string   `json:"categoryId,omitempty"`
	TagIDs     []string `json:"tagIds,omitempty"`
}

// Equal compares a single field of two notes.
func (fields NoteFields) Equal(other NoteFields, field Field) bool {
	switch field {
	case FieldTitle:
		return fields.Title == other.Title
	case FieldContent:
		return fields.Content == other.Content
	case FieldSummary:
		return fields.Summary == other.Summary
	case FieldCategoryID:
		return fields.CategoryID == other.CategoryID
	case FieldTagIDs:
		return sameTagSet(fields.TagIDs, other.TagIDs)
	}
	return false
}

// Apply returns a copy of fields with the patch applied.
func (fields NoteFields) Apply(patch FieldPatch) NoteFields {
	result := fields.clone()
	if patch.Title != nil {
		result.Title = *patch.Title
	}
	if patch.Content != nil {
		result.Content = *patch.Content
	}
	if patch.Summary != nil {
		result.Summary = *patch.Summary
	}
	if patch.CategoryID != nil {
		result.CategoryID = *patch.CategoryID
	}
	if patch.TagIDs != nil {
		result.TagIDs = NormalizeTags(*patch.TagIDs)
	}
	return result
}

func (fields NoteFields) clone() NoteFields {
	cloned := fields
	if fields.TagIDs != nil {
		cloned.TagIDs = append([]string(nil), fields.TagIDs...)
	}
	return cloned
}

// FieldPatch is a partial update. Nil pointers leave the field untouched.
type FieldPatch struct {
	Title      *string   `json:"title,omitempty"`
	Content    *string   `json:"content,omitempty"`
	Summary    *string   `json:"summary,omitempty"`
	CategoryID *string   `json:"categoryId,omitempty"`
	TagIDs     *[]string `json:"tagIds,omitempty"`
}

// Empty reports whether the patch touches no field.
func (patch FieldPatch) Empty() bool {
	return len(patch.Fields()) == 0
}

// Fields lists the fields the patch sets.
func (patch FieldPatch) Fields() []Field {
	var fields []Field
	if patch.Title != nil {
		fields = append(fields, FieldTitle)
	}
	if patch.Content != nil {
		fields = append(fields, FieldContent)
	}
	if patch.Summary != nil {
		fields = append(fields, FieldSummary)
	}
	if patch.CategoryID != nil {
		fields = append(fields, FieldCategoryID)
	}
	if patch.TagIDs != nil {
		fields = append(fields, FieldTagIDs)
	}
	return fields
}

// PatchFrom returns a patch restricted to the listed fields, with values taken from source.
func PatchFrom(source NoteFields, fields ...Field) FieldPatch {
	var patch FieldPatch
	for _, field := range fields {
		switch field {
		case FieldTitle:
			value := source.Title
			patch.Title = &value
		case FieldContent:
			value := source.Content
			patch.Content = &value
		case FieldSummary:
			value := source.Summary
			patch.Summary = &value
		case FieldCategoryID:
			value := source.CategoryID
			patch.CategoryID = &value
		case FieldTagIDs:
			value := NormalizeTags(source.TagIDs)
			patch.TagIDs = &value
		}
	}
	return patch
}

// NoteSnapshot is the authoritative server view of a note.
type NoteSnapshot struct {
	ID        NoteID     `json:"id"`
	OwnerID   UserID     `json:"ownerId"`
	Fields    NoteFields `json:"fields"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NormalizeTags trims, deduplicates and sorts tag ids.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

func sameTagSet(left, right []string) bool {
	normalizedLeft := NormalizeTags(left)
	normalizedRight := NormalizeTags(right)
	if len(normalizedLeft) != len(normalizedRight) {
		return false
	}
	for index := range normalizedLeft {
		if normalizedLeft[index] != normalizedRight[index] {
			return false
		}
	}
	return true
}

// Note models the persisted note row.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_updated,priority:1"`
	Title            string `gorm:"column:title;type:text;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	Summary          string `gorm:"column:summary;type:text;not null;default:''"`
	CategoryID       string `gorm:"column:category_id;size:190;not null;default:''"`
	TagIDsJSON       string `gorm:"column:tag_ids_json;type:text;not null;default:'[]'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_notes_owner_updated,priority:2"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	Version          int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteCollaborator grants a user access to a note it does not own.
type NoteCollaborator struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteCollaborator) TableName() string {
	return "note_collaborators"
}

// OperationType enumerates audited note operations.
type OperationType string

const (
	OperationTypeCreate OperationType = "create"
	OperationTypeUpdate OperationType = "update"
	OperationTypeDelete OperationType = "delete"
)

// NoteChange captures an append-only audit trail for note modifications.
type NoteChange struct {
	ChangeID         string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	NoteID           string        `gorm:"column:note_id;size:190;not null;index:idx_changes_note_time,priority:1"`
	UserID           string        `gorm:"column:user_id;size:190;not null"`
	AppliedAtSeconds int64         `gorm:"column:applied_at_s;not null;index:idx_changes_note_time,priority:2"`
	Operation        OperationType `gorm:"column:op;not null"`
	PayloadJSON      string        `gorm:"column:payload_json;type:text;not null"`
	PreviousVersion  *int64        `gorm:"column:prev_version"`
	NewVersion       *int64        `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (NoteChange) TableName() string {
	return "note_changes"
}

// Models lists the server tables owned by this package.
func Models() []any {
	return []any{&Note{}, &NoteCollaborator{}, &NoteChange{}, &RoomUpdate{}, &RoomSnapshot{}}
}
