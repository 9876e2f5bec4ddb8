package offline

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

var (
	// ErrEntryNotFound indicates that a queue entry does not exist or is not in the expected status.
	ErrEntryNotFound = errors.New("offline: queue entry not found")
	// ErrInvalidMutation indicates a mutation that cannot be enqueued.
	ErrInvalidMutation = errors.New("offline: invalid mutation")
	// ErrSnapshotNotFound indicates that no local snapshot exists for the note.
	ErrSnapshotNotFound = errors.New("offline: snapshot not found")
)

// MutationKind enumerates the queued note operations.
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

func (kind MutationKind) valid() bool {
	switch kind {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Status is the lifecycle position of a queue entry. Conflicted entries wait for their
// conflict record to be resolved.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
	StatusConflicted Status = "conflicted"
)

// FailureKind separates retryable failures from terminal ones.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureTransient  FailureKind = "transient"
	FailurePermission FailureKind = "permission"
	FailureExhausted  FailureKind = "exhausted"
)

// MutationPayload carries what the client changed and what it believed the note looked like.
//
// Updates set Base and Changes. Creates set Fields. Deletes may set Base so a remote edit
// made after the client last saw the note is not discarded silently.
type MutationPayload struct {
	Base    *notes.NoteFields `json:"base,omitempty"`
	Changes notes.FieldPatch  `json:"changes"`
	Fields  *notes.NoteFields `json:"fields,omitempty"`
}

// Mutation is the input to Enqueue.
type Mutation struct {
	NoteID  notes.NoteID
	UserID  notes.UserID
	Kind    MutationKind
	Payload MutationPayload
}

func (mutation Mutation) validate() error {
	if mutation.NoteID == "" || mutation.UserID == "" {
		return errors.New("note id and user id are required")
	}
	if !mutation.Kind.valid() {
		return errors.New("unknown mutation kind")
	}
	switch mutation.Kind {
	case KindCreate:
		if mutation.Payload.Fields == nil {
			return errors.New("create requires fields")
		}
	case KindUpdate:
		if mutation.Payload.Base == nil {
			return errors.New("update requires a base snapshot")
		}
		if mutation.Payload.Changes.Empty() {
			return errors.New("update changes nothing")
		}
	}
	return nil
}

// PendingOperation is one durable queue entry.
type PendingOperation struct {
	Sequence    int64        `gorm:"column:sequence;primaryKey;autoIncrement"`
	ID          string       `gorm:"column:operation_id;size:64;not null;uniqueIndex"`
	NoteID      string       `gorm:"column:note_id;size:190;not null;index:idx_pending_note_seq,priority:1"`
	UserID      string       `gorm:"column:user_id;size:190;not null"`
	Kind        MutationKind `gorm:"column:kind;size:16;not null"`
	PayloadJSON string       `gorm:"column:payload_json;type:text;not null"`
	Status      Status       `gorm:"column:status;size:16;not null;index"`
	RetryCount  int          `gorm:"column:retry_count;not null;default:0"`
	LastError   string       `gorm:"column:last_error;type:text;not null;default:''"`
	FailureKind FailureKind  `gorm:"column:failure_kind;size:16;not null;default:''"`
	ConflictID  string       `gorm:"column:conflict_id;size:64;not null;default:''"`
	CreatedAt   time.Time    `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time    `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// SyncStatus tags a local snapshot with its reconciliation state.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// LocalNote is the client-side cached copy of a note. One row per note id.
type LocalNote struct {
	NoteID     string     `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID     string     `gorm:"column:user_id;size:190;not null;index"`
	Title      string     `gorm:"column:title;type:text;not null;default:''"`
	Content    string     `gorm:"column:content;type:text;not null;default:''"`
	Summary    string     `gorm:"column:summary;type:text;not null;default:''"`
	CategoryID string     `gorm:"column:category_id;size:190;not null;default:''"`
	TagIDsJSON string     `gorm:"column:tag_ids_json;type:text;not null;default:'[]'"`
	SyncStatus SyncStatus `gorm:"column:sync_status;size:16;not null;index"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalNote) TableName() string {
	return "local_notes"
}

// Models lists the client tables owned by this package.
func Models() []any {
	return []any{&PendingOperation{}, &LocalNote{}}
}
