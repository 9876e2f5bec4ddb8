package conflict

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
)

var (
	// ErrManualMergeUnsupported is returned for the manual-merge strategy. The conflict stays
	// open so the caller can pick use-local or use-remote instead.
	ErrManualMergeUnsupported = errors.New("conflict: manual merge is not supported")
	// ErrConflictNotFound indicates an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict: not found")
	// ErrAlreadyResolved indicates a conflict that was resolved before.
	ErrAlreadyResolved = errors.New("conflict: already resolved")
	// ErrUnknownStrategy indicates a strategy name outside the supported set.
	ErrUnknownStrategy = errors.New("conflict: unknown strategy")
)

// Strategy names a way to settle a conflict.
type Strategy string

const (
	StrategyNone        Strategy = ""
	StrategyUseLocal    Strategy = "use-local"
	StrategyUseRemote   Strategy = "use-remote"
	StrategyManualMerge Strategy = "manual-merge"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch strategy := Strategy(raw); strategy {
	case StrategyUseLocal, StrategyUseRemote, StrategyManualMerge:
		return strategy, nil
	}
	return StrategyNone, ErrUnknownStrategy
}

// RecordStatus is open until a strategy has been applied.
type RecordStatus string

const (
	RecordStatusOpen     RecordStatus = "open"
	RecordStatusResolved RecordStatus = "resolved"
)

// ConflictRecord persists a detected divergence until the user or policy settles it.
type ConflictRecord struct {
	ConflictID    string               `gorm:"column:conflict_id;primaryKey;size:64;not null"`
	OperationID   string               `gorm:"column:operation_id;size:64;not null;uniqueIndex"`
	NoteID        string               `gorm:"column:note_id;size:190;not null;index"`
	UserID        string               `gorm:"column:user_id;size:190;not null"`
	Kind          offline.MutationKind `gorm:"column:kind;size:16;not null"`
	BaseJSON      string               `gorm:"column:base_json;type:text;not null;default:''"`
	LocalJSON     string               `gorm:"column:local_json;type:text;not null"`
	RemoteJSON    string               `gorm:"column:remote_json;type:text;not null;default:''"`
	FieldsJSON    string               `gorm:"column:fields_json;type:text;not null;default:'[]'"`
	RemoteDeleted bool                 `gorm:"column:remote_deleted;not null;default:false"`
	Strategy      Strategy             `gorm:"column:strategy;size:16;not null;default:''"`
	Status        RecordStatus         `gorm:"column:status;size:16;not null;index"`
	CreatedAt     time.Time            `gorm:"column:created_at;not null"`
	ResolvedAt    *time.Time           `gorm:"column:resolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// Models lists the client tables owned by this package.
func Models() []any {
	return []any{&ConflictRecord{}}
}

// Conflict is the decoded view rendered by a side-by-side resolution dialog.
type Conflict struct {
	ID            string
	OperationID   string
	NoteID        notes.NoteID
	UserID        notes.UserID
	Kind          offline.MutationKind
	Base          *notes.NoteFields
	Local         notes.NoteFields
	Remote        *notes.NoteFields
	Fields        []notes.Field
	RemoteDeleted bool
	Strategy      Strategy
	Status        RecordStatus
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

func encodeOptional(fields *notes.NoteFields) (string, error) {
	if fields == nil {
		return "", nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeOptional(raw string) (*notes.NoteFields, error) {
	if raw == "" {
		return nil, nil
	}
	var fields notes.NoteFields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return &fields, nil
}

func recordToConflict(record ConflictRecord) (Conflict, error) {
	base, err := decodeOptional(record.BaseJSON)
	if err != nil {
		return Conflict{}, err
	}
	remote, err := decodeOptional(record.RemoteJSON)
	if err != nil {
		return Conflict{}, err
	}
	local, err := decodeOptional(record.LocalJSON)
	if err != nil {
		return Conflict{}, err
	}
	var fields []notes.Field
	if record.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(record.FieldsJSON), &fields); err != nil {
			return Conflict{}, err
		}
	}
	conflict := Conflict{
		ID:            record.ConflictID,
		OperationID:   record.OperationID,
		NoteID:        notes.NoteID(record.NoteID),
		UserID:        notes.UserID(record.UserID),
		Kind:          record.Kind,
		Base:          base,
		Remote:        remote,
		Fields:        fields,
		RemoteDeleted: record.RemoteDeleted,
		Strategy:      record.Strategy,
		Status:        record.Status,
		CreatedAt:     record.CreatedAt,
		ResolvedAt:    record.ResolvedAt,
	}
	if local != nil {
		conflict.Local = *local
	}
	return conflict, nil
}
