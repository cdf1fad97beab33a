package records

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("records: invalid owner id")
	// ErrInvalidTimestamp indicates that an epoch millisecond value is negative.
	ErrInvalidTimestamp = errors.New("records: invalid epoch millis")
	// ErrInvalidRecord indicates that a record payload failed validation.
	ErrInvalidRecord = errors.New("records: invalid record")
	// ErrUnknownKind indicates that an entity kind is not part of the known set.
	ErrUnknownKind = errors.New("records: unknown entity kind")
)

// RecordID represents a validated, client-generated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// ExactRecordID validates an identifier as stored and exchanged on the wire. Unlike
// NewRecordID it rejects surrounding whitespace instead of trimming it, so the id that is
// validated is the id that gets persisted.
func ExactRecordID(rawInput string) (RecordID, error) {
	if strings.TrimSpace(rawInput) != rawInput {
		return "", fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidRecordID, rawInput)
	}
	return NewRecordID(rawInput)
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// OwnerID represents a validated owner (user) identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// EpochMillis represents a validated unix timestamp in milliseconds.
type EpochMillis int64

// NewEpochMillis validates the value and returns an EpochMillis.
func NewEpochMillis(value int64) (EpochMillis, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return EpochMillis(value), nil
}

// Int64 exposes the raw millisecond value.
func (ts EpochMillis) Int64() int64 {
	return int64(ts)
}

// Status enumerates the lifecycle states a note or collection may carry.
type Status string

const (
	// StatusActive is the default status for new content.
	StatusActive Status = "active"
	// StatusArchived hides content from default listings without deleting it.
	StatusArchived Status = "archived"
)

// Tracking holds the fields every syncable record shares. Timing fields assigned by the
// server (ServerCreatedAt, LastModified, IsDeleted) are never trusted from clients.
type Tracking struct {
	ID              string `json:"id" gorm:"column:id;primaryKey;size:190;not null" validate:"required,max=190"`
	Owner           string `json:"owner,omitempty" gorm:"column:owner;primaryKey;size:190;not null;index:,composite:owner_modified,priority:1"`
	ClientCreatedAt int64  `json:"createdAt" gorm:"column:created_at;not null" validate:"gte=0"`
	ClientUpdatedAt int64  `json:"updatedAt" gorm:"column:updated_at;not null" validate:"gte=0"`
	ServerCreatedAt int64  `json:"serverCreatedAt" gorm:"column:server_created_at;not null"`
	LastModified    int64  `json:"lastModified" gorm:"column:last_modified;not null;index:,composite:owner_modified,priority:2"`
	IsDeleted       bool   `json:"isDeleted" gorm:"column:is_deleted;not null"`
}

// Header returns a pointer to the shared tracking fields.
func (t *Tracking) Header() *Tracking {
	return t
}

// Record is implemented by every concrete syncable entity.
type Record interface {
	Kind() Kind
	Header() *Tracking
	Validate() error
}

// Note is a short text note, optionally referencing an audio object.
type Note struct {
	Tracking
	Title       string `json:"title" gorm:"column:title;size:512;not null" validate:"max=512"`
	ContentBody string `json:"contentBody" gorm:"column:content_body;type:text;not null"`
	Status      Status `json:"status" gorm:"column:status;size:32;not null" validate:"omitempty,oneof=active archived"`
	AudioKey    string `json:"audioKey" gorm:"column:audio_key;size:512;not null" validate:"max=512"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Kind reports the entity kind.
func (*Note) Kind() Kind {
	return KindNote
}

// Validate checks the note payload.
func (n *Note) Validate() error {
	return validateRecord(n)
}

// Collection is an ordered group of notes.
type Collection struct {
	Tracking
	Name        string `json:"name" gorm:"column:name;size:512;not null" validate:"max=512"`
	Description string `json:"description" gorm:"column:description;type:text;not null"`
	Status      Status `json:"status" gorm:"column:status;size:32;not null" validate:"omitempty,oneof=active archived"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "collections"
}

// Kind reports the entity kind.
func (*Collection) Kind() Kind {
	return KindCollection
}

// Validate checks the collection payload.
func (c *Collection) Validate() error {
	return validateRecord(c)
}

// CollectionItem places a note inside a collection at an ordering position. Positions
// may have gaps and need not be contiguous.
type CollectionItem struct {
	Tracking
	CollectionID string  `json:"collectionId" gorm:"column:collection_id;size:190;not null" validate:"required,max=190"`
	NoteID       *string `json:"noteId" gorm:"column:note_id;size:190" validate:"omitempty,max=190"`
	Position     int64   `json:"position" gorm:"column:position;not null" validate:"gte=0"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionItem) TableName() string {
	return "collection_items"
}

// Kind reports the entity kind.
func (*CollectionItem) Kind() Kind {
	return KindCollectionItem
}

// Validate checks the collection item payload.
func (i *CollectionItem) Validate() error {
	return validateRecord(i)
}
