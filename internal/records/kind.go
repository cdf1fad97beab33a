package records

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind names a syncable entity kind. The string value doubles as the wire key and table name.
type Kind string

const (
	// KindNote identifies notes.
	KindNote Kind = "notes"
	// KindCollection identifies collections.
	KindCollection Kind = "collections"
	// KindCollectionItem identifies collection membership and ordering records.
	KindCollectionItem Kind = "collection_items"
)

var knownKinds = []Kind{KindNote, KindCollection, KindCollectionItem}

var recordValidator = validator.New()

// Kinds returns every known kind in the fixed order used for pulls and pushes.
func Kinds() []Kind {
	kinds := make([]Kind, len(knownKinds))
	copy(kinds, knownKinds)
	return kinds
}

// ParseKind resolves a wire key into a known Kind.
func ParseKind(rawInput string) (Kind, bool) {
	candidate := Kind(strings.TrimSpace(rawInput))
	for _, kind := range knownKinds {
		if kind == candidate {
			return kind, true
		}
	}
	return "", false
}

// String returns the wire key.
func (k Kind) String() string {
	return string(k)
}

// New returns an empty record of the provided kind.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindNote:
		return &Note{}, nil
	case KindCollection:
		return &Collection{}, nil
	case KindCollectionItem:
		return &CollectionItem{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
}

// Normalize fills defaults that an older client may have omitted.
func Normalize(record Record) {
	switch typed := record.(type) {
	case *Note:
		if typed.Status == "" {
			typed.Status = StatusActive
		}
	case *Collection:
		if typed.Status == "" {
			typed.Status = StatusActive
		}
	}
}

func validateRecord(record Record) error {
	if _, err := ExactRecordID(record.Header().ID); err != nil {
		return err
	}
	if err := recordValidator.Struct(record); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidRecord, record.Kind(), record.Header().ID, err)
	}
	return nil
}
