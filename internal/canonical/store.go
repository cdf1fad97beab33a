package canonical

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRecordNotFound indicates that no record exists for the (owner, id) pair.
	ErrRecordNotFound = errors.New("canonical: record not found")
	// ErrMissingDatabase indicates that the store was built without a database handle.
	ErrMissingDatabase = errors.New("canonical: database handle is required")
)

const (
	queryOwner         = "owner = ?"
	queryOwnerID       = "owner = ? AND id = ?"
	queryNotDeleted    = "is_deleted = ?"
	queryModifiedAfter = "last_modified > ?"
	orderModifiedAsc   = "last_modified ASC, id ASC"
	columnIsDeleted    = "is_deleted"
	columnLastModified = "last_modified"
)

// Reader exposes the read side of the canonical store inside a consistent snapshot.
type Reader interface {
	// ChangedSince returns the owner's records of a kind. A nil checkpoint returns every
	// non-tombstoned record; otherwise every record with last_modified > checkpoint.
	ChangedSince(kind records.Kind, owner records.OwnerID, checkpoint *int64) ([]records.Record, error)
}

// Writer exposes the write side of the canonical store inside a transaction.
type Writer interface {
	// Find loads a record scoped to its owner, returning ErrRecordNotFound when absent.
	Find(kind records.Kind, owner records.OwnerID, id records.RecordID) (records.Record, error)
	// Save upserts a full record by (owner, id).
	Save(record records.Record) error
	// Tombstone flags a record deleted and re-stamps it. It reports whether a row matched.
	Tombstone(kind records.Kind, owner records.OwnerID, id records.RecordID, lastModified int64) (bool, error)
}

// Store is the canonical, server-side persistence for syncable records.
type Store interface {
	Read(ctx context.Context, fn func(Reader) error) error
	Write(ctx context.Context, fn func(Writer) error) error
}

// GormStore implements Store on top of GORM. Every query is scoped by owner.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a GORM handle whose schema already includes the record tables.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Read runs fn inside a transaction so every kind is read from one snapshot.
func (s *GormStore) Read(ctx context.Context, fn func(Reader) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{tx: tx})
	})
}

// Write runs fn inside a transaction; any error rolls back every write made by fn.
func (s *GormStore) Write(ctx context.Context, fn func(Writer) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{tx: tx})
	})
}

// LatestModification returns the highest last_modified stamp across all kinds.
func (s *GormStore) LatestModification(ctx context.Context) (int64, error) {
	var latest int64
	for _, kind := range records.Kinds() {
		model, err := records.New(kind)
		if err != nil {
			return 0, err
		}
		var value sql.NullInt64
		if err := s.db.WithContext(ctx).Model(model).Select("MAX(" + columnLastModified + ")").Scan(&value).Error; err != nil {
			return 0, fmt.Errorf("canonical: latest modification of %s: %w", kind, err)
		}
		if value.Valid && value.Int64 > latest {
			latest = value.Int64
		}
	}
	return latest, nil
}

type gormTx struct {
	tx *gorm.DB
}

func (t *gormTx) ChangedSince(kind records.Kind, owner records.OwnerID, checkpoint *int64) ([]records.Record, error) {
	query := t.tx.Where(queryOwner, owner.String())
	if checkpoint == nil {
		query = query.Where(queryNotDeleted, false)
	} else {
		query = query.Where(queryModifiedAfter, *checkpoint)
	}
	query = query.Order(orderModifiedAsc)

	switch kind {
	case records.KindNote:
		return findAll[records.Note](query)
	case records.KindCollection:
		return findAll[records.Collection](query)
	case records.KindCollectionItem:
		return findAll[records.CollectionItem](query)
	default:
		return nil, fmt.Errorf("%w: %q", records.ErrUnknownKind, string(kind))
	}
}

func (t *gormTx) Find(kind records.Kind, owner records.OwnerID, id records.RecordID) (records.Record, error) {
	record, err := records.New(kind)
	if err != nil {
		return nil, err
	}
	err = t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryOwnerID, owner.String(), id.String()).
		Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (t *gormTx) Save(record records.Record) error {
	return t.tx.Save(record).Error
}

func (t *gormTx) Tombstone(kind records.Kind, owner records.OwnerID, id records.RecordID, lastModified int64) (bool, error) {
	model, err := records.New(kind)
	if err != nil {
		return false, err
	}
	result := t.tx.Model(model).
		Where(queryOwnerID, owner.String(), id.String()).
		Updates(map[string]any{
			columnIsDeleted:    true,
			columnLastModified: lastModified,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func findAll[T any, P interface {
	*T
	records.Record
}](query *gorm.DB) ([]records.Record, error) {
	var rows []T
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]records.Record, 0, len(rows))
	for index := range rows {
		result = append(result, P(&rows[index]))
	}
	return result, nil
}
