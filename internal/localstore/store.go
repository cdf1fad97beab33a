// Package localstore persists a device's copy of the owner's records together with the
// pending-change markers and the pull checkpoint used by the sync client.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	bolt "go.etcd.io/bbolt"
)

const (
	storeDirPerm     = fs.FileMode(0o700)
	storeFilePerm    = fs.FileMode(0o600)
	storeOpenTimeout = 5 * time.Second
)

var (
	metaBucket    = []byte("meta")
	checkpointKey = []byte("checkpoint")

	// ErrNotFound indicates that no live local record exists for the id.
	ErrNotFound = errors.New("localstore: record not found")
	// ErrMissingPath indicates that Open was called without a file path.
	ErrMissingPath = errors.New("localstore: path is required")
)

func kindBucket(kind records.Kind) []byte {
	return []byte("kind:" + kind.String())
}

// Status is the local sync state of a record.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
)

// Dirty reports whether the record carries an unpushed change.
func (s Status) Dirty() bool {
	return s != StatusSynced
}

// entry is the stored form of one record. Revision increases on every local edit so a push
// snapshot can tell whether the record changed while the push was in flight.
type entry struct {
	Status   Status          `json:"status"`
	Revision int64           `json:"revision"`
	Record   json.RawMessage `json:"record"`
}

// Store wraps a bbolt database holding one bucket per kind plus a meta bucket.
type Store struct {
	db *bolt.DB
}

// Open opens the local store at path, creating the file and its buckets if needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, ErrMissingPath
	}
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating local store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		for _, kind := range records.Kinds() {
			if _, err := tx.CreateBucketIfNotExists(kindBucket(kind)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing local store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint returns the last pull timestamp, or nil before the first pull.
func (s *Store) Checkpoint() (*int64, error) {
	var checkpoint *int64
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(metaBucket).Get(checkpointKey)
		if value == nil {
			return nil
		}
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing checkpoint: %w", err)
		}
		checkpoint = &parsed
		return nil
	})
	return checkpoint, err
}

// Save records a local edit. New ids become pending creates; existing ones pending updates.
// Server timing fields are carried over from the stored copy.
func (s *Store) Save(record records.Record) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", records.ErrInvalidRecord)
	}
	records.Normalize(record)
	if err := record.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kindBucket(record.Kind()))
		header := record.Header()
		header.Owner = ""

		current, found, err := readEntry(bucket, header.ID)
		if err != nil {
			return err
		}

		next := entry{Status: StatusCreated}
		if found {
			if current.Status == StatusDeleted {
				return fmt.Errorf("%w: %s %s", ErrNotFound, record.Kind(), header.ID)
			}
			stored, err := decodeRecord(record.Kind(), current.Record)
			if err != nil {
				return err
			}
			header.ServerCreatedAt = stored.Header().ServerCreatedAt
			header.LastModified = stored.Header().LastModified
			header.IsDeleted = false

			next.Revision = current.Revision
			next.Status = current.Status
			if next.Status == StatusSynced {
				next.Status = StatusUpdated
			}
		}
		next.Revision++

		return writeEntry(bucket, header.ID, next, record)
	})
}

// Delete marks a record for deletion. Records still pending creation are marked too: a push
// may have committed on the server even though its response never arrived.
func (s *Store) Delete(kind records.Kind, id records.RecordID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kindBucket(kind))
		if bucket == nil {
			return fmt.Errorf("%w: %q", records.ErrUnknownKind, kind.String())
		}

		current, found, err := readEntry(bucket, id.String())
		if err != nil {
			return err
		}
		if !found || current.Status == StatusDeleted {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		current.Status = StatusDeleted
		current.Revision++
		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id.String()), data)
	})
}

// Get returns a live record.
func (s *Store) Get(kind records.Kind, id records.RecordID) (records.Record, error) {
	var record records.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kindBucket(kind))
		if bucket == nil {
			return fmt.Errorf("%w: %q", records.ErrUnknownKind, kind.String())
		}

		current, found, err := readEntry(bucket, id.String())
		if err != nil {
			return err
		}
		if !found || current.Status == StatusDeleted {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}

		record, err = decodeRecord(kind, current.Record)
		return err
	})
	return record, err
}

// Status returns the sync state of a stored record, including records pending deletion.
func (s *Store) Status(kind records.Kind, id records.RecordID) (Status, error) {
	var status Status
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kindBucket(kind))
		if bucket == nil {
			return fmt.Errorf("%w: %q", records.ErrUnknownKind, kind.String())
		}

		current, found, err := readEntry(bucket, id.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		status = current.Status
		return nil
	})
	return status, err
}

// List returns every live record of a kind in id order.
func (s *Store) List(kind records.Kind) ([]records.Record, error) {
	result := make([]records.Record, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kindBucket(kind))
		if bucket == nil {
			return fmt.Errorf("%w: %q", records.ErrUnknownKind, kind.String())
		}

		return bucket.ForEach(func(_, value []byte) error {
			var current entry
			if err := json.Unmarshal(value, &current); err != nil {
				return err
			}
			if current.Status == StatusDeleted {
				return nil
			}
			record, err := decodeRecord(kind, current.Record)
			if err != nil {
				return err
			}
			result = append(result, record)
			return nil
		})
	})
	return result, err
}

func readEntry(bucket *bolt.Bucket, id string) (entry, bool, error) {
	value := bucket.Get([]byte(id))
	if value == nil {
		return entry{}, false, nil
	}
	var current entry
	if err := json.Unmarshal(value, &current); err != nil {
		return entry{}, false, fmt.Errorf("decoding local entry %s: %w", id, err)
	}
	return current, true, nil
}

func writeEntry(bucket *bolt.Bucket, id string, next entry, record records.Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	next.Record = encoded

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(id), data)
}

func decodeRecord(kind records.Kind, data json.RawMessage) (records.Record, error) {
	record, err := records.New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("decoding local %s record: %w", kind, err)
	}
	return record, nil
}
