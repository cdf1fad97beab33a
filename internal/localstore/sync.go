package localstore

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	bolt "go.etcd.io/bbolt"
)

// PulledKind is the pulled diff of one kind, already decoded into domain records.
type PulledKind struct {
	Updated []records.Record
	Deleted []records.RecordID
}

// ApplyPull merges a pull result and advances the checkpoint in the same transaction.
// Records with pending local edits keep those edits; only their server timing fields are
// refreshed so the next push is judged against the pulled version. Deleted ids are removed.
// Applying the same pull twice leaves the store unchanged.
func (s *Store) ApplyPull(changes map[records.Kind]PulledKind, timestamp int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for kind, pulled := range changes {
			bucket := tx.Bucket(kindBucket(kind))
			if bucket == nil {
				continue
			}

			for _, record := range pulled.Updated {
				if err := applyPulledRecord(bucket, kind, record); err != nil {
					return err
				}
			}
			for _, id := range pulled.Deleted {
				if err := bucket.Delete([]byte(id.String())); err != nil {
					return err
				}
			}
		}

		return tx.Bucket(metaBucket).Put(checkpointKey, []byte(strconv.FormatInt(timestamp, 10)))
	})
}

func applyPulledRecord(bucket *bolt.Bucket, kind records.Kind, pulled records.Record) error {
	header := pulled.Header()
	header.Owner = ""
	header.IsDeleted = false

	current, found, err := readEntry(bucket, header.ID)
	if err != nil {
		return err
	}
	if !found || current.Status == StatusSynced {
		return writeEntry(bucket, header.ID, entry{Status: StatusSynced, Revision: current.Revision}, pulled)
	}

	local, err := decodeRecord(kind, current.Record)
	if err != nil {
		return err
	}
	local.Header().ServerCreatedAt = header.ServerCreatedAt
	local.Header().LastModified = header.LastModified
	if current.Status == StatusCreated {
		current.Status = StatusUpdated
	}
	return writeEntry(bucket, header.ID, current, local)
}

// PendingKind lists the unpushed changes of one kind.
type PendingKind struct {
	Created []records.Record
	Updated []records.Record
	Deleted []records.RecordID
}

// Pending is a snapshot of every unpushed change. It remembers the revision of each record
// so MarkPushed only clears markers that were not superseded while the push was in flight.
type Pending struct {
	Changes   map[records.Kind]PendingKind
	revisions map[records.Kind]map[string]int64
}

// IsEmpty reports whether there is nothing to push.
func (p Pending) IsEmpty() bool {
	for _, changes := range p.Changes {
		if len(changes.Created) > 0 || len(changes.Updated) > 0 || len(changes.Deleted) > 0 {
			return false
		}
	}
	return true
}

// PendingChanges collects every record carrying a pending marker.
func (s *Store) PendingChanges() (Pending, error) {
	pending := Pending{
		Changes:   make(map[records.Kind]PendingKind),
		revisions: make(map[records.Kind]map[string]int64),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, kind := range records.Kinds() {
			kindPending := PendingKind{}
			revisions := make(map[string]int64)

			err := tx.Bucket(kindBucket(kind)).ForEach(func(key, value []byte) error {
				var current entry
				if err := json.Unmarshal(value, &current); err != nil {
					return fmt.Errorf("decoding local entry %s: %w", key, err)
				}
				if !current.Status.Dirty() {
					return nil
				}
				revisions[string(key)] = current.Revision

				if current.Status == StatusDeleted {
					kindPending.Deleted = append(kindPending.Deleted, records.RecordID(key))
					return nil
				}
				record, err := decodeRecord(kind, current.Record)
				if err != nil {
					return err
				}
				if current.Status == StatusCreated {
					kindPending.Created = append(kindPending.Created, record)
				} else {
					kindPending.Updated = append(kindPending.Updated, record)
				}
				return nil
			})
			if err != nil {
				return err
			}

			if len(revisions) > 0 {
				pending.Changes[kind] = kindPending
				pending.revisions[kind] = revisions
			}
		}
		return nil
	})
	return pending, err
}

// MarkPushed clears the markers of an accepted push. Pushed deletions are removed; records
// edited again since the snapshot keep their marker.
func (s *Store) MarkPushed(pending Pending) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for kind, revisions := range pending.revisions {
			bucket := tx.Bucket(kindBucket(kind))
			if bucket == nil {
				continue
			}

			for id, revision := range revisions {
				current, found, err := readEntry(bucket, id)
				if err != nil {
					return err
				}
				if !found || current.Revision != revision {
					continue
				}
				if current.Status == StatusDeleted {
					if err := bucket.Delete([]byte(id)); err != nil {
						return err
					}
					continue
				}

				current.Status = StatusSynced
				data, err := json.Marshal(current)
				if err != nil {
					return err
				}
				if err := bucket.Put([]byte(id), data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
