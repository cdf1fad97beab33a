package syncserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/canonical"
	"github.com/MarcoPoloResearchLab/notesync/internal/database"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"go.uber.org/zap"
)

type manualClock struct {
	mu     sync.Mutex
	millis int64
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.millis)
}

func (c *manualClock) Set(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis = millis
}

func newTestService(t *testing.T, clock *manualClock, logger *zap.Logger) *Service {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "canonical.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := canonical.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Store:  store,
		Clock:  clock.Now,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustOwner(t *testing.T, value string) records.OwnerID {
	t.Helper()
	owner, err := records.NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner error: %v", err)
	}
	return owner
}

func checkpointAt(value int64) *records.EpochMillis {
	checkpoint := records.EpochMillis(value)
	return &checkpoint
}

func newNote(id, body string) *records.Note {
	return &records.Note{
		Tracking: records.Tracking{
			ID:              id,
			ClientCreatedAt: 1,
			ClientUpdatedAt: 1,
		},
		Title:       "title " + id,
		ContentBody: body,
		Status:      records.StatusActive,
	}
}

func pushCreated(t *testing.T, service *Service, owner records.OwnerID, checkpoint int64, created ...records.Record) error {
	t.Helper()
	changes := make(map[records.Kind]KindPush)
	for _, record := range created {
		kindPush := changes[record.Kind()]
		kindPush.Created = append(kindPush.Created, record)
		changes[record.Kind()] = kindPush
	}
	return service.Push(context.Background(), owner, PushRequest{Changes: changes, Checkpoint: records.EpochMillis(checkpoint)})
}

func pushUpdated(t *testing.T, service *Service, owner records.OwnerID, checkpoint int64, updated ...records.Record) error {
	t.Helper()
	changes := make(map[records.Kind]KindPush)
	for _, record := range updated {
		kindPush := changes[record.Kind()]
		kindPush.Updated = append(kindPush.Updated, record)
		changes[record.Kind()] = kindPush
	}
	return service.Push(context.Background(), owner, PushRequest{Changes: changes, Checkpoint: records.EpochMillis(checkpoint)})
}

func pushDeleted(t *testing.T, service *Service, owner records.OwnerID, checkpoint int64, kind records.Kind, ids ...string) error {
	t.Helper()
	kindPush := KindPush{}
	for _, id := range ids {
		kindPush.Deleted = append(kindPush.Deleted, records.RecordID(id))
	}
	return service.Push(context.Background(), owner, PushRequest{
		Changes:    map[records.Kind]KindPush{kind: kindPush},
		Checkpoint: records.EpochMillis(checkpoint),
	})
}

func mustPull(t *testing.T, service *Service, owner records.OwnerID, checkpoint *records.EpochMillis) PullResult {
	t.Helper()
	result, err := service.Pull(context.Background(), owner, checkpoint)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	return result
}

func findUpdatedNote(result PullResult, id string) *records.Note {
	for _, record := range result.Changes[records.KindNote].Updated {
		if record.Header().ID == id {
			return record.(*records.Note)
		}
	}
	return nil
}

func rawRow(t *testing.T, fields map[string]any) protocol.Row {
	t.Helper()
	row := make(protocol.Row, len(fields))
	for name, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("failed to encode %s: %v", name, err)
		}
		row[name] = encoded
	}
	return row
}
