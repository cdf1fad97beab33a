package syncserver

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDecodePushRequiresLastPulledAt(t *testing.T) {
	service := newTestService(t, &manualClock{millis: 100}, nil)

	_, err := service.DecodePush(protocol.PushRequest{Changes: protocol.Changes{}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "sync.decode_push.invalid_payload" {
		t.Fatalf("unexpected error code: %v", err)
	}

	negative := int64(-1)
	if _, err := service.DecodePush(protocol.PushRequest{LastPulledAt: &negative}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative checkpoint, got %v", err)
	}
}

func TestDecodePushSkipsUnknownKinds(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	service := newTestService(t, &manualClock{millis: 100}, zap.New(core))

	checkpoint := int64(42)
	decoded, err := service.DecodePush(protocol.PushRequest{
		LastPulledAt: &checkpoint,
		Changes: protocol.Changes{
			"tags": {Created: []protocol.Row{rawRow(t, map[string]any{"id": "tag-1"})}},
			"notes": {Deleted: []string{"note-9"}},
		},
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Checkpoint != 42 {
		t.Fatalf("expected checkpoint 42, got %d", decoded.Checkpoint)
	}
	if len(decoded.Changes) != 1 {
		t.Fatalf("expected only the known kind, got %#v", decoded.Changes)
	}
	if deleted := decoded.Changes[records.KindNote].Deleted; len(deleted) != 1 || deleted[0] != "note-9" {
		t.Fatalf("unexpected deleted ids %v", deleted)
	}

	entries := logs.FilterMessage("push skipped unknown entity kind").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if kind, ok := entries[0].ContextMap()["kind"]; !ok || kind != "tags" {
		t.Fatalf("expected kind field, got %#v", entries[0].ContextMap())
	}
}

func TestDecodePushDropsServerAssignedFields(t *testing.T) {
	service := newTestService(t, &manualClock{millis: 100}, nil)

	checkpoint := int64(0)
	decoded, err := service.DecodePush(protocol.PushRequest{
		LastPulledAt: &checkpoint,
		Changes: protocol.Changes{
			"notes": {Created: []protocol.Row{rawRow(t, map[string]any{
				"id":                "note-1",
				"owner":             "someone-else",
				"title":             "hello",
				"content_body":      "world",
				"created_at":        10,
				"updated_at":        11,
				"server_created_at": 99999,
				"last_modified":     99999,
				"is_deleted":        true,
				"_status":           "created",
			})}},
		},
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	created := decoded.Changes[records.KindNote].Created
	if len(created) != 1 {
		t.Fatalf("expected one created note, got %d", len(created))
	}
	note := created[0].(*records.Note)
	if note.Owner != "" || note.ServerCreatedAt != 0 || note.LastModified != 0 || note.IsDeleted {
		t.Fatalf("server-assigned fields must be dropped, got %#v", note.Tracking)
	}
	if note.ContentBody != "world" || note.ClientCreatedAt != 10 || note.ClientUpdatedAt != 11 {
		t.Fatalf("unexpected decoded note %#v", note)
	}
	if note.Status != records.StatusActive {
		t.Fatalf("expected default status, got %q", note.Status)
	}
}

func TestDecodePushRejectsInvalidRows(t *testing.T) {
	service := newTestService(t, &manualClock{millis: 100}, nil)
	checkpoint := int64(0)

	testCases := []struct {
		name    string
		changes protocol.Changes
	}{
		{
			name:    "missing id",
			changes: protocol.Changes{"notes": {Created: []protocol.Row{rawRow(t, map[string]any{"title": "x"})}}},
		},
		{
			name:    "unknown status",
			changes: protocol.Changes{"notes": {Updated: []protocol.Row{rawRow(t, map[string]any{"id": "n", "status": "pinned"})}}},
		},
		{
			name:    "wrong field type",
			changes: protocol.Changes{"collection_items": {Created: []protocol.Row{rawRow(t, map[string]any{"id": "i", "collection_id": "c", "position": "first"})}}},
		},
		{
			name:    "blank deleted id",
			changes: protocol.Changes{"collections": {Deleted: []string{"  "}}},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.DecodePush(protocol.PushRequest{LastPulledAt: &checkpoint, Changes: testCase.changes})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestEncodePullListsEveryKind(t *testing.T) {
	clock := &manualClock{millis: 100}
	service := newTestService(t, clock, nil)
	owner := mustOwner(t, "user-1")

	if err := pushCreated(t, service, owner, 0, newNote("note-1", "body"), newNote("note-2", "gone")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	clock.Set(200)
	if err := pushDeleted(t, service, owner, 0, records.KindNote, "note-2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	response, err := service.EncodePull(mustPull(t, service, owner, checkpointAt(0)))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if response.Timestamp != 200 {
		t.Fatalf("expected timestamp 200, got %d", response.Timestamp)
	}

	payload, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded struct {
		Changes map[string]struct {
			Created []map[string]any `json:"created"`
			Updated []map[string]any `json:"updated"`
			Deleted []string         `json:"deleted"`
		} `json:"changes"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, kind := range records.Kinds() {
		changes, ok := decoded.Changes[kind.String()]
		if !ok {
			t.Fatalf("missing kind %s", kind)
		}
		if changes.Created == nil || len(changes.Created) != 0 {
			t.Fatalf("kind %s: created must be an empty list", kind)
		}
		if changes.Updated == nil || changes.Deleted == nil {
			t.Fatalf("kind %s: lists must not be null", kind)
		}
	}

	notes := decoded.Changes["notes"]
	if len(notes.Updated) != 1 || len(notes.Deleted) != 1 || notes.Deleted[0] != "note-2" {
		t.Fatalf("unexpected notes changes %#v", notes)
	}
	row := notes.Updated[0]
	if _, ok := row["owner"]; ok {
		t.Fatalf("owner must not be sent to clients")
	}
	if row["content_body"] != "body" || row["last_modified"] != float64(100) || row["server_created_at"] != float64(100) {
		t.Fatalf("unexpected wire row %#v", row)
	}
}

func TestDecodePushRejectsPaddedIDs(t *testing.T) {
	service := newTestService(t, &manualClock{millis: 100}, nil)
	owner := mustOwner(t, "user-1")
	checkpoint := int64(0)

	testCases := []struct {
		name    string
		changes protocol.KindChanges
	}{
		{
			name: "created row",
			changes: protocol.KindChanges{Created: []protocol.Row{rawRow(t, map[string]any{
				"id": " n1", "title": "padded", "content_body": "", "status": "active",
			})}},
		},
		{
			name:    "deleted id",
			changes: protocol.KindChanges{Deleted: []string{" n1"}},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.DecodePush(protocol.PushRequest{
				LastPulledAt: &checkpoint,
				Changes:      protocol.Changes{"notes": testCase.changes},
			})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if err := pushCreated(t, service, owner, 0, newNote(" n1", "padded")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected push of padded id to be rejected, got %v", err)
	}
	if notes := mustPull(t, service, owner, nil).Changes[records.KindNote]; len(notes.Updated) != 0 {
		t.Fatalf("expected nothing stored, got %#v", notes.Updated)
	}
}
