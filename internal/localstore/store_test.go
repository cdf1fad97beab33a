package localstore

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "local.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func localNote(id, body string) *records.Note {
	return &records.Note{
		Tracking:    records.Tracking{ID: id, ClientCreatedAt: 1, ClientUpdatedAt: 1},
		Title:       "title",
		ContentBody: body,
	}
}

func serverNote(id, body string, lastModified int64) *records.Note {
	note := localNote(id, body)
	note.Owner = "user-1"
	note.Status = records.StatusActive
	note.ServerCreatedAt = lastModified
	note.LastModified = lastModified
	return note
}

func mustStatus(t *testing.T, store *Store, id string) Status {
	t.Helper()
	status, err := store.Status(records.KindNote, records.RecordID(id))
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	return status
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); !errors.Is(err, ErrMissingPath) {
		t.Fatalf("expected missing path error, got %v", err)
	}
}

func TestCheckpointStartsEmpty(t *testing.T) {
	store := openTestStore(t)
	checkpoint, err := store.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if checkpoint != nil {
		t.Fatalf("expected no checkpoint before the first pull, got %d", *checkpoint)
	}
}

func TestSaveTracksPendingStatus(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save(localNote("note-1", "draft")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if status := mustStatus(t, store, "note-1"); status != StatusCreated {
		t.Fatalf("expected created, got %s", status)
	}
	if err := store.Save(localNote("note-1", "second draft")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if status := mustStatus(t, store, "note-1"); status != StatusCreated {
		t.Fatalf("an unpushed record must stay created, got %s", status)
	}

	record, err := store.Get(records.KindNote, "note-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	note := record.(*records.Note)
	if note.ContentBody != "second draft" || note.Status != records.StatusActive {
		t.Fatalf("unexpected stored note %#v", note)
	}
}

func TestSaveRejectsInvalidRecords(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(&records.CollectionItem{Tracking: records.Tracking{ID: "item-1"}}); !errors.Is(err, records.ErrInvalidRecord) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
}

func TestDeleteOfUnpushedRecordIsStillPushed(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(localNote("note-1", "draft")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Delete(records.KindNote, "note-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if status := mustStatus(t, store, "note-1"); status != StatusDeleted {
		t.Fatalf("expected pending deletion, got %s", status)
	}
	pending, err := store.PendingChanges()
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	notes := pending.Changes[records.KindNote]
	if len(notes.Created) != 0 || len(notes.Deleted) != 1 || notes.Deleted[0] != "note-1" {
		t.Fatalf("expected only the deletion to be pushed, got %#v", notes)
	}
	if err := store.Delete(records.KindNote, "note-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	if err := store.MarkPushed(pending); err != nil {
		t.Fatalf("mark pushed failed: %v", err)
	}
	if _, err := store.Status(records.KindNote, "note-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to be purged after push, got %v", err)
	}
}

func TestApplyPullIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	pull := map[records.Kind]PulledKind{
		records.KindNote: {
			Updated: []records.Record{serverNote("note-1", "one", 100), serverNote("note-2", "two", 110)},
		},
	}

	if err := store.ApplyPull(pull, 110); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	first, err := store.List(records.KindNote)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := store.ApplyPull(pull, 110); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	second, err := store.List(records.KindNote)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("applying a pull twice changed the store: %#v vs %#v", first, second)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(second))
	}
	if second[0].Header().Owner != "" {
		t.Fatalf("owner must not be stored locally")
	}
	if status := mustStatus(t, store, "note-1"); status != StatusSynced {
		t.Fatalf("pulled records must be synced, got %s", status)
	}
	checkpoint, err := store.Checkpoint()
	if err != nil || checkpoint == nil || *checkpoint != 110 {
		t.Fatalf("expected checkpoint 110, got %v (%v)", checkpoint, err)
	}
}

func TestApplyPullKeepsPendingEdits(t *testing.T) {
	store := openTestStore(t)
	if err := store.ApplyPull(map[records.Kind]PulledKind{
		records.KindNote: {Updated: []records.Record{serverNote("note-1", "server v1", 100)}},
	}, 100); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	edited := localNote("note-1", "local edit")
	if err := store.Save(edited); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if status := mustStatus(t, store, "note-1"); status != StatusUpdated {
		t.Fatalf("expected updated, got %s", status)
	}

	if err := store.ApplyPull(map[records.Kind]PulledKind{
		records.KindNote: {Updated: []records.Record{serverNote("note-1", "server v2", 150)}},
	}, 150); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	record, err := store.Get(records.KindNote, "note-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	note := record.(*records.Note)
	if note.ContentBody != "local edit" {
		t.Fatalf("pending edit was overwritten: %q", note.ContentBody)
	}
	if note.LastModified != 150 {
		t.Fatalf("expected server timing to be refreshed, got %d", note.LastModified)
	}
	if status := mustStatus(t, store, "note-1"); status != StatusUpdated {
		t.Fatalf("edit must stay pending, got %s", status)
	}
}

func TestApplyPullRemovesDeletedRecords(t *testing.T) {
	store := openTestStore(t)
	if err := store.ApplyPull(map[records.Kind]PulledKind{
		records.KindNote: {Updated: []records.Record{serverNote("note-1", "body", 100)}},
	}, 100); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := store.Save(localNote("note-1", "edit")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.ApplyPull(map[records.Kind]PulledKind{
		records.KindNote: {Deleted: []records.RecordID{"note-1", "never-seen"}},
	}, 200); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := store.Get(records.KindNote, "note-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted record to be removed, got %v", err)
	}
	pending, err := store.PendingChanges()
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if !pending.IsEmpty() {
		t.Fatalf("deleted record must not be pushed, got %#v", pending.Changes)
	}
}

func TestMarkPushedHonorsRevisions(t *testing.T) {
	store := openTestStore(t)
	if err := store.ApplyPull(map[records.Kind]PulledKind{
		records.KindNote: {Updated: []records.Record{serverNote("note-3", "body", 90)}},
	}, 90); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	for _, id := range []string{"note-1", "note-2"} {
		if err := store.Save(localNote(id, "draft")); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if err := store.Delete(records.KindNote, "note-3"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	pending, err := store.PendingChanges()
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	notes := pending.Changes[records.KindNote]
	if len(notes.Created) != 2 || len(notes.Updated) != 0 || len(notes.Deleted) != 1 {
		t.Fatalf("unexpected pending changes %#v", notes)
	}

	if err := store.Save(localNote("note-2", "edited during push")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.MarkPushed(pending); err != nil {
		t.Fatalf("mark pushed failed: %v", err)
	}

	if status := mustStatus(t, store, "note-1"); status != StatusSynced {
		t.Fatalf("expected note-1 synced, got %s", status)
	}
	if status := mustStatus(t, store, "note-2"); status != StatusCreated {
		t.Fatalf("expected note-2 to keep its marker, got %s", status)
	}
	if _, err := store.Status(records.KindNote, "note-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pushed deletion to be purged, got %v", err)
	}
}

func TestListSkipsPendingDeletions(t *testing.T) {
	store := openTestStore(t)
	if err := store.ApplyPull(map[records.Kind]PulledKind{
		records.KindNote: {Updated: []records.Record{serverNote("a", "x", 1), serverNote("b", "y", 2)}},
	}, 2); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := store.Delete(records.KindNote, "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	listed, err := store.List(records.KindNote)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Header().ID != "b" {
		t.Fatalf("unexpected list %#v", listed)
	}
	if _, err := store.Get(records.KindNote, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pending deletion to be hidden, got %v", err)
	}
	if err := store.Save(localNote("a", "resurrect")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected save of deleted record to fail, got %v", err)
	}
}
