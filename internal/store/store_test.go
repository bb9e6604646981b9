package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/commsync/commsync/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + seen_events)", result.Version)
	}
}

func TestDraftRoundTrip(t *testing.T) {
	db := testDB(t)

	key := "draft:acc-1:conv-9"
	if err := db.SaveDraft(key, `{"to":"x@y.z","body":"wip"}`); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.GetDraft(key)
	if err != nil || !ok {
		t.Fatalf("GetDraft() = %v, ok=%v", err, ok)
	}
	if got != `{"to":"x@y.z","body":"wip"}` {
		t.Errorf("draft = %q", got)
	}

	// Overwrite wins.
	if err := db.SaveDraft(key, "v2"); err != nil {
		t.Fatal(err)
	}
	got, _, _ = db.GetDraft(key)
	if got != "v2" {
		t.Errorf("draft after overwrite = %q, want v2", got)
	}

	if err := db.RemoveDraft(key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetDraft(key); ok {
		t.Error("draft survived removal")
	}

	// Removing a missing draft is fine.
	if err := db.RemoveDraft("nope"); err != nil {
		t.Errorf("RemoveDraft(missing) error = %v", err)
	}
}

func TestPurgeDrafts(t *testing.T) {
	db := testDB(t)
	_ = db.SaveDraft("a", "1")
	_ = db.SaveDraft("b", "2")

	n, err := db.PurgeDrafts()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d drafts, want 2", n)
	}
	keys, _ := db.ListDraftKeys()
	if len(keys) != 0 {
		t.Errorf("keys after purge = %v", keys)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db := testDB(t)

	// Unknown account yields a zero cursor, not an error.
	cur, err := db.GetCursor("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.AccountID != "acc-1" || !cur.LastMessageAt.IsZero() || cur.LastMessageID != "" {
		t.Errorf("zero cursor = %+v", cur)
	}

	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	want := model.SyncCursor{AccountID: "acc-1", LastMessageAt: ts, LastMessageID: "m42"}
	if err := db.UpsertCursor(want); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetCursor("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastMessageAt.Equal(ts) || got.LastMessageID != "m42" {
		t.Errorf("cursor = %+v, want %+v", got, want)
	}

	// Upsert replaces.
	want.LastMessageID = "m43"
	if err := db.UpsertCursor(want); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetCursor("acc-1")
	if got.LastMessageID != "m43" {
		t.Errorf("cursor after upsert = %+v", got)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	entry := &OutboxEntry{
		ClientMsgID: "tmp:abc",
		AccountID:   "acc-1",
		Recipients:  []string{"x@y.z"},
		Subject:     "hello",
		BodyText:    "hi",
	}
	if err := db.QueueOutbox(entry); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "tmp:abc" || pending[0].Recipients[0] != "x@y.z" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := db.MarkOutboxSending("tmp:abc"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Error("sending entry still reported pending")
	}

	if err := db.MarkOutboxSent("tmp:abc", "srv-1", "conv-9"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetOutbox("tmp:abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "sent" || got.ServerMsgID != "srv-1" || got.ConversationID != "conv-9" {
		t.Errorf("entry = %+v", got)
	}

	// ListOutbox reports entries regardless of status.
	all, err := db.ListOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Status != "sent" {
		t.Errorf("all = %+v", all)
	}
}

// Settle transitions apply only to entries still in sending: an entry
// the ack path already resolved must not be flipped again.
func TestOutboxSettleOnlySending(t *testing.T) {
	db := testDB(t)
	_ = db.QueueOutbox(&OutboxEntry{ClientMsgID: "tmp:a", AccountID: "acc-1", Recipients: []string{"a"}})
	_ = db.QueueOutbox(&OutboxEntry{ClientMsgID: "tmp:b", AccountID: "acc-1", Recipients: []string{"b"}})

	ok, err := db.SettleOutboxSent("tmp:a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("settled a queued entry")
	}

	_ = db.MarkOutboxSending("tmp:a")
	ok, _ = db.SettleOutboxSent("tmp:a")
	if !ok {
		t.Error("sending entry did not settle to sent")
	}
	got, _ := db.GetOutbox("tmp:a")
	if got.Status != "sent" {
		t.Errorf("status = %q, want sent", got.Status)
	}

	_ = db.MarkOutboxSending("tmp:b")
	ok, _ = db.SettleOutboxFailed("tmp:b", "no server echo before expiry")
	if !ok {
		t.Error("sending entry did not settle to failed")
	}
	got, _ = db.GetOutbox("tmp:b")
	if got.Status != "failed" || got.ErrorMessage == "" {
		t.Errorf("entry = %+v, want failed with error message", got)
	}

	// Repeated settles are no-ops once the entry left sending.
	if ok, _ = db.SettleOutboxFailed("tmp:b", "again"); ok {
		t.Error("failed entry settled twice")
	}
}

func TestOutboxRequeueOnlyFailed(t *testing.T) {
	db := testDB(t)
	_ = db.QueueOutbox(&OutboxEntry{ClientMsgID: "tmp:x", AccountID: "acc-1", Recipients: []string{"a"}})

	// Queued entries cannot be requeued.
	ok, err := db.RequeueOutbox("tmp:x")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("requeue of a queued entry should be a no-op")
	}

	_ = db.MarkOutboxSending("tmp:x")
	_ = db.MarkOutboxFailed("tmp:x", "smtp relay down")

	ok, err = db.RequeueOutbox("tmp:x")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("failed entry should requeue")
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].ErrorMessage != "" {
		t.Errorf("pending after requeue = %+v", pending)
	}
}

func TestSeenEvents(t *testing.T) {
	db := testDB(t)

	first, err := db.MarkSeen("evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("first MarkSeen should report true")
	}

	// Reconnect replay.
	again, err := db.MarkSeen("evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Error("replayed event reported as first-time")
	}

	n, err := db.PruneSeen(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if first, _ := db.MarkSeen("evt-1"); !first {
		t.Error("event should be seeable again after prune")
	}
}
