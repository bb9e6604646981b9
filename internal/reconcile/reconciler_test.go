package reconcile

import (
	"testing"
	"time"

	"github.com/commsync/commsync/internal/model"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := base.Add(offset)
	return &t
}

func confirmed(id string, offset time.Duration) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "conv-1",
		Direction:      model.DirectionInbound,
		BodyText:       "body of " + id,
		SentAt:         at(offset),
		CreatedAt:      base.Add(offset),
		Status:         model.StatusDelivered,
	}
}

func optimistic(body string, offset time.Duration) model.Message {
	return model.Message{
		ID:             model.OptimisticIDPrefix + "abc123",
		ConversationID: "conv-1",
		Direction:      model.DirectionOutbound,
		BodyText:       body,
		CreatedAt:      base.Add(offset),
		Status:         model.StatusPending,
	}
}

func newTestReconciler(now time.Time) *Reconciler {
	return New(nil, WithClock(func() time.Time { return now }))
}

func TestMergeMessagesUnionByID(t *testing.T) {
	r := newTestReconciler(base)
	local := []model.Message{confirmed("m1", 0), confirmed("m2", time.Minute)}
	remote := []model.Message{confirmed("m2", time.Minute), confirmed("m3", 2*time.Minute)}

	merged := r.MergeMessages(local, remote, false)
	if len(merged) != 3 {
		t.Fatalf("got %d messages, want 3", len(merged))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if merged[i].ID != want {
			t.Errorf("merged[%d] = %s, want %s", i, merged[i].ID, want)
		}
	}
}

func TestMergeMessagesIdempotent(t *testing.T) {
	r := newTestReconciler(base)
	local := []model.Message{confirmed("m1", 0), optimistic("hi", time.Minute)}
	remote := []model.Message{confirmed("m2", 30 * time.Second)}

	once := r.MergeMessages(local, remote, false)
	twice := r.MergeMessages(once, remote, false)

	if len(once) != len(twice) {
		t.Fatalf("lengths differ: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].ID != twice[i].ID || once[i].Status != twice[i].Status {
			t.Errorf("position %d differs: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestMergeMessagesOrderInsensitive(t *testing.T) {
	r := newTestReconciler(base)
	a := confirmed("m1", 0)
	b := confirmed("m2", time.Minute)
	c := confirmed("m3", 2*time.Minute)

	forward := r.MergeMessages(nil, []model.Message{a, b, c}, true)
	backward := r.MergeMessages(nil, []model.Message{c, b, a}, true)

	for i := range forward {
		if forward[i].ID != backward[i].ID {
			t.Errorf("position %d: %s vs %s", i, forward[i].ID, backward[i].ID)
		}
	}
	for i := 1; i < len(forward); i++ {
		if forward[i].EffectiveTime().Before(forward[i-1].EffectiveTime()) {
			t.Errorf("timestamps regress at %d", i)
		}
	}
}

// An optimistic message is retired once a remote echo with matching
// conversation, direction, and near-equal content appears; exactly one
// copy remains.
func TestOptimisticConvergence(t *testing.T) {
	r := newTestReconciler(base.Add(time.Minute))
	opt := optimistic("Hi there", 0)
	echo := model.Message{
		ID:             "srv-50",
		ConversationID: "conv-1",
		Direction:      model.DirectionOutbound,
		BodyHTML:       "<p>Hi&nbsp;there</p>",
		SentAt:         at(20 * time.Second),
		CreatedAt:      base.Add(20 * time.Second),
		Status:         model.StatusSent,
	}

	merged := r.MergeMessages([]model.Message{opt}, []model.Message{echo}, false)
	if len(merged) != 1 {
		t.Fatalf("got %d messages, want exactly 1", len(merged))
	}
	if merged[0].ID != "srv-50" {
		t.Errorf("kept %s, want server echo srv-50", merged[0].ID)
	}
}

// Two identical rapid sends must not collapse into one displayed
// message when only the first echo has arrived: each echo retires at
// most one optimistic copy.
func TestDuplicateSendsConsumeOneEchoEach(t *testing.T) {
	r := newTestReconciler(base.Add(time.Minute))
	first := optimistic("Hi", 0)
	second := optimistic("Hi", 5*time.Second)
	second.ID = model.OptimisticIDPrefix + "def456"
	echo := model.Message{
		ID:             "srv-60",
		ConversationID: "conv-1",
		Direction:      model.DirectionOutbound,
		BodyText:       "Hi",
		SentAt:         at(10 * time.Second),
		CreatedAt:      base.Add(10 * time.Second),
		Status:         model.StatusSent,
	}

	merged := r.MergeMessages([]model.Message{first, second}, []model.Message{echo}, false)
	if len(merged) != 2 {
		t.Fatalf("got %d messages, want 2 (one echo retires one copy): %v", len(merged), ids(merged))
	}

	secondEcho := echo
	secondEcho.ID = "srv-61"
	secondEcho.SentAt = at(15 * time.Second)
	settled := r.MergeMessages(merged, []model.Message{echo, secondEcho}, false)
	if len(settled) != 2 {
		t.Fatalf("got %d messages after both echoes, want 2: %v", len(settled), ids(settled))
	}
	for _, m := range settled {
		if m.Optimistic() {
			t.Errorf("optimistic copy %s survived both echoes", m.ID)
		}
	}
}

func TestOptimisticNoMatchOutsideTolerance(t *testing.T) {
	r := New(nil, WithTolerance(10*time.Second), WithClock(func() time.Time { return base.Add(time.Minute) }))
	opt := optimistic("Hi", 0)
	echo := model.Message{
		ID:             "srv-51",
		ConversationID: "conv-1",
		Direction:      model.DirectionOutbound,
		BodyText:       "Hi",
		SentAt:         at(45 * time.Second),
		CreatedAt:      base.Add(45 * time.Second),
		Status:         model.StatusSent,
	}

	merged := r.MergeMessages([]model.Message{opt}, []model.Message{echo}, false)
	if len(merged) != 2 {
		t.Fatalf("got %d messages, want 2 (no match outside tolerance)", len(merged))
	}
}

func TestOptimisticExpiresToFailed(t *testing.T) {
	r := New(nil, WithExpiry(time.Minute), WithClock(func() time.Time { return base.Add(5 * time.Minute) }))
	opt := optimistic("lost", 0)

	merged := r.MergeMessages([]model.Message{opt}, nil, false)
	if len(merged) != 1 {
		t.Fatalf("got %d messages, want 1", len(merged))
	}
	if merged[0].Status != model.StatusFailed {
		t.Errorf("status = %s, want failed (message must not vanish)", merged[0].Status)
	}
}

func TestOptimisticSortsAfterConfirmed(t *testing.T) {
	r := newTestReconciler(base)
	// Optimistic created before the newest confirmed message.
	opt := optimistic("late send", 30*time.Second)
	remote := []model.Message{confirmed("m1", 0), confirmed("m2", 2*time.Minute)}

	merged := r.MergeMessages([]model.Message{opt}, remote, false)
	if merged[len(merged)-1].ID != opt.ID {
		t.Errorf("optimistic message is not last: %v", ids(merged))
	}
}

func TestPaginatedFetchNeverShrinks(t *testing.T) {
	r := newTestReconciler(base)
	local := []model.Message{confirmed("m1", 0), confirmed("m2", time.Minute), confirmed("m3", 2*time.Minute)}
	// A narrower page containing only the newest message.
	remote := []model.Message{confirmed("m3", 2 * time.Minute)}

	merged := r.MergeMessages(local, remote, false)
	if len(merged) != 3 {
		t.Errorf("paginated fetch shrank cache: got %d, want 3", len(merged))
	}

	replaced := r.MergeMessages(local, remote, true)
	if len(replaced) != 1 {
		t.Errorf("replacement fetch should shrink: got %d, want 1", len(replaced))
	}
}

func TestMergeConversationsRemoteAuthoritative(t *testing.T) {
	r := newTestReconciler(base)
	remote := []model.Conversation{
		{ID: "conv-1", UnreadCount: 3, Starred: false},
		{ID: "conv-2", UnreadCount: 0, Starred: true},
	}

	merged := r.MergeConversations(remote, nil)
	if len(merged) != 2 || merged[0].UnreadCount != 3 || !merged[1].Starred {
		t.Errorf("remote fields not taken verbatim: %+v", merged)
	}
}

func TestMergeConversationsPreservesPendingFlags(t *testing.T) {
	r := newTestReconciler(base)
	remote := []model.Conversation{{ID: "conv-1", Starred: false, Archived: true}}

	starred := true
	archived := false
	pending := map[string]model.Flags{
		"conv-1": {Starred: &starred, Archived: &archived},
	}

	merged := r.MergeConversations(remote, pending)
	if !merged[0].Starred {
		t.Error("pending star toggle was overwritten by remote")
	}
	if merged[0].Archived {
		t.Error("pending archive toggle was overwritten by remote")
	}

	// Once the mutation settles, remote wins again.
	settled := r.MergeConversations(remote, nil)
	if settled[0].Starred || !settled[0].Archived {
		t.Error("settled merge should take remote flags")
	}
}

func TestAdvanceCursor(t *testing.T) {
	r := newTestReconciler(base)
	cur := model.SyncCursor{AccountID: "acc-1"}

	msgs := []model.Message{confirmed("m1", 0), confirmed("m2", time.Minute), optimistic("x", 2*time.Hour)}
	cur = r.AdvanceCursor(cur, msgs)
	if cur.LastMessageID != "m2" {
		t.Errorf("cursor at %s, want m2 (optimistic must not advance it)", cur.LastMessageID)
	}

	// Cursor never moves backward.
	older := []model.Message{confirmed("m0", -time.Hour)}
	cur = r.AdvanceCursor(cur, older)
	if cur.LastMessageID != "m2" {
		t.Errorf("cursor regressed to %s", cur.LastMessageID)
	}
}

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name string
		text string
		html string
		want string
	}{
		{"plain passthrough", "Hello  world", "", "Hello world"},
		{"html stripped", "", "<p>Hello <b>world</b></p>", "Hello world"},
		{"entities decoded", "", "Tom &amp; Jerry&nbsp;&gt;", "Tom & Jerry >"},
		{"text preferred over html", "plain", "<p>rich</p>", "plain"},
		{"whitespace collapsed", "a\n\n  b\tc", "", "a b c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeBody(tt.text, tt.html); got != tt.want {
				t.Errorf("NormalizeBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ID
	}
	return out
}
