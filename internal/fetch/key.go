package fetch

import (
	"fmt"
	"time"

	"github.com/commsync/commsync/internal/model"
)

// Key identifies "the same logical request" across re-issues. Two calls
// with equal keys supersede each other in the arbiter and share a cache
// slot; calls with different keys are unrelated.
type Key struct {
	Channel   model.Channel
	AccountID string
	Search    string
	View      string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// View values used by the engine. Anything else is treated as an opaque
// caller-defined filter view.
const (
	ViewInbox    = "inbox"
	ViewStarred  = "starred"
	ViewArchived = "archived"
	ViewUnread   = "unread"
)

// MessagesKey builds the key under which one conversation's message list
// is fetched and cached.
func MessagesKey(channel model.Channel, accountID, conversationID string, limit, offset int) Key {
	return Key{
		Channel:   channel,
		AccountID: accountID,
		View:      "messages:" + conversationID,
		Limit:     limit,
		Offset:    offset,
	}
}

// String returns the canonical form used as a map key. View and Search
// are caller-supplied text, so they are quoted; a raw delimiter inside
// either must not collide two distinct keys.
func (k Key) String() string {
	var from, to int64
	if !k.From.IsZero() {
		from = k.From.Unix()
	}
	if !k.To.IsZero() {
		to = k.To.Unix()
	}
	return fmt.Sprintf("%s|%s|%q|%q|%d|%d|%d|%d",
		k.Channel, k.AccountID, k.View, k.Search, from, to, k.Limit, k.Offset)
}

// Paginated reports whether the key addresses a partial page rather than
// a full replacement fetch. Paginated results must never shrink cached
// state.
func (k Key) Paginated() bool {
	return k.Offset > 0
}
