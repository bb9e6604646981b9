package reconcile

import (
	"sort"
	"time"

	"github.com/commsync/commsync/internal/model"
	"go.uber.org/zap"
)

// Default tuning. The tolerance window for matching an optimistic
// message to its server echo is deliberately configurable; bodies are
// compared after normalization, never byte-for-byte.
const (
	DefaultTolerance = 90 * time.Second
	DefaultExpiry    = 2 * time.Minute
)

// Reconciler merges freshly fetched server state with local state,
// preserving optimistic entries and in-flight flag mutations until the
// server confirms or supersedes them. Merging is idempotent: feeding
// the merged result back in with the same remote input is a no-op.
type Reconciler struct {
	tolerance time.Duration
	expiry    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTolerance sets the echo-match tolerance window.
func WithTolerance(d time.Duration) Option {
	return func(r *Reconciler) { r.tolerance = d }
}

// WithExpiry sets how long an unmatched optimistic message survives
// before being marked failed.
func WithExpiry(d time.Duration) Option {
	return func(r *Reconciler) { r.expiry = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler with the given options.
func New(logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		tolerance: DefaultTolerance,
		expiry:    DefaultExpiry,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MergeConversations merges a fetched conversation list with local
// state. The remote list is authoritative for every field except flags
// with an in-flight optimistic mutation, which are preserved from the
// pending set until their request settles.
func (r *Reconciler) MergeConversations(remote []model.Conversation, pending map[string]model.Flags) []model.Conversation {
	if len(pending) == 0 {
		return append([]model.Conversation(nil), remote...)
	}

	merged := make([]model.Conversation, len(remote))
	for i, conv := range remote {
		if p, ok := pending[conv.ID]; ok {
			if p.Starred != nil {
				conv.Starred = *p.Starred
			}
			if p.Archived != nil {
				conv.Archived = *p.Archived
			}
			if p.DeletedAt != nil {
				conv.DeletedAt = p.DeletedAt
			}
		}
		merged[i] = conv
	}
	return merged
}

// MergeMessages merges a fetched message list with the local one.
//
// Confirmed messages union by ID. Optimistic (tmp:) local messages are
// matched against remote echoes; a match removes the optimistic copy in
// favor of the server one. Unmatched optimistic messages survive until
// the expiry window, then flip to failed rather than vanishing.
//
// When replace is false (paginated fetch) local confirmed messages
// absent from the remote page are kept: a narrower page never shrinks
// the set. When replace is true the remote list fully defines the
// confirmed set.
func (r *Reconciler) MergeMessages(local, remote []model.Message, replace bool) []model.Message {
	byID := make(map[string]int, len(remote))
	merged := make([]model.Message, 0, len(local)+len(remote))
	for _, m := range remote {
		byID[m.ID] = len(merged)
		merged = append(merged, m)
	}

	now := r.now()
	consumed := make([]bool, len(remote))
	for _, m := range local {
		if m.Optimistic() {
			if idx := r.matchEcho(&m, remote, consumed); idx >= 0 {
				// Server echo arrived; the optimistic copy is retired.
				// Each echo retires at most one copy, so two identical
				// rapid sends keep two messages until both echoes land.
				consumed[idx] = true
				continue
			}
			if m.Status == model.StatusPending && now.Sub(m.CreatedAt) > r.expiry {
				r.logger.Warn("optimistic message expired without echo",
					zap.String("client_id", m.ID),
					zap.String("conversation_id", m.ConversationID))
				m.Status = model.StatusFailed
			}
			merged = append(merged, m)
			continue
		}
		if _, ok := byID[m.ID]; ok {
			continue
		}
		if replace {
			// Full replacement fetch: the server no longer has it.
			continue
		}
		merged = append(merged, m)
	}

	r.sortMessages(merged)
	return merged
}

// matchEcho returns the index of an unconsumed server echo for an
// optimistic message: same conversation and direction, near-equal
// content after normalization, timestamps within the tolerance window.
// Returns -1 when no echo matches.
func (r *Reconciler) matchEcho(opt *model.Message, remote []model.Message, consumed []bool) int {
	optBody := NormalizeBody(opt.BodyText, opt.BodyHTML)
	optTime := opt.EffectiveTime()
	for i := range remote {
		if consumed[i] {
			continue
		}
		echo := &remote[i]
		if echo.ConversationID != opt.ConversationID || echo.Direction != opt.Direction {
			continue
		}
		if NormalizeBody(echo.BodyText, echo.BodyHTML) != optBody {
			continue
		}
		delta := echo.EffectiveTime().Sub(optTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= r.tolerance {
			return i
		}
	}
	return -1
}

// sortMessages orders ascending by effective timestamp, ties broken by
// arrival order (stable). Unreconciled optimistic messages sort after
// the latest confirmed message regardless of their local clock.
func (r *Reconciler) sortMessages(msgs []model.Message) {
	var latestConfirmed time.Time
	for i := range msgs {
		if !msgs[i].Optimistic() {
			if ts := msgs[i].EffectiveTime(); ts.After(latestConfirmed) {
				latestConfirmed = ts
			}
		}
	}

	sortKey := func(m *model.Message) time.Time {
		ts := m.EffectiveTime()
		if m.Optimistic() && ts.Before(latestConfirmed) {
			return latestConfirmed
		}
		return ts
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return sortKey(&msgs[i]).Before(sortKey(&msgs[j]))
	})
}

// AdvanceCursor returns the cursor moved forward past the newest
// confirmed message in msgs. The cursor never moves backward, and
// optimistic messages never advance it.
func (r *Reconciler) AdvanceCursor(cur model.SyncCursor, msgs []model.Message) model.SyncCursor {
	for i := range msgs {
		m := &msgs[i]
		if m.Optimistic() {
			continue
		}
		if ts := m.EffectiveTime(); ts.After(cur.LastMessageAt) {
			cur.LastMessageAt = ts
			cur.LastMessageID = m.ID
		}
	}
	return cur
}
