package fetch

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned to a caller whose request was replaced by a
// newer one under the same key. It is expected control flow, not a
// failure: callers drop it silently and let the superseding request's
// result win.
var ErrSuperseded = errors.New("fetch: superseded by newer request for same key")

// Arbiter enforces latest-wins semantics per logical query key. Issuing
// a request cancels any in-flight request under the same key via its
// context; requests under different keys run concurrently. A superseded
// request's result is never observable by its caller.
type Arbiter struct {
	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	accountID string
	cancel    context.CancelFunc
}

// NewArbiter creates an empty arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{inflight: make(map[string]*flight)}
}

// Do runs fn under key with latest-wins semantics. If a newer Do call
// arrives for the same key while fn is running, fn's context is
// cancelled and the stale caller receives ErrSuperseded regardless of
// what fn returned.
func Do[T any](a *Arbiter, ctx context.Context, key Key, fn func(context.Context) (T, error)) (T, error) {
	id := key.String()

	cctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if prev, ok := a.inflight[id]; ok {
		prev.cancel()
	}
	f := &flight{accountID: key.AccountID, cancel: cancel}
	a.inflight[id] = f
	a.mu.Unlock()

	result, err := fn(cctx)

	a.mu.Lock()
	current, ok := a.inflight[id]
	if ok && current == f {
		// Still the latest request for this key: our result stands.
		delete(a.inflight, id)
		a.mu.Unlock()
		cancel()
		return result, err
	}
	a.mu.Unlock()
	cancel()

	var zero T
	return zero, ErrSuperseded
}

// Cancel aborts any in-flight request under the given key without
// issuing a replacement. The aborted caller receives ErrSuperseded.
func (a *Arbiter) Cancel(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := key.String()
	if f, ok := a.inflight[id]; ok {
		f.cancel()
		delete(a.inflight, id)
	}
}

// CancelAccount aborts every in-flight request belonging to an account.
// Used when the scheduler stops or the account is switched away.
func (a *Arbiter) CancelAccount(accountID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, f := range a.inflight {
		if f.accountID == accountID {
			f.cancel()
			delete(a.inflight, id)
		}
	}
}

// Pending returns the number of in-flight requests, for status display.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}
