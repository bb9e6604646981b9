package notify

import (
	"context"
	"sync"
	"time"

	"github.com/commsync/commsync/internal/bus"
	"github.com/commsync/commsync/internal/cache"
	"github.com/commsync/commsync/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccessGuard decides whether an actor may view a contact. Implemented
// by the surrounding CRM's permission layer; the engine only calls it.
type AccessGuard interface {
	CheckAccess(ctx context.Context, actorID, contactID string) (bool, error)
}

// Refresher accepts out-of-band refresh requests. Satisfied by
// *scheduler.Scheduler.
type Refresher interface {
	NotifyPushEvent(evt model.PushEvent)
}

// Alert is the payload of alert.new_message events: a user-facing
// notification with a deep-link target.
type Alert struct {
	ID        string
	AccountID string
	ContactID string
	Preview   string
	Target    string
}

// DefaultDedupeWindow suppresses equivalent alerts for the same
// contact+account arriving close together.
const DefaultDedupeWindow = 30 * time.Second

// Router consumes inbound push events and turns them into cache
// invalidations, refresh requests, and access-checked user alerts.
// Events for contacts the actor cannot view are dropped silently: no
// alert, no invalidation, nothing an unauthorized viewer could observe.
type Router struct {
	actorID    string
	guard      AccessGuard
	cache      *cache.Cache
	refreshers map[string]Refresher // account ID -> scheduler
	bus        *bus.Bus
	logger     *zap.Logger

	window timeWindowOpts

	mu     sync.Mutex
	recent map[string]time.Time // contact|account -> last alert
	cancel context.CancelFunc
}

type timeWindowOpts struct {
	dedupe time.Duration
	now    func() time.Time
	// globalActive reports whether an equivalent session-global
	// notification channel already covers this alert.
	globalActive func() bool
}

// Option configures the Router.
type Option func(*Router)

// WithDedupeWindow overrides the alert suppression window.
func WithDedupeWindow(d time.Duration) Option {
	return func(r *Router) { r.window.dedupe = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.window.now = now }
}

// WithGlobalSuppression installs the session-global suppression check.
func WithGlobalSuppression(active func() bool) Option {
	return func(r *Router) { r.window.globalActive = active }
}

// NewRouter creates a notification router for one actor session.
func NewRouter(actorID string, guard AccessGuard, c *cache.Cache, b *bus.Bus, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		actorID:    actorID,
		guard:      guard,
		cache:      c,
		refreshers: make(map[string]Refresher),
		bus:        b,
		logger:     logger,
		window: timeWindowOpts{
			dedupe:       DefaultDedupeWindow,
			now:          time.Now,
			globalActive: func() bool { return false },
		},
		recent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register attaches the refresher for an account. Events for accounts
// with no registered refresher still invalidate and alert; they simply
// cannot request an early poll.
func (r *Router) Register(accountID string, ref Refresher) {
	r.mu.Lock()
	r.refreshers[accountID] = ref
	r.mu.Unlock()
}

// Start subscribes to push.* events on the bus and routes them until
// the context is cancelled.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				pe, ok := evt.Payload.(model.PushEvent)
				if !ok {
					continue
				}
				r.OnPushEvent(ctx, pe)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the router.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// OnPushEvent routes one inbound event. A failing guard counts as deny
// (fail closed); a panicking alert path must not crash the sync loop.
func (r *Router) OnPushEvent(ctx context.Context, evt model.PushEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("notification routing panicked", zap.Any("panic", rec))
		}
	}()

	allowed, err := r.guard.CheckAccess(ctx, r.actorID, evt.ContactID)
	if err != nil {
		r.logger.Warn("access check failed, dropping event", zap.Error(err))
		return
	}
	if !allowed {
		// Silent drop: logging the contact here would leak its
		// existence to whoever reads this actor's logs.
		return
	}

	r.cache.InvalidateAccount(evt.AccountID)

	r.mu.Lock()
	ref := r.refreshers[evt.AccountID]
	r.mu.Unlock()
	if ref != nil {
		ref.NotifyPushEvent(evt)
	}

	r.emitAlert(evt)
}

func (r *Router) emitAlert(evt model.PushEvent) {
	if r.window.globalActive() {
		// An equivalent session-global channel already shows this.
		return
	}

	key := evt.ContactID + "|" + evt.AccountID
	now := r.window.now()

	r.mu.Lock()
	if last, ok := r.recent[key]; ok && now.Sub(last) < r.window.dedupe {
		r.mu.Unlock()
		return
	}
	r.recent[key] = now
	r.mu.Unlock()

	r.bus.Publish(bus.Event{
		Kind:      bus.KindAlertNewMessage,
		Timestamp: now,
		Payload: Alert{
			ID:        uuid.New().String(),
			AccountID: evt.AccountID,
			ContactID: evt.ContactID,
			Preview:   evt.Preview,
			Target:    deepLink(evt),
		},
	})
}

// deepLink builds the in-app navigation target for an alert.
func deepLink(evt model.PushEvent) string {
	channel := "email"
	if evt.Type == model.PushNewSMS {
		channel = "sms"
	}
	return "commsync://" + channel + "/accounts/" + evt.AccountID + "/contacts/" + evt.ContactID
}
