package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/commsync/commsync/internal/bus"
	"github.com/commsync/commsync/internal/fetch"
	"github.com/commsync/commsync/internal/model"
	"go.uber.org/zap"
)

// State of the per-account polling loop.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
)

// RefreshFunc performs one refresh of the account's conversation state.
// It must respect context cancellation; the scheduler never runs two
// refreshes for the same account concurrently.
type RefreshFunc func(ctx context.Context) error

// Scheduler drives periodic background refresh for one account. Ticks
// are skipped while the user is actively interacting (the guard
// window); push events refresh immediately regardless, since confirmed
// new data is worth a repaint. A refresh that outlives the ceiling is
// treated as probably-still-succeeding: the scheduler publishes a
// non-blocking sync.in_progress signal and defers a re-check instead of
// piling a duplicate request on top.
type Scheduler struct {
	accountID string
	refresh   RefreshFunc
	bus       *bus.Bus
	logger    *zap.Logger

	interval time.Duration
	guard    time.Duration
	ceiling  time.Duration
	recheck  time.Duration
	now      func() time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	refreshing   bool
	cancel       context.CancelFunc

	kick chan kickReason
}

type kickReason string

const (
	kickPush    kickReason = "push"
	kickRecheck kickReason = "recheck"
)

// Options tunes the scheduler. Zero fields fall back to engine defaults.
type Options struct {
	Interval time.Duration
	Guard    time.Duration
	Ceiling  time.Duration
	Recheck  time.Duration
	Now      func() time.Time
}

// Engine default timings.
const (
	DefaultInterval = 30 * time.Second
	DefaultGuard    = 5 * time.Second
	DefaultCeiling  = 25 * time.Second
	DefaultRecheck  = 5 * time.Second
)

// New creates a scheduler for one account.
func New(accountID string, refresh RefreshFunc, b *bus.Bus, logger *zap.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Guard == 0 {
		opts.Guard = DefaultGuard
	}
	if opts.Ceiling == 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Recheck == 0 {
		opts.Recheck = DefaultRecheck
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		accountID: accountID,
		refresh:   refresh,
		bus:       b,
		logger:    logger,
		interval:  opts.Interval,
		guard:     opts.Guard,
		ceiling:   opts.Ceiling,
		recheck:   opts.Recheck,
		now:       opts.Now,
		state:     StateIdle,
		kick:      make(chan kickReason, 1),
	}
}

// State returns the current loop state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions idle -> polling and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("scheduler for %s already %s", s.accountID, s.state)
	}
	s.state = StatePolling
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	return nil
}

// Stop transitions polling -> idle, cancelling the ticker and any
// in-flight refresh.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePolling {
		return
	}
	s.state = StateIdle
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// NotifyUserActivity records user interaction; ticks inside the guard
// window are skipped so background refreshes never collide with active
// scrolling or filtering.
func (s *Scheduler) NotifyUserActivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// NotifyPushEvent requests an out-of-band refresh. Push events carry
// confirmed new data, so the activity guard does not apply.
func (s *Scheduler) NotifyPushEvent(evt model.PushEvent) {
	s.logger.Debug("push event requests refresh",
		zap.String("account_id", s.accountID),
		zap.String("type", evt.Type))
	s.requestKick(kickPush)
}

func (s *Scheduler) requestKick(reason kickReason) {
	select {
	case s.kick <- reason:
	default:
		// A kick is already queued; one refresh covers both.
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.withinGuard() {
				s.logger.Debug("tick skipped: user active", zap.String("account_id", s.accountID))
				continue
			}
			s.runRefresh(ctx, false)
		case <-s.kick:
			s.runRefresh(ctx, true)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) withinGuard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastActivity.IsZero() && s.now().Sub(s.lastActivity) < s.guard
}

// runRefresh executes one refresh, bounded by the ceiling. outOfBand
// marks push/recheck kicks, which defer rather than drop when a refresh
// is already running.
func (s *Scheduler) runRefresh(ctx context.Context, outOfBand bool) {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		if outOfBand {
			// Never a concurrent duplicate; try again shortly.
			s.scheduleRecheck()
		}
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.refresh(ctx) }()

	timer := time.NewTimer(s.ceiling)
	defer timer.Stop()

	select {
	case err := <-done:
		s.finishRefresh(err)
	case <-timer.C:
		// Exceeded the ceiling: probably still succeeding server-side.
		// Signal "still syncing" (not an error banner) and reconcile
		// whenever it lands; re-check shortly either way.
		s.logger.Warn("refresh exceeded ceiling",
			zap.String("account_id", s.accountID),
			zap.Duration("ceiling", s.ceiling))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSyncInProgress,
			Timestamp: s.now(),
			Payload:   s.accountID,
		})
		s.scheduleRecheck()
		go func() {
			s.finishRefresh(<-done)
		}()
	case <-ctx.Done():
		go func() {
			s.finishRefresh(<-done)
		}()
	}
}

func (s *Scheduler) finishRefresh(err error) {
	s.mu.Lock()
	s.refreshing = false
	s.mu.Unlock()

	switch {
	case err == nil:
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSyncRefreshed,
			Timestamp: s.now(),
			Payload:   s.accountID,
		})
	case errors.Is(err, fetch.ErrSuperseded), errors.Is(err, context.Canceled):
		// Expected control flow: a newer request or Stop() won.
	default:
		// Transient failures wait for the next tick; no inline retry.
		s.logger.Warn("refresh failed", zap.String("account_id", s.accountID), zap.Error(err))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSyncError,
			Timestamp: s.now(),
			Payload:   s.accountID,
		})
	}
}

func (s *Scheduler) scheduleRecheck() {
	time.AfterFunc(s.recheck, func() {
		s.mu.Lock()
		polling := s.state == StatePolling
		s.mu.Unlock()
		if polling {
			s.requestKick(kickRecheck)
		}
	})
}
