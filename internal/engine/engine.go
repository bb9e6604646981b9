package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/commsync/commsync/internal/bus"
	"github.com/commsync/commsync/internal/cache"
	"github.com/commsync/commsync/internal/fetch"
	"github.com/commsync/commsync/internal/model"
	"github.com/commsync/commsync/internal/notify"
	"github.com/commsync/commsync/internal/outbox"
	"github.com/commsync/commsync/internal/reconcile"
	"github.com/commsync/commsync/internal/rest"
	"github.com/commsync/commsync/internal/scheduler"
	"github.com/commsync/commsync/internal/status"
	"github.com/commsync/commsync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPageSize is the conversation page requested by background
// refreshes.
const DefaultPageSize = 50

// StoreAPI is the slice of the message store client the engine uses.
// *rest.Client satisfies it; tests substitute fakes.
type StoreAPI interface {
	ListConversations(ctx context.Context, accountID string, f rest.Filters, p rest.Page) (rest.ConversationPage, error)
	ListMessages(ctx context.Context, conversationID string, p rest.Page) (rest.MessagePage, error)
	SendMessage(ctx context.Context, req rest.SendRequest) (rest.SendResult, error)
	UpdateConversationFlags(ctx context.Context, conversationID string, flags model.Flags) (model.Conversation, error)
}

// Runner is a background component with the engine's lifecycle.
// Satisfied by the push client and anything else Start drives.
type Runner interface {
	Start(ctx context.Context)
	Stop()
}

// Options configures an Engine.
type Options struct {
	Accounts  []model.Account
	Scheduler scheduler.Options
	// EchoTolerance overrides the optimistic echo-match window. Zero
	// keeps the reconciler default.
	EchoTolerance time.Duration
	// Router receives per-account schedulers for push-driven refresh.
	// Optional.
	Router *notify.Router
	// Push is the push channel client. Optional; without it the engine
	// runs degraded on polling alone.
	Push Runner
	// Cache lets the caller share the conversation cache with other
	// components (the notification router invalidates it on push).
	// Optional; the engine creates its own when nil.
	Cache *cache.Cache
}

// Engine is the conversation sync core: it owns the cache, arbitrates
// fetches, reconciles optimistic state against server reads, and drives
// per-account background refresh. UIs talk to the Engine and the bus;
// nothing else touches the cache or the store API.
type Engine struct {
	api     StoreAPI
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	arbiter *fetch.Arbiter
	cache   *cache.Cache
	rec     *reconcile.Reconciler
	machine *status.Machine
	sender  *outbox.Sender

	accounts []model.Account
	schedOpt scheduler.Options
	router   *notify.Router
	push     Runner

	mu           sync.Mutex
	schedulers   map[string]*scheduler.Scheduler
	pendingFlags map[string]model.Flags // conversation ID -> unconfirmed flag writes
	msgLocks     map[string]*sync.Mutex // conversation ID -> message cache writer lock
	cancel       context.CancelFunc
}

// New assembles an engine. Call Start to bring it up.
func New(api StoreAPI, db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	recOpts := []reconcile.Option{}
	if opts.EchoTolerance > 0 {
		recOpts = append(recOpts, reconcile.WithTolerance(opts.EchoTolerance))
	}
	c := opts.Cache
	if c == nil {
		c = cache.New()
	}
	return &Engine{
		api:          api,
		db:           db,
		bus:          b,
		logger:       logger,
		arbiter:      fetch.NewArbiter(),
		cache:        c,
		rec:          reconcile.New(logger, recOpts...),
		machine:      status.NewMachine(b),
		sender:       outbox.NewSender(db, api, b, logger),
		accounts:     opts.Accounts,
		schedOpt:     opts.Scheduler,
		router:       opts.Router,
		push:         opts.Push,
		schedulers:   make(map[string]*scheduler.Scheduler),
		pendingFlags: make(map[string]model.Flags),
		msgLocks:     make(map[string]*sync.Mutex),
	}
}

// Status returns the engine's current runtime state.
func (e *Engine) Status() status.State {
	return e.machine.Current()
}

// Accounts returns the configured accounts.
func (e *Engine) Accounts() []model.Account {
	return e.accounts
}

// Start brings up the push channel, outbox sender, notification router,
// and one scheduler per account, then runs the initial catch-up fetch.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.machine.Transition(status.Connecting); err != nil {
		cancel()
		return err
	}
	if e.push != nil {
		e.push.Start(ctx)
	}
	if e.router != nil {
		e.router.Start(ctx)
	}
	e.sender.Start(ctx)

	if err := e.machine.Transition(status.Syncing); err != nil {
		cancel()
		return err
	}

	for _, acct := range e.accounts {
		acct := acct
		sched := scheduler.New(acct.ID, func(ctx context.Context) error {
			return e.refreshAccount(ctx, acct)
		}, e.bus, e.logger, e.schedOpt)
		e.mu.Lock()
		e.schedulers[acct.ID] = sched
		e.mu.Unlock()
		if e.router != nil {
			e.router.Register(acct.ID, sched)
		}
		if err := sched.Start(ctx); err != nil {
			cancel()
			return err
		}
	}

	go e.consumeMessageEvents(ctx)
	go e.initialSync(ctx)
	return nil
}

// consumeMessageEvents folds outbox activity into the message cache so
// optimistic copies are visible to readers and to echo matching.
func (e *Engine) consumeMessageEvents(ctx context.Context) {
	ch, unsub := e.bus.Subscribe("message.", 256)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			e.handleMessageEvent(evt)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleMessageEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		msg, ok := evt.Payload.(model.Message)
		if !ok || msg.ConversationID == "" {
			return
		}
		e.upsertCachedMessage(msg.ConversationID, msg)
	case bus.KindMessageSendAck:
		ack, ok := evt.Payload.(outbox.SendAck)
		if !ok || ack.ConversationID == "" {
			return
		}
		e.replaceCachedMessage(ack.ConversationID, ack.ClientMsgID, ack.Message)
	}
}

// lockMessages returns the writer lock for one conversation's message
// cache. The event consumer and LoadMessages both read-modify-write the
// same entry; an optimistic upsert landing between another writer's read
// and write would otherwise be lost.
func (e *Engine) lockMessages(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.msgLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		e.msgLocks[conversationID] = mu
	}
	return mu
}

func (e *Engine) upsertCachedMessage(conversationID string, msg model.Message) {
	mu := e.lockMessages(conversationID)
	mu.Lock()
	defer mu.Unlock()

	entry, _ := e.cache.GetMessages(conversationID)
	// Copy before mutating; handed-out entries share the backing array.
	msgs := slices.Clone(entry.Messages)
	replaced := false
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = append(msgs, msg)
	}
	entry.Messages = msgs
	e.cache.SetMessages(conversationID, entry)
	e.publishUpdated(conversationID)
}

// replaceCachedMessage swaps an optimistic copy for its confirmed
// server message.
func (e *Engine) replaceCachedMessage(conversationID, clientMsgID string, confirmed model.Message) {
	mu := e.lockMessages(conversationID)
	mu.Lock()
	defer mu.Unlock()

	entry, _ := e.cache.GetMessages(conversationID)
	out := make([]model.Message, 0, len(entry.Messages)+1)
	for _, m := range entry.Messages {
		if m.ID == clientMsgID || m.ID == confirmed.ID {
			continue
		}
		out = append(out, m)
	}
	entry.Messages = append(out, confirmed)
	e.cache.SetMessages(conversationID, entry)
	e.publishUpdated(conversationID)
}

// initialSync runs the first refresh for every account, then reports
// ready. Individual account failures degrade instead of failing start.
func (e *Engine) initialSync(ctx context.Context) {
	failed := 0
	for _, acct := range e.accounts {
		if ctx.Err() != nil {
			return
		}
		if err := e.refreshAccount(ctx, acct); err != nil {
			e.logger.Warn("initial sync failed", zap.String("account_id", acct.ID), zap.Error(err))
			failed++
		}
	}
	if failed == len(e.accounts) && len(e.accounts) > 0 {
		_ = e.machine.Transition(status.Degraded)
		return
	}
	_ = e.machine.Transition(status.Ready)
}

// Stop shuts everything down. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	scheds := make([]*scheduler.Scheduler, 0, len(e.schedulers))
	for _, s := range e.schedulers {
		scheds = append(scheds, s)
	}
	e.mu.Unlock()

	for _, s := range scheds {
		s.Stop()
	}
	for _, acct := range e.accounts {
		e.arbiter.CancelAccount(acct.ID)
	}
	e.sender.Stop()
	if e.router != nil {
		e.router.Stop()
	}
	if e.push != nil {
		e.push.Stop()
	}
	if cancel != nil {
		cancel()
	}
	_ = e.machine.Transition(status.Stopped)
}

// CachedConversations returns the stale-but-paintable entry for a key,
// if one exists. Callers render it immediately and follow up with
// LoadConversations.
func (e *Engine) CachedConversations(key fetch.Key) (cache.Entry, bool) {
	return e.cache.Get(key)
}

// CachedMessages returns the cached message list for a conversation.
func (e *Engine) CachedMessages(conversationID string) (cache.MessageEntry, bool) {
	return e.cache.GetMessages(conversationID)
}

// LoadConversations fetches the conversation list for a key. Re-issuing
// a key supersedes the previous in-flight call; the superseded caller
// gets fetch.ErrSuperseded and must not render. Only the winning result
// is reconciled into the cache.
func (e *Engine) LoadConversations(ctx context.Context, key fetch.Key) (cache.Entry, error) {
	entry, err := fetch.Do(e.arbiter, ctx, key, func(ctx context.Context) (cache.Entry, error) {
		page, err := e.api.ListConversations(ctx, key.AccountID, rest.Filters{
			Search: key.Search,
			View:   key.View,
			From:   key.From,
			To:     key.To,
		}, rest.Page{Limit: key.Limit, Offset: key.Offset})
		if err != nil {
			return cache.Entry{}, err
		}
		e.confirmPending(page.Conversations)
		merged := e.rec.MergeConversations(page.Conversations, e.pendingSnapshot())
		return cache.Entry{
			Conversations: merged,
			Total:         page.Total,
			HasMore:       page.HasMore,
			FetchedAt:     time.Now(),
		}, nil
	})
	if err != nil {
		return entry, err
	}
	e.cache.Set(key, entry)
	e.publishUpdated(key.AccountID)
	return entry, nil
}

// LoadMessages fetches one conversation's messages and reconciles them
// with cached state, including optimistic sends awaiting their server
// echo. Paginated loads extend the cached list; offset-zero loads
// replace it.
func (e *Engine) LoadMessages(ctx context.Context, channel model.Channel, accountID, conversationID string, p rest.Page) (cache.MessageEntry, error) {
	key := fetch.MessagesKey(channel, accountID, conversationID, p.Limit, p.Offset)
	page, err := fetch.Do(e.arbiter, ctx, key, func(ctx context.Context) (rest.MessagePage, error) {
		return e.api.ListMessages(ctx, conversationID, p)
	})
	if err != nil {
		return cache.MessageEntry{}, err
	}

	// Merge against local state read under the writer lock, so an
	// optimistic upsert arriving mid-merge is folded in, never dropped.
	mu := e.lockMessages(conversationID)
	mu.Lock()
	local, _ := e.cache.GetMessages(conversationID)
	entry := cache.MessageEntry{
		Messages:  e.rec.MergeMessages(local.Messages, page.Messages, !key.Paginated()),
		HasMore:   page.HasMore,
		FetchedAt: time.Now(),
	}
	e.cache.SetMessages(conversationID, entry)
	mu.Unlock()

	e.settleOutbox(conversationID, local.Messages, entry.Messages)
	e.advanceCursor(accountID, entry.Messages)
	e.publishUpdated(conversationID)
	return entry, nil
}

// settleOutbox resolves entries whose sends timed out mid-flight using
// the merge verdict: an echo retiring the optimistic copy means the
// server accepted the send; the expiry flip to failed means it never
// arrived. Entries that already settled through the ack path are left
// alone.
func (e *Engine) settleOutbox(conversationID string, before, after []model.Message) {
	var afterStatus map[string]model.MessageStatus
	for i := range before {
		m := &before[i]
		if !m.Optimistic() || m.Status != model.StatusPending {
			continue
		}
		if afterStatus == nil {
			afterStatus = make(map[string]model.MessageStatus, len(after))
			for _, a := range after {
				afterStatus[a.ID] = a.Status
			}
		}
		st, present := afterStatus[m.ID]
		switch {
		case !present:
			if _, err := e.db.SettleOutboxSent(m.ID); err != nil {
				e.logger.Warn("outbox settle failed", zap.String("client_msg_id", m.ID), zap.Error(err))
			}
		case st == model.StatusFailed:
			settled, err := e.db.SettleOutboxFailed(m.ID, "no server echo before expiry")
			if err != nil {
				e.logger.Warn("outbox settle failed", zap.String("client_msg_id", m.ID), zap.Error(err))
				continue
			}
			if settled {
				e.bus.Publish(bus.Event{
					Kind:      bus.KindMessageSendFailed,
					Timestamp: time.Now(),
					Payload: outbox.SendFailure{
						ClientMsgID:    m.ID,
						ConversationID: conversationID,
						Err:            errors.New("no server echo before expiry"),
					},
				})
			}
		}
	}
}

// Send validates and queues an outbound message, returning the client
// message ID the optimistic copy will carry until the server echo
// replaces it. The actual network send happens asynchronously in the
// outbox sender.
func (e *Engine) Send(ctx context.Context, req rest.SendRequest) (string, error) {
	if len(req.To) == 0 {
		return "", &rest.ValidationError{Field: "to", Reason: "at least one recipient required"}
	}
	if strings.TrimSpace(req.BodyText) == "" && strings.TrimSpace(req.BodyHTML) == "" {
		return "", &rest.ValidationError{Field: "body", Reason: "message body is empty"}
	}

	clientID := model.OptimisticIDPrefix + uuid.New().String()
	if err := e.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID:    clientID,
		AccountID:      req.AccountID,
		ConversationID: req.ConversationID,
		Recipients:     req.To,
		Subject:        req.Subject,
		BodyHTML:       req.BodyHTML,
		BodyText:       req.BodyText,
	}); err != nil {
		return "", err
	}
	_ = e.db.RemoveDraft(DraftKey(req.AccountID, req.ConversationID))
	// Nudge the sender so the optimistic copy surfaces without waiting
	// for its next tick.
	go e.sender.ProcessPending(context.WithoutCancel(ctx))
	return clientID, nil
}

// RetrySend requeues a failed send. Sends are never retried without an
// explicit user action.
func (e *Engine) RetrySend(clientMsgID string) error {
	return e.sender.Retry(clientMsgID)
}

// SetFlags applies a flag update optimistically and pushes it to the
// store. The cached copies repaint immediately; the pending override
// survives concurrent refreshes until a server read confirms it. On
// failure the optimistic state is rolled back by invalidating the
// account's cache.
func (e *Engine) SetFlags(ctx context.Context, accountID, conversationID string, flags model.Flags) error {
	if flags.Empty() {
		return nil
	}

	e.mu.Lock()
	e.pendingFlags[conversationID] = flags
	e.mu.Unlock()

	e.cache.Patch(conversationID, func(c *model.Conversation) { applyFlags(c, flags) })
	e.publishUpdated(conversationID)

	if _, err := e.api.UpdateConversationFlags(ctx, conversationID, flags); err != nil {
		e.mu.Lock()
		delete(e.pendingFlags, conversationID)
		e.mu.Unlock()
		e.cache.InvalidateAccount(accountID)
		e.publishUpdated(conversationID)
		return err
	}
	if flags.DeletedAt != nil {
		// Soft delete confirmed: the thread's messages are no longer
		// reachable, so drop their cache entry.
		e.cache.InvalidateMessages(conversationID)
	}
	return nil
}

// NotifyUserActivity marks the account's user as active, deferring
// background refresh ticks inside the guard window.
func (e *Engine) NotifyUserActivity(accountID string) {
	e.mu.Lock()
	sched := e.schedulers[accountID]
	e.mu.Unlock()
	if sched != nil {
		sched.NotifyUserActivity()
	}
}

// Refresh requests an immediate out-of-band refresh for an account.
func (e *Engine) Refresh(accountID string) {
	e.mu.Lock()
	sched := e.schedulers[accountID]
	e.mu.Unlock()
	if sched != nil {
		sched.NotifyPushEvent(model.PushEvent{AccountID: accountID})
	}
}

// SaveDraft persists compose state for a conversation (or the account's
// new-message composer when conversationID is empty).
func (e *Engine) SaveDraft(accountID, conversationID, body string) error {
	return e.db.SaveDraft(DraftKey(accountID, conversationID), body)
}

// GetDraft returns saved compose state, if any.
func (e *Engine) GetDraft(accountID, conversationID string) (string, bool, error) {
	return e.db.GetDraft(DraftKey(accountID, conversationID))
}

// DiscardDraft removes saved compose state.
func (e *Engine) DiscardDraft(accountID, conversationID string) error {
	return e.db.RemoveDraft(DraftKey(accountID, conversationID))
}

// DraftKey is the store key for one composer's draft.
func DraftKey(accountID, conversationID string) string {
	if conversationID == "" {
		return accountID + "/compose"
	}
	return accountID + "/" + conversationID
}

// refreshAccount is the scheduler's refresh function: one default inbox
// fetch whose result lands in the cache via the usual reconcile path.
func (e *Engine) refreshAccount(ctx context.Context, acct model.Account) error {
	key := fetch.Key{
		Channel:   acct.Channel,
		AccountID: acct.ID,
		View:      fetch.ViewInbox,
		Limit:     DefaultPageSize,
	}
	_, err := e.LoadConversations(ctx, key)
	return err
}

func (e *Engine) advanceCursor(accountID string, msgs []model.Message) {
	cur, err := e.db.GetCursor(accountID)
	if err != nil {
		e.logger.Warn("cursor read failed", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	cur.AccountID = accountID
	next := e.rec.AdvanceCursor(cur, msgs)
	if next == cur {
		return
	}
	if err := e.db.UpsertCursor(next); err != nil {
		e.logger.Warn("cursor write failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (e *Engine) pendingSnapshot() map[string]model.Flags {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingFlags) == 0 {
		return nil
	}
	out := make(map[string]model.Flags, len(e.pendingFlags))
	for id, f := range e.pendingFlags {
		out[id] = f
	}
	return out
}

// confirmPending drops pending flag overrides the server has caught up
// with.
func (e *Engine) confirmPending(remote []model.Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, conv := range remote {
		f, ok := e.pendingFlags[conv.ID]
		if !ok {
			continue
		}
		if flagsConfirmed(conv, f) {
			delete(e.pendingFlags, conv.ID)
		}
	}
}

func flagsConfirmed(conv model.Conversation, f model.Flags) bool {
	if f.Starred != nil && conv.Starred != *f.Starred {
		return false
	}
	if f.Archived != nil && conv.Archived != *f.Archived {
		return false
	}
	if f.DeletedAt != nil && conv.DeletedAt == nil {
		return false
	}
	return true
}

func applyFlags(c *model.Conversation, f model.Flags) {
	if f.Starred != nil {
		c.Starred = *f.Starred
	}
	if f.Archived != nil {
		c.Archived = *f.Archived
	}
	if f.DeletedAt != nil {
		c.DeletedAt = f.DeletedAt
	}
}

func (e *Engine) publishUpdated(id string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   id,
	})
}

