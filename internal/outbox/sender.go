package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/commsync/commsync/internal/bus"
	"github.com/commsync/commsync/internal/model"
	"github.com/commsync/commsync/internal/rest"
	"github.com/commsync/commsync/internal/store"
	"go.uber.org/zap"
)

// MessageSender is the slice of the message store API the outbox needs.
type MessageSender interface {
	SendMessage(ctx context.Context, req rest.SendRequest) (rest.SendResult, error)
}

// ErrNotRetryable is returned by Retry for entries that are not in a
// failed state.
var ErrNotRetryable = errors.New("outbox: entry is not failed")

// Sender drains the durable outbox and submits queued messages to the
// message store. Messages surface optimistically on the bus before the
// network round trip so the UI shows them immediately.
type Sender struct {
	db     *store.DB
	api    MessageSender
	bus    *bus.Bus
	logger *zap.Logger
	tick   time.Duration
	cancel context.CancelFunc
}

// Option configures the Sender.
type Option func(*Sender)

// WithTick overrides the outbox poll interval.
func WithTick(d time.Duration) Option {
	return func(s *Sender) { s.tick = d }
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, api MessageSender, b *bus.Bus, logger *zap.Logger, opts ...Option) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender{
		db:     db,
		api:    api,
		bus:    b,
		logger: logger,
		tick:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling the outbox for queued messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Retry flips a failed entry back to queued so the loop picks it up
// again. Only explicit user action retries; the sender never does so
// on its own.
func (s *Sender) Retry(clientMsgID string) error {
	ok, err := s.db.RequeueOutbox(clientMsgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRetryable
	}
	return nil
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains all currently queued entries once.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	// Optimistic surface: the message appears as pending before the
	// network call, identified by its tmp: client ID until the server
	// echo replaces it.
	optimistic := optimisticMessage(entry)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   optimistic,
	})

	result, err := s.api.SendMessage(ctx, rest.SendRequest{
		AccountID:      entry.AccountID,
		ConversationID: entry.ConversationID,
		To:             entry.Recipients,
		Subject:        entry.Subject,
		BodyHTML:       entry.BodyHTML,
		BodyText:       entry.BodyText,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-send: the entry stays in sending state and
			// is not marked failed.
			return
		}
		var timeoutErr *rest.TimeoutExceededError
		if errors.As(err, &timeoutErr) {
			// The send may have succeeded server-side. The entry stays
			// in sending and the optimistic copy stays pending; the next
			// refresh's echo match settles both, flipping to failed only
			// if the echo never arrives before the expiry window.
			s.logger.Warn("send timed out, awaiting server echo",
				zap.String("client_msg_id", entry.ClientMsgID))
			s.bus.Publish(bus.Event{
				Kind:      bus.KindSyncInProgress,
				Timestamp: time.Now(),
				Payload:   entry.AccountID,
			})
			return
		}
		s.fail(entry, optimistic, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, result.Message.ID, result.ConversationID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", result.Message.ID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Timestamp: time.Now(),
		Payload: SendAck{
			ClientMsgID:    entry.ClientMsgID,
			ServerMsgID:    result.Message.ID,
			ConversationID: result.ConversationID,
			Message:        result.Message,
		},
	})
}

func (s *Sender) fail(entry store.OutboxEntry, optimistic model.Message, err error) {
	s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	if dbErr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); dbErr != nil {
		s.logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("client_msg_id", entry.ClientMsgID))
	}

	failed := optimistic
	failed.Status = model.StatusFailed
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   failed,
	})
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: SendFailure{
			ClientMsgID:    entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			Err:            err,
		},
	})
}

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	ClientMsgID    string
	ServerMsgID    string
	ConversationID string
	Message        model.Message
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	ClientMsgID    string
	ConversationID string
	Err            error
}

func optimisticMessage(entry store.OutboxEntry) model.Message {
	created := time.UnixMilli(entry.CreatedAt)
	return model.Message{
		ID:             entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		Direction:      model.DirectionOutbound,
		To:             entry.Recipients,
		Subject:        entry.Subject,
		BodyHTML:       entry.BodyHTML,
		BodyText:       entry.BodyText,
		CreatedAt:      created,
		Status:         model.StatusPending,
	}
}
