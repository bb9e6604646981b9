package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/commsync/commsync/internal/bus"
	"github.com/commsync/commsync/internal/model"
	"github.com/commsync/commsync/internal/store"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	readTimeout    = 90 * time.Second

	// Reconnect replays only cover recent history, so seen-event records
	// older than this can never dedupe anything again.
	seenRetention = 7 * 24 * time.Hour
)

// frame is the wire shape of one push notification.
type frame struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	ContactID string `json:"contact_id"`
	Preview   string `json:"preview"`
}

// Client maintains a websocket subscription to the message store's
// push channel and republishes events on the internal bus. Push is a
// hint, not a source of truth: duplicates are dropped, gaps are
// covered by the regular poll, and a dead connection simply reconnects.
type Client struct {
	url    string
	token  string
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	dialer *websocket.Dialer
	cancel context.CancelFunc
}

// NewClient creates a push channel client.
func NewClient(url, token string, db *store.DB, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		token:  token,
		db:     db,
		bus:    b,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

// Start runs the connect/read/reconnect loop until Stop or context
// cancellation.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop closes the push channel.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("push channel dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.logger.Info("push channel connected", zap.String("url", c.url))
		backoff = initialBackoff
		c.pruneSeen()

		err = c.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("push channel disconnected", zap.Error(err))
	}
}

// pruneSeen drops dedupe records too old to matter, keeping the seen
// table bounded over the daemon's life. Runs on every (re)connect.
func (c *Client) pruneSeen() {
	n, err := c.db.PruneSeen(time.Now().Add(-seenRetention))
	if err != nil {
		c.logger.Warn("seen-event prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Debug("pruned seen events", zap.Int64("count", n))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("malformed push frame", zap.Error(err))
		return
	}

	var kind string
	switch f.Type {
	case model.PushNewEmail:
		kind = bus.KindPushNewEmail
	case model.PushNewSMS:
		kind = bus.KindPushNewSMS
	default:
		c.logger.Debug("ignoring push frame of unknown type", zap.String("type", f.Type))
		return
	}

	// Reconnects replay recent events; the seen table makes delivery
	// effectively once per event ID.
	if f.EventID != "" {
		first, err := c.db.MarkSeen(f.EventID)
		if err != nil {
			c.logger.Warn("seen-event check failed, delivering anyway", zap.Error(err))
		} else if !first {
			return
		}
	}

	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: model.PushEvent{
			EventID:   f.EventID,
			Type:      f.Type,
			AccountID: f.AccountID,
			ContactID: f.ContactID,
			Preview:   f.Preview,
		},
	})
}
