package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/commsync/commsync/internal/model"
	"go.uber.org/zap"
)

// DefaultRequestTimeout sits below the scheduler's refresh ceiling so a
// hung request surfaces as TimeoutExceeded before the scheduler gives up
// on the whole refresh.
const DefaultRequestTimeout = 20 * time.Second

// Filters narrows a conversation listing.
type Filters struct {
	Search string
	View   string
	From   time.Time
	To     time.Time
}

// Page is offset pagination. A zero Page means "everything", which the
// store caps server-side.
type Page struct {
	Limit  int
	Offset int
}

// ConversationPage is the result of a conversation listing.
type ConversationPage struct {
	Conversations []model.Conversation
	Total         int
	HasMore       bool
}

// MessagePage is the result of a message listing.
type MessagePage struct {
	Messages []model.Message
	HasMore  bool
}

// SendRequest describes an outbound message. ConversationID is empty for
// the first message to a new contact; the store creates the conversation
// implicitly and reports its ID back.
type SendRequest struct {
	AccountID      string
	ConversationID string
	To             []string
	Subject        string
	BodyHTML       string
	BodyText       string
}

// SendResult is the server's acknowledgment of a send.
type SendResult struct {
	Message        model.Message
	ConversationID string
}

// Client talks to the message store's REST API. It is a thin request
// layer with no caching or retries; those belong to the engine above it.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewClient creates a message store client for the given base URL.
func NewClient(baseURL, token string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    u,
		token:   token,
		http:    &http.Client{},
		logger:  logger,
		timeout: DefaultRequestTimeout,
	}, nil
}

// ListConversations fetches one page of conversations for an account.
func (c *Client) ListConversations(ctx context.Context, accountID string, f Filters, p Page) (ConversationPage, error) {
	q := url.Values{}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.View != "" {
		q.Set("view", f.View)
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.UTC().Format(time.RFC3339))
	}
	addPage(q, p)

	var body struct {
		Conversations []conversationJSON `json:"conversations"`
		Total         int                `json:"total"`
		HasMore       bool               `json:"hasMore"`
	}
	path := "/accounts/" + url.PathEscape(accountID) + "/conversations"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &body); err != nil {
		return ConversationPage{}, err
	}

	out := ConversationPage{Total: body.Total, HasMore: body.HasMore}
	for _, cj := range body.Conversations {
		out.Conversations = append(out.Conversations, cj.toModel())
	}
	return out, nil
}

// ListMessages fetches one page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, p Page) (MessagePage, error) {
	q := url.Values{}
	addPage(q, p)

	var body struct {
		Messages []messageJSON `json:"messages"`
		HasMore  bool          `json:"hasMore"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &body); err != nil {
		return MessagePage{}, err
	}

	out := MessagePage{HasMore: body.HasMore}
	for _, mj := range body.Messages {
		out.Messages = append(out.Messages, mj.toModel())
	}
	return out, nil
}

// SendMessage submits an outbound message. Local validation runs first
// so obviously broken requests never reach the wire.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	if len(req.To) == 0 {
		return SendResult{}, &ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}
	if req.BodyText == "" && req.BodyHTML == "" {
		return SendResult{}, &ValidationError{Field: "body", Reason: "message body is empty"}
	}

	payload := map[string]any{
		"accountId": req.AccountID,
		"to":        req.To,
		"subject":   req.Subject,
		"bodyHtml":  req.BodyHTML,
		"bodyText":  req.BodyText,
	}
	if req.ConversationID != "" {
		payload["conversationId"] = req.ConversationID
	}

	var body struct {
		Message        messageJSON `json:"message"`
		ConversationID string      `json:"conversationId"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", nil, payload, &body); err != nil {
		return SendResult{}, err
	}
	return SendResult{Message: body.Message.toModel(), ConversationID: body.ConversationID}, nil
}

// UpdateConversationFlags applies a partial flag update and returns the
// conversation as the server now sees it.
func (c *Client) UpdateConversationFlags(ctx context.Context, conversationID string, flags model.Flags) (model.Conversation, error) {
	payload := map[string]any{}
	if flags.Starred != nil {
		payload["starred"] = *flags.Starred
	}
	if flags.Archived != nil {
		payload["archived"] = *flags.Archived
	}
	if flags.DeletedAt != nil {
		payload["deletedAt"] = flags.DeletedAt.UTC().Format(time.RFC3339)
	}

	var body struct {
		Conversation conversationJSON `json:"conversation"`
	}
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodPatch, path, nil, payload, &body); err != nil {
		return model.Conversation{}, err
	}
	return body.Conversation.toModel(), nil
}

func addPage(q url.Values, p Page) {
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
}

// do performs one request and decodes the response, mapping HTTP
// failures onto the typed error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path, _ = url.JoinPath(c.base.Path, path)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	op := method + " " + path
	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransportErr(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.errorFromResponse(op, method, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// errorFromResponse maps an HTTP error status to a typed error. Send
// requests map 5xx to TransportError (the send backend rejected or was
// unreachable); reads map 5xx to NetworkError (transient, next tick
// retries).
func (c *Client) errorFromResponse(op, method string, resp *http.Response) error {
	var apiErr struct {
		Field  string `json:"field"`
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &apiErr)
	if apiErr.Reason == "" {
		apiErr.Reason = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &ValidationError{Field: apiErr.Field, Reason: apiErr.Reason}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AccessDeniedError{Resource: op}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return &TimeoutExceededError{Op: op}
	case resp.StatusCode >= 500 && method == http.MethodPost:
		return &TransportError{StatusCode: resp.StatusCode, Reason: apiErr.Reason}
	default:
		return &NetworkError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, apiErr.Reason)}
	}
}

// conversationJSON and messageJSON are the store's wire shapes.

type conversationJSON struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"accountId"`
	ContactID     string     `json:"contactId"`
	LastSubject   string     `json:"lastSubject"`
	LastPreview   string     `json:"lastPreview"`
	LastMessageAt time.Time  `json:"lastMessageAt"`
	LastDirection string     `json:"lastDirection"`
	MessageCount  int        `json:"messageCount"`
	UnreadCount   int        `json:"unreadCount"`
	Starred       bool       `json:"starred"`
	Archived      bool       `json:"archived"`
	DeletedAt     *time.Time `json:"deletedAt"`
}

func (cj conversationJSON) toModel() model.Conversation {
	return model.Conversation{
		ID:            cj.ID,
		AccountID:     cj.AccountID,
		ContactID:     cj.ContactID,
		LastSubject:   cj.LastSubject,
		LastPreview:   cj.LastPreview,
		LastMessageAt: cj.LastMessageAt,
		LastDirection: model.Direction(cj.LastDirection),
		MessageCount:  cj.MessageCount,
		UnreadCount:   cj.UnreadCount,
		Starred:       cj.Starred,
		Archived:      cj.Archived,
		DeletedAt:     cj.DeletedAt,
	}
}

type messageJSON struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Direction      string     `json:"direction"`
	From           string     `json:"from"`
	To             []string   `json:"to"`
	Subject        string     `json:"subject"`
	BodyHTML       string     `json:"bodyHtml"`
	BodyText       string     `json:"bodyText"`
	SentAt         *time.Time `json:"sentAt"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	OpenedAt       *time.Time `json:"openedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	Status         string     `json:"status"`
}

func (mj messageJSON) toModel() model.Message {
	return model.Message{
		ID:             mj.ID,
		ConversationID: mj.ConversationID,
		Direction:      model.Direction(mj.Direction),
		From:           mj.From,
		To:             mj.To,
		Subject:        mj.Subject,
		BodyHTML:       mj.BodyHTML,
		BodyText:       mj.BodyText,
		SentAt:         mj.SentAt,
		DeliveredAt:    mj.DeliveredAt,
		OpenedAt:       mj.OpenedAt,
		CreatedAt:      mj.CreatedAt,
		Status:         model.MessageStatus(mj.Status),
	}
}
