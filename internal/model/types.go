package model

import (
	"strings"
	"time"
)

// Channel identifies a communication channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Direction of a message relative to the account owner.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Health describes a configured account's connection health.
type Health string

const (
	HealthActive   Health = "active"
	HealthInactive Health = "inactive"
	HealthError    Health = "error"
)

// Account is a configured channel identity (email address or phone number).
// Accounts are owned by the tenant and read-only to the engine.
type Account struct {
	ID      string
	Label   string
	Channel Channel
	Default bool
	Health  Health
}

// Conversation is the unit of threading: one account paired with one contact.
// At most one live (non-deleted) conversation exists per (account, contact).
type Conversation struct {
	ID            string
	AccountID     string
	ContactID     string
	LastSubject   string
	LastPreview   string
	LastMessageAt time.Time
	LastDirection Direction
	MessageCount  int
	UnreadCount   int
	Starred       bool
	Archived      bool
	DeletedAt     *time.Time
}

// Deleted reports whether the conversation has been soft-deleted.
func (c *Conversation) Deleted() bool {
	return c.DeletedAt != nil
}

// MessageStatus is the delivery status of a message. Pending and failed
// apply only to engine-owned optimistic messages; the server never
// reports them.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusPending   MessageStatus = "pending"
)

// OptimisticIDPrefix marks client-generated message IDs that have no
// server counterpart yet.
const OptimisticIDPrefix = "tmp:"

// Message is an individual email or SMS. Immutable once persisted
// server-side; the engine may hold a transient optimistic message
// (tmp: ID, status pending) until the server echo arrives.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	From           string
	To             []string
	Subject        string
	BodyHTML       string
	BodyText       string
	SentAt         *time.Time
	DeliveredAt    *time.Time
	OpenedAt       *time.Time
	CreatedAt      time.Time
	Status         MessageStatus
}

// Optimistic reports whether the message is a locally synthesized one
// awaiting server confirmation.
func (m *Message) Optimistic() bool {
	return strings.HasPrefix(m.ID, OptimisticIDPrefix)
}

// EffectiveTime returns the timestamp used for ordering: sent, then
// delivered, then local creation time.
func (m *Message) EffectiveTime() time.Time {
	if m.SentAt != nil {
		return *m.SentAt
	}
	if m.DeliveredAt != nil {
		return *m.DeliveredAt
	}
	return m.CreatedAt
}

// Flags is a partial update to a conversation's user-set flags. Nil
// fields are left untouched.
type Flags struct {
	Starred   *bool
	Archived  *bool
	DeletedAt *time.Time
}

// Empty reports whether the update changes nothing.
func (f Flags) Empty() bool {
	return f.Starred == nil && f.Archived == nil && f.DeletedAt == nil
}

// SyncCursor records the last-seen message per account so a refresh can
// decide "new since last sync" without re-scanning history.
type SyncCursor struct {
	AccountID     string
	LastMessageAt time.Time
	LastMessageID string
}

// Push event types delivered over the push channel.
const (
	PushNewEmail = "new_email"
	PushNewSMS   = "new_sms"
)

// PushEvent is a server-initiated notification of new inbound data.
type PushEvent struct {
	EventID   string
	Type      string
	AccountID string
	ContactID string
	Preview   string
}
