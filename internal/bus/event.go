package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." receives every message.* kind.
const (
	KindPushNewEmail = "push.new_email"
	KindPushNewSMS   = "push.new_sms"

	KindConversationUpdated = "conversation.updated"
	KindMessageUpserted     = "message.upserted"
	KindMessageSendAck      = "message.send_ack"
	KindMessageSendFailed   = "message.send_failed"

	KindSyncRefreshed  = "sync.refreshed"
	KindSyncInProgress = "sync.in_progress"
	KindSyncError      = "sync.error"

	KindAlertNewMessage = "alert.new_message"

	KindEngineStatusChanged = "engine.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
