package store

// OutboxEntry is a queued outbound message. Recipients are stored as a
// JSON array; client_msg_id carries the tmp: optimistic ID.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	AccountID      string
	ConversationID string
	Recipients     []string
	Subject        string
	BodyHTML       string
	BodyText       string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64
}

// Draft is unsent compose state scoped to a conversation or account.
// Best-effort and non-authoritative; losing one is an annoyance, not a
// correctness problem.
type Draft struct {
	Key       string
	Value     string
	UpdatedAt int64
}
