package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// QueueOutbox adds an outbound message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO outbox (client_msg_id, account_id, conversation_id, recipients, subject, body_html, body_text, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.AccountID, e.ConversationID, string(recipients), e.Subject, e.BodyHTML, e.BodyText, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server
// message ID and the conversation the store filed it under.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID, conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', server_msg_id = ?, conversation_id = ?, updated_at = ?
		WHERE client_msg_id = ?`,
		serverMsgID, conversationID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// SettleOutboxSent marks a timed-out entry sent after a refresh's echo
// match confirmed the server accepted it. Only entries still in
// 'sending' transition; returns false when the entry already settled.
func (db *DB) SettleOutboxSent(clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'sent', updated_at = ?
		WHERE client_msg_id = ? AND status = 'sending'`,
		now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SettleOutboxFailed marks a timed-out entry failed after the echo wait
// expired with no server echo. Only entries still in 'sending'
// transition; returns false when the entry already settled.
func (db *DB) SettleOutboxFailed(clientMsgID, errMsg string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE client_msg_id = ? AND status = 'sending'`,
		errMsg, now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeueOutbox flips a failed entry back to 'queued' for an explicit
// user retry. Returns false if the entry does not exist or is not failed.
func (db *DB) RequeueOutbox(clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status = 'failed'`,
		now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, account_id, conversation_id, recipients, subject, body_html, body_text, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ListOutbox returns every outbox entry, newest first.
func (db *DB) ListOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, account_id, conversation_id, recipients, subject, body_html, body_text, status, error_message, server_msg_id, created_at
		FROM outbox ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetOutbox returns one entry by client message ID, or nil if missing.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, client_msg_id, account_id, conversation_id, recipients, subject, body_html, body_text, status, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	e, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var recipients string
	if err := row.Scan(&e.ID, &e.ClientMsgID, &e.AccountID, &e.ConversationID, &recipients,
		&e.Subject, &e.BodyHTML, &e.BodyText, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &e.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients for %s: %w", e.ClientMsgID, err)
	}
	return &e, nil
}
