package store

import (
	"database/sql"
	"time"
)

// SaveDraft stores unsent compose state under a conversation- or
// account-scoped key.
func (db *DB) SaveDraft(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO drafts (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetDraft returns the draft under key, or ok=false if none exists.
func (db *DB) GetDraft(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM drafts WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// RemoveDraft deletes the draft under key. Removing a missing draft is
// not an error.
func (db *DB) RemoveDraft(key string) error {
	_, err := db.Exec(`DELETE FROM drafts WHERE key = ?`, key)
	return err
}

// ListDraftKeys returns all draft keys, oldest first.
func (db *DB) ListDraftKeys() ([]string, error) {
	rows, err := db.Query(`SELECT key FROM drafts ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PurgeDrafts deletes every draft and returns how many were removed.
func (db *DB) PurgeDrafts() (int64, error) {
	res, err := db.Exec(`DELETE FROM drafts`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
