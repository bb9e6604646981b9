package store

import (
	"database/sql"
	"time"

	"github.com/commsync/commsync/internal/model"
)

// UpsertCursor persists the per-account sync cursor.
func (db *DB) UpsertCursor(cur model.SyncCursor) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_cursors (account_id, last_message_at, last_message_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_message_at = excluded.last_message_at,
			last_message_id = excluded.last_message_id,
			updated_at = excluded.updated_at`,
		cur.AccountID, cur.LastMessageAt.UnixMilli(), cur.LastMessageID, now)
	return err
}

// GetCursor returns the cursor for an account. A zero cursor (never
// synced) is returned without error.
func (db *DB) GetCursor(accountID string) (model.SyncCursor, error) {
	var ms int64
	var id string
	err := db.QueryRow(`
		SELECT last_message_at, last_message_id FROM sync_cursors WHERE account_id = ?`,
		accountID).Scan(&ms, &id)
	if err == sql.ErrNoRows {
		return model.SyncCursor{AccountID: accountID}, nil
	}
	if err != nil {
		return model.SyncCursor{}, err
	}
	return model.SyncCursor{
		AccountID:     accountID,
		LastMessageAt: time.UnixMilli(ms).UTC(),
		LastMessageID: id,
	}, nil
}
