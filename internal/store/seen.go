package store

import "time"

// MarkSeen records a push event ID. Returns true if this is the first
// time the event was seen; false means the event is a reconnect replay
// and must not be re-applied.
func (db *DB) MarkSeen(eventID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`INSERT OR IGNORE INTO seen_events (event_id, seen_at) VALUES (?, ?)`, eventID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PruneSeen deletes seen-event records older than the cutoff so the
// table stays bounded.
func (db *DB) PruneSeen(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM seen_events WHERE seen_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
