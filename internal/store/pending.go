package store

import (
	"database/sql"
	"time"
)

// PersistPendingRecord stores a deferred per-conversation delta,
// replacing any previous record for the same conversation. The caller
// coalesces the old delta into the new one before writing.
func (db *DB) PersistPendingRecord(conversationID, delta string) error {
	_, err := db.Exec(`
		INSERT INTO pending_records (conversation_id, delta, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			delta = excluded.delta,
			updated_at = excluded.updated_at`,
		conversationID, delta, time.Now().UnixMilli())
	return err
}

// GetPendingRecord returns the pending record for a conversation, or
// nil if none exists.
func (db *DB) GetPendingRecord(conversationID string) (*PendingRecord, error) {
	var r PendingRecord
	err := db.QueryRow(`
		SELECT conversation_id, delta, updated_at FROM pending_records WHERE conversation_id = ?`,
		conversationID).Scan(&r.ConversationID, &r.Delta, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReadAllPendingRecords returns every pending record, oldest first.
func (db *DB) ReadAllPendingRecords() ([]PendingRecord, error) {
	rows, err := db.Query(`
		SELECT conversation_id, delta, updated_at FROM pending_records ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []PendingRecord
	for rows.Next() {
		var r PendingRecord
		if err := rows.Scan(&r.ConversationID, &r.Delta, &r.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountPendingRecords returns the number of conversations with a
// deferred delta.
func (db *DB) CountPendingRecords() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_records`).Scan(&n)
	return n, err
}

// ClearPendingRecordsIn deletes all pending records. Runs inside the
// flush transaction so records are destroyed atomically with being
// applied.
func ClearPendingRecordsIn(q Querier) error {
	_, err := q.Exec(`DELETE FROM pending_records`)
	return err
}

// ClearPendingRecords is the single-statement variant of
// ClearPendingRecordsIn.
func (db *DB) ClearPendingRecords() error {
	return ClearPendingRecordsIn(db.DB)
}
