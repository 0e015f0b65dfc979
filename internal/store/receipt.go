package store

import (
	"database/sql"
	"time"
)

// UpsertReceiptIn stores a read marker. Latest wins per (conversation,
// user): the marker only moves forward in time.
func UpsertReceiptIn(q Querier, r *Receipt) error {
	_, err := q.Exec(`
		INSERT INTO receipts (conversation_id, user_id, event_id, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			event_id = excluded.event_id,
			timestamp = excluded.timestamp
		WHERE excluded.timestamp >= receipts.timestamp`,
		r.ConversationID, r.UserID, r.EventID, r.Timestamp)
	return err
}

// UpsertReceipt is the single-statement variant of UpsertReceiptIn.
func (db *DB) UpsertReceipt(r *Receipt) error {
	return UpsertReceiptIn(db.DB, r)
}

// ReadReceipts returns all read markers for a conversation.
func (db *DB) ReadReceipts(conversationID string) ([]Receipt, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, event_id, timestamp
		FROM receipts WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ConversationID, &r.UserID, &r.EventID, &r.Timestamp); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// SetCheckpoint updates a sync checkpoint value, e.g. the resume token
// of the last applied batch.
func (db *DB) SetCheckpoint(key, value string) error {
	return SetCheckpointIn(db.DB, key, value)
}

// SetCheckpointIn is the transactional variant of SetCheckpoint.
func SetCheckpointIn(q Querier, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := q.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value, or "" if unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
