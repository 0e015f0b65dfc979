package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so upserts can run
// standalone or inside the ingestor's bounded flush transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// UpsertEventIn inserts an event if it is not already stored, assigning
// the next per-conversation sequence number. Re-ingesting an existing
// event is a no-op: identity, content and the already-assigned seq are
// preserved. Returns the event's seq and whether a row was inserted.
func UpsertEventIn(q Querier, e *Event) (int64, bool, error) {
	var existing int64
	err := q.QueryRow(`SELECT seq FROM events WHERE id = ?`, e.ID).Scan(&existing)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("lookup event %s: %w", e.ID, err)
	}

	var next int64
	err = q.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE conversation_id = ?`,
		e.ConversationID).Scan(&next)
	if err != nil {
		return 0, false, fmt.Errorf("next seq for %s: %w", e.ConversationID, err)
	}

	_, err = q.Exec(`
		INSERT INTO events (id, conversation_id, seq, sender, event_type, rel_type, relates_to, content, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, next, e.Sender, e.Type, e.RelType, e.RelatesTo, e.Content, e.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return 0, false, fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return next, true, nil
}

// UpsertEvent is the single-statement variant of UpsertEventIn.
func (db *DB) UpsertEvent(e *Event) (int64, bool, error) {
	return UpsertEventIn(db.DB, e)
}

// QueryLatestEventForConversation returns the newest stored event for a
// conversation, or nil if the conversation has no events.
func (db *DB) QueryLatestEventForConversation(conversationID string) (*Event, error) {
	return latestEventIn(db.DB, conversationID)
}

func latestEventIn(q Querier, conversationID string) (*Event, error) {
	var e Event
	err := q.QueryRow(`
		SELECT rowid_pk, id, conversation_id, seq, sender, event_type, rel_type, relates_to, content, timestamp
		FROM events
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1`, conversationID).
		Scan(&e.RowID, &e.ID, &e.ConversationID, &e.Seq, &e.Sender, &e.Type, &e.RelType, &e.RelatesTo, &e.Content, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ReadEventsForConversation returns the most recent events for a
// conversation, newest first, using keyset pagination by timestamp.
func (db *DB) ReadEventsForConversation(conversationID string, beforeTs int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT rowid_pk, id, conversation_id, seq, sender, event_type, rel_type, relates_to, content, timestamp
		FROM events
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RowID, &e.ID, &e.ConversationID, &e.Seq, &e.Sender, &e.Type, &e.RelType, &e.RelatesTo, &e.Content, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
