package store

import (
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// UpsertConversationStateIn applies a conversation's metadata delta.
// Counters are absolute values from the server, so re-applying the same
// delta never double-counts. An empty name keeps the stored one.
func UpsertConversationStateIn(q Querier, c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := q.Exec(`
		INSERT INTO conversations (id, name, unread_count, highlight_count, last_event_at, last_preview, last_sender, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			unread_count = excluded.unread_count,
			highlight_count = excluded.highlight_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.UnreadCount, c.HighlightCount, c.LastEventAt, c.LastPreview, c.LastSender, now)
	return err
}

// UpsertConversationState is the single-statement variant of
// UpsertConversationStateIn.
func (db *DB) UpsertConversationState(c *Conversation) error {
	return UpsertConversationStateIn(db.DB, c)
}

// RefreshSummaryIn recomputes a conversation's summary fields from the
// latest stored event. Storage is authoritative: the raw batch payload
// is never consulted.
func RefreshSummaryIn(q Querier, conversationID string) error {
	latest, err := latestEventIn(q, conversationID)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	preview := previewText(latest.Content)
	_, err = q.Exec(`
		UPDATE conversations
		SET last_event_at = ?, last_preview = ?, last_sender = ?, updated_at = ?
		WHERE id = ?`,
		latest.Timestamp, preview, latest.Sender, time.Now().UnixMilli(), conversationID)
	return err
}

const previewLimit = 100

// previewText derives a conversation preview from an event's content
// payload. The body field is preferred over the raw JSON, and long
// previews are cut on a rune boundary so the result stays valid UTF-8.
func previewText(content string) string {
	if body := gjson.Get(content, "body"); body.Exists() {
		content = body.String()
	}
	if len(content) <= previewLimit {
		return content
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

// RefreshSummary is the single-statement variant of RefreshSummaryIn.
func (db *DB) RefreshSummary(conversationID string) error {
	return RefreshSummaryIn(db.DB, conversationID)
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, name, unread_count, highlight_count, last_event_at, last_preview, last_sender
		FROM conversations
		WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.UnreadCount, &c.HighlightCount, &c.LastEventAt, &c.LastPreview, &c.LastSender)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last event
// timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, unread_count, highlight_count, last_event_at, last_preview, last_sender
		FROM conversations
		ORDER BY last_event_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.UnreadCount, &c.HighlightCount, &c.LastEventAt, &c.LastPreview, &c.LastSender); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
