package store

// Conversation holds the stored per-conversation summary row. The
// summary fields (preview, sender, counters) are refreshed from the
// latest stored event, never from raw batch payloads.
type Conversation struct {
	ID             string
	Name           string
	UnreadCount    int
	HighlightCount int
	LastEventAt    int64
	LastPreview    string
	LastSender     string
}

// Event is a stored immutable event. Seq is the durable per-
// conversation sequence number assigned at first insert and preserved
// on re-ingestion.
type Event struct {
	RowID          int64
	ID             string
	ConversationID string
	Seq            int64
	Sender         string
	Type           string
	RelType        string
	RelatesTo      string
	Content        string
	Timestamp      int64
}

// Receipt is a stored read marker.
type Receipt struct {
	ConversationID string
	UserID         string
	EventID        string
	Timestamp      int64
}

// PendingRecord is a deferred per-conversation delta persisted while
// the app is backgrounded. Delta holds the coalesced JSON-encoded
// wire.ConversationDelta.
type PendingRecord struct {
	ConversationID string
	Delta          string
	UpdatedAt      int64
}
