package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace
// prefix, e.g. "conn." receives every connection lifecycle event.
const (
	KindStateChanged    = "conn.state_changed"
	KindConnFailed      = "conn.failed"
	KindBatchApplied    = "sync.batch_applied"
	KindBatchDeferred   = "sync.batch_deferred"
	KindPendingFlushed  = "sync.pending_flushed"
	KindConversation    = "conversation.updated"
	KindNetworkChanged  = "network.changed"
	KindPrimaryPromoted = "registry.primary_promoted"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ConversationUpdate is the payload for conversation.updated events.
type ConversationUpdate struct {
	ConversationID string
	EventIDs       []string
}

// FlushStats is the payload for sync.pending_flushed events.
type FlushStats struct {
	Records  int
	Duration time.Duration
	Rushed   bool
}
