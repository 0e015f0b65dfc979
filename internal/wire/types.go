// Package wire defines the message-oriented protocol spoken over the
// persistent server connection. Inbound frames are parsed into a small
// set of tagged types at the transport boundary; nothing downstream
// touches raw payloads.
package wire

import "encoding/json"

// Frame ops. Every frame carries an "op" field identifying its type.
const (
	OpHello    = "hello"    // handshake-id signal, first liveness marker after dial
	OpReady    = "ready"    // initialization-complete signal
	OpPing     = "ping"     // outbound liveness probe
	OpPong     = "pong"     // liveness acknowledgment
	OpSync     = "sync"     // incremental sync batch
	OpResume   = "resume"   // outbound resume-point report after connect
	OpCommand  = "cmd"      // outbound command
	OpResponse = "response" // command response, correlated by request id
)

// Relation types on events. An event with a relation reinterprets the
// event it targets without mutating it.
const (
	RelEdit   = "edit"
	RelRedact = "redact"
)

// Hello is the handshake-id signal: the server's first frame after the
// connection is accepted, carrying the server-assigned connection id.
type Hello struct {
	Op     string `json:"op"`
	ConnID string `json:"conn_id"`
}

// Ready is the initialization-complete signal. Once received the
// connection is fully established and sync frames may follow.
type Ready struct {
	Op    string `json:"op"`
	Since string `json:"since,omitempty"`
}

// Resume reports the client's stored resume token after a connection is
// established, so the server replays only the batches the client has
// not durably absorbed.
type Resume struct {
	Op    string `json:"op"`
	Since string `json:"since,omitempty"`
}

// Ping is the outbound liveness probe. At echoes back in the Pong so
// round-trip time can be measured.
type Ping struct {
	Op string `json:"op"`
	At int64  `json:"at"`
}

// Pong acknowledges a liveness probe.
type Pong struct {
	Op string `json:"op"`
	At int64  `json:"at"`
}

// SyncBatch is one incremental unit of server-pushed state. Deltas are
// applied in arrival order per conversation.
type SyncBatch struct {
	Op            string              `json:"op"`
	Since         string              `json:"since,omitempty"`
	NextBatch     string              `json:"next_batch"`
	Conversations []ConversationDelta `json:"conversations"`
	AccountData   []json.RawMessage   `json:"account_data,omitempty"`
}

// ConversationDelta is one conversation's slice of a sync batch.
type ConversationDelta struct {
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name,omitempty"`
	Unread         int       `json:"unread"`
	Highlight      int       `json:"highlight"`
	Events         []Event   `json:"events,omitempty"`
	Receipts       []Receipt `json:"receipts,omitempty"`
}

// Event is an immutable fact delivered by the server. Identity and raw
// content never change once persisted; edits and redactions arrive as
// separate events relating to the original by id.
type Event struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	Timestamp      int64           `json:"ts"`
	Content        json.RawMessage `json:"content,omitempty"`
	RelType        string          `json:"rel_type,omitempty"`
	RelatesTo      string          `json:"relates_to,omitempty"`
}

// Receipt is a read marker for a conversation.
type Receipt struct {
	UserID    string `json:"user_id"`
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"ts"`
}

// Command is an outbound request. RequestID is caller-assigned so the
// response can be routed back to the originating consumer.
type Command struct {
	Op        string          `json:"op"`
	RequestID string          `json:"request_id"`
	Kind      string          `json:"kind"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// CommandResponse correlates back to a Command by request id.
type CommandResponse struct {
	Op        string          `json:"op"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}
