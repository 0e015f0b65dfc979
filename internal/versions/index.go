// Package versions maintains an O(1) map from any event id to its
// current rendered interpretation, resolving edit chains and redactions
// without ever scanning conversation history.
package versions

import (
	"encoding/json"
	"sync"

	"github.com/pulsesync/pulse/internal/wire"
)

// Version is one rendering of a message: the original or an edit.
type Version struct {
	EventID   string
	Sender    string
	Timestamp int64
	Content   json.RawMessage
}

// VersionedMessage is the resolved view of a message keyed by its
// original event id. Versions are ordered newest first. At most one
// redaction marker; once set, edits are no longer rendered.
type VersionedMessage struct {
	OriginalID string
	Versions   []Version
	RedactedBy string
}

// Current returns the rendered content: nothing if redacted, otherwise
// the newest version.
func (m *VersionedMessage) Current() (Version, bool) {
	if m.RedactedBy != "" || len(m.Versions) == 0 {
		return Version{}, false
	}
	return m.Versions[0], true
}

// entry tracks one original event id. pending entries were created by
// an edit or redaction that arrived before its target; they resolve
// when the original shows up.
type entry struct {
	msg     VersionedMessage
	pending bool
}

// Index is the versioned message index. Safe for concurrent use;
// readers get copies and never block behind Apply beyond the lock.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry
	edited  map[string]bool
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[string]*entry),
		edited:  make(map[string]bool),
	}
}

// Apply classifies a single event and updates the index. Original
// messages create or resolve their entry; edits and redactions attach
// to their target, via a forward-reference placeholder when the target
// has not arrived yet.
func (ix *Index) Apply(ev wire.Event) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	switch ev.RelType {
	case wire.RelEdit:
		ix.applyEdit(ev)
	case wire.RelRedact:
		ix.applyRedaction(ev)
	default:
		ix.applyOriginal(ev)
	}
}

func (ix *Index) applyOriginal(ev wire.Event) {
	e, ok := ix.entries[ev.ID]
	if !ok {
		ix.entries[ev.ID] = &entry{
			msg: VersionedMessage{
				OriginalID: ev.ID,
				Versions: []Version{{
					EventID:   ev.ID,
					Sender:    ev.Sender,
					Timestamp: ev.Timestamp,
					Content:   ev.Content,
				}},
			},
		}
		return
	}
	if !e.pending {
		// Duplicate delivery of an already-resolved original.
		return
	}
	// Placeholder created by an early edit or redaction: the original
	// slots in as the oldest version.
	e.msg.Versions = append(e.msg.Versions, Version{
		EventID:   ev.ID,
		Sender:    ev.Sender,
		Timestamp: ev.Timestamp,
		Content:   ev.Content,
	})
	sortNewestFirst(e.msg.Versions)
	e.pending = false
}

func (ix *Index) applyEdit(ev wire.Event) {
	target := ev.RelatesTo
	if target == "" {
		return
	}
	e, ok := ix.entries[target]
	if !ok {
		e = &entry{msg: VersionedMessage{OriginalID: target}, pending: true}
		ix.entries[target] = e
	}
	if e.msg.RedactedBy != "" {
		// Redacted messages render no further edits.
		return
	}
	for _, v := range e.msg.Versions {
		if v.EventID == ev.ID {
			return
		}
	}
	e.msg.Versions = append(e.msg.Versions, Version{
		EventID:   ev.ID,
		Sender:    ev.Sender,
		Timestamp: ev.Timestamp,
		Content:   ev.Content,
	})
	sortNewestFirst(e.msg.Versions)
	ix.edited[target] = true
}

func (ix *Index) applyRedaction(ev wire.Event) {
	target := ev.RelatesTo
	if target == "" {
		return
	}
	e, ok := ix.entries[target]
	if !ok {
		e = &entry{msg: VersionedMessage{OriginalID: target}, pending: true}
		ix.entries[target] = e
	}
	if e.msg.RedactedBy != "" {
		// At most one redaction marker; re-applying is a no-op.
		return
	}
	e.msg.RedactedBy = ev.ID
}

// Resolve returns the versioned view for an original event id. Returns
// false while the entry is only a forward-reference placeholder whose
// original has not arrived.
func (ix *Index) Resolve(eventID string) (*VersionedMessage, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.entries[eventID]
	if !ok {
		return nil, false
	}
	if e.pending && e.msg.RedactedBy == "" {
		return nil, false
	}
	cp := e.msg
	cp.Versions = make([]Version, len(e.msg.Versions))
	copy(cp.Versions, e.msg.Versions)
	return &cp, true
}

// IsEdited reports whether any edit has been recorded for the event.
func (ix *Index) IsEdited(eventID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.edited[eventID]
}

// IsRedacted reports whether the event has a redaction marker.
func (ix *Index) IsRedacted(eventID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[eventID]
	return ok && e.msg.RedactedBy != ""
}

// sortNewestFirst keeps the version list ordered by timestamp
// descending. Lists are tiny (original plus a handful of edits), so an
// insertion pass is enough.
func sortNewestFirst(vs []Version) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j].Timestamp > vs[j-1].Timestamp; j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}
