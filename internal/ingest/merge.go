package ingest

import "github.com/pulsesync/pulse/internal/wire"

// mergeDeltas coalesces a newly arrived delta into a previously
// deferred one for the same conversation. Events accumulate in arrival
// order and metadata takes the newest absolute values, so the merged
// record replays exactly as if each batch had been applied on arrival.
func mergeDeltas(old, next wire.ConversationDelta) wire.ConversationDelta {
	merged := old

	if next.Name != "" {
		merged.Name = next.Name
	}
	// Counters are absolute server values, latest wins.
	merged.Unread = next.Unread
	merged.Highlight = next.Highlight

	seen := make(map[string]bool, len(old.Events))
	for _, ev := range old.Events {
		seen[ev.ID] = true
	}
	for _, ev := range next.Events {
		if ev.ID != "" && seen[ev.ID] {
			continue
		}
		merged.Events = append(merged.Events, ev)
	}

	// One receipt per user, newest marker wins.
	byUser := make(map[string]int, len(merged.Receipts))
	for i, r := range merged.Receipts {
		byUser[r.UserID] = i
	}
	for _, r := range next.Receipts {
		if i, ok := byUser[r.UserID]; ok {
			if r.Timestamp >= merged.Receipts[i].Timestamp {
				merged.Receipts[i] = r
			}
			continue
		}
		byUser[r.UserID] = len(merged.Receipts)
		merged.Receipts = append(merged.Receipts, r)
	}

	return merged
}
