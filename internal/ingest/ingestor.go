// Package ingest applies incoming sync batches to durable storage.
// Foreground batches are applied immediately in bounded per-conversation
// transactions; background batches are coalesced into pending records
// and flushed in bulk once a self-tuning threshold is reached or the app
// returns to the foreground.
package ingest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/store"
	"github.com/pulsesync/pulse/internal/wire"
)

// CheckpointKey is the sync_state key holding the resume token of the
// last durably absorbed batch. The connection manager reads it back to
// resume the stream after a restart or reconnect.
const CheckpointKey = "since"

// Sink receives events after they are durably committed, in arrival
// order. The version index and timeline cache attach here.
type Sink interface {
	ApplyEvent(ev wire.Event)
}

// Config tunes the deferred-flush behavior. Zero values take the
// package defaults.
type Config struct {
	InitialThreshold int
	FlushBudget      time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialThreshold <= 0 {
		c.InitialThreshold = InitialThreshold
	}
	if c.FlushBudget <= 0 {
		c.FlushBudget = FlushBudget
	}
	return c
}

// Ingestor absorbs sync batches. A single mutex serializes ingestion,
// which preserves per-conversation arrival order across foreground,
// deferred and flush paths.
type Ingestor struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	mu        sync.Mutex
	threshold int
	sinks     []Sink
}

// New creates an ingestor writing to db and publishing notifications on b.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, cfg Config) *Ingestor {
	cfg = cfg.withDefaults()
	return &Ingestor{
		db:        db,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
		threshold: cfg.InitialThreshold,
	}
}

// AddSink registers a post-commit event sink. Not safe to call after
// ingestion has started.
func (in *Ingestor) AddSink(s Sink) {
	in.sinks = append(in.sinks, s)
}

// Threshold reports the current deferred-flush trigger count.
func (in *Ingestor) Threshold() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.threshold
}

// Ingest absorbs one sync batch. When visible, deltas are applied
// immediately; otherwise they are coalesced into pending records and
// flushed once the pending count reaches the threshold. A malformed
// delta is skipped without poisoning the rest of the batch.
func (in *Ingestor) Ingest(batch *wire.SyncBatch, visible bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if visible {
		return in.applyNow(batch)
	}
	return in.deferBatch(batch)
}

// Rush flushes all pending records immediately, regardless of the
// threshold. Called on the background-to-foreground transition so the
// timeline is current before the UI reads it.
func (in *Ingestor) Rush() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.flush(true)
}

func (in *Ingestor) applyNow(batch *wire.SyncBatch) error {
	tx, err := in.db.Begin()
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var updates []bus.ConversationUpdate
	var applied []wire.Event
	for i := range batch.Conversations {
		delta := &batch.Conversations[i]
		if delta.ConversationID == "" {
			in.logger.Warn("skipping delta without conversation id")
			continue
		}
		ids, events, err := applyDeltaIn(tx, delta, in.logger)
		if err != nil {
			return fmt.Errorf("apply delta %s: %w", delta.ConversationID, err)
		}
		updates = append(updates, bus.ConversationUpdate{ConversationID: delta.ConversationID, EventIDs: ids})
		applied = append(applied, events...)
	}
	if batch.NextBatch != "" {
		if err := store.SetCheckpointIn(tx, CheckpointKey, batch.NextBatch); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply tx: %w", err)
	}

	in.feedSinks(applied)
	for _, u := range updates {
		in.publish(bus.KindConversation, u)
	}
	in.publish(bus.KindBatchApplied, len(updates))
	return nil
}

func (in *Ingestor) deferBatch(batch *wire.SyncBatch) error {
	deferred := 0
	for i := range batch.Conversations {
		delta := batch.Conversations[i]
		if delta.ConversationID == "" {
			in.logger.Warn("skipping delta without conversation id")
			continue
		}
		existing, err := in.db.GetPendingRecord(delta.ConversationID)
		if err != nil {
			return fmt.Errorf("read pending %s: %w", delta.ConversationID, err)
		}
		if existing != nil {
			var old wire.ConversationDelta
			if err := json.Unmarshal([]byte(existing.Delta), &old); err != nil {
				// The stored delta is unreadable; the fresh one replaces it.
				in.logger.Warn("discarding corrupt pending delta",
					zap.String("conversation", delta.ConversationID), zap.Error(err))
			} else {
				delta = mergeDeltas(old, delta)
			}
		}
		encoded, err := json.Marshal(delta)
		if err != nil {
			return fmt.Errorf("encode pending %s: %w", delta.ConversationID, err)
		}
		if err := in.db.PersistPendingRecord(delta.ConversationID, string(encoded)); err != nil {
			return fmt.Errorf("persist pending %s: %w", delta.ConversationID, err)
		}
		deferred++
	}

	// Pending records are durable, so the resume token can advance even
	// though the deltas are not yet in the main tables.
	if batch.NextBatch != "" {
		if err := in.db.SetCheckpoint(CheckpointKey, batch.NextBatch); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	if deferred > 0 {
		in.publish(bus.KindBatchDeferred, deferred)
	}

	count, err := in.db.CountPendingRecords()
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if count >= in.threshold {
		return in.flush(false)
	}
	return nil
}

// flush applies every pending record in one bounded transaction and
// retunes the threshold from the measured duration. Caller holds in.mu.
func (in *Ingestor) flush(rushed bool) error {
	records, err := in.db.ReadAllPendingRecords()
	if err != nil {
		return fmt.Errorf("read pending: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	tx, err := in.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var updates []bus.ConversationUpdate
	var applied []wire.Event
	for _, rec := range records {
		var delta wire.ConversationDelta
		if err := json.Unmarshal([]byte(rec.Delta), &delta); err != nil {
			in.logger.Warn("dropping corrupt pending delta",
				zap.String("conversation", rec.ConversationID), zap.Error(err))
			continue
		}
		ids, events, err := applyDeltaIn(tx, &delta, in.logger)
		if err != nil {
			return fmt.Errorf("flush delta %s: %w", rec.ConversationID, err)
		}
		updates = append(updates, bus.ConversationUpdate{ConversationID: rec.ConversationID, EventIDs: ids})
		applied = append(applied, events...)
	}
	if err := store.ClearPendingRecordsIn(tx); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush tx: %w", err)
	}

	elapsed := time.Since(start)
	prev := in.threshold
	in.threshold = nextWithBudget(in.threshold, elapsed, in.cfg.FlushBudget)
	if in.threshold != prev {
		in.logger.Info("flush over budget, lowering threshold",
			zap.Duration("elapsed", elapsed),
			zap.Int("threshold", in.threshold))
	}

	in.feedSinks(applied)
	for _, u := range updates {
		in.publish(bus.KindConversation, u)
	}
	in.publish(bus.KindPendingFlushed, bus.FlushStats{
		Records:  len(records),
		Duration: elapsed,
		Rushed:   rushed,
	})
	return nil
}

// nextWithBudget is NextThreshold with a configurable budget, so tests
// do not need second-long flushes.
func nextWithBudget(current int, elapsed, budget time.Duration) int {
	if elapsed <= budget {
		return NextThreshold(current, 0)
	}
	return NextThreshold(current, FlushBudget+1)
}

// applyDeltaIn writes one conversation delta inside q. Returns the ids
// of all events in the delta and the events that were newly inserted.
func applyDeltaIn(q store.Querier, delta *wire.ConversationDelta, logger *zap.Logger) ([]string, []wire.Event, error) {
	conv := store.Conversation{
		ID:             delta.ConversationID,
		Name:           delta.Name,
		UnreadCount:    delta.Unread,
		HighlightCount: delta.Highlight,
	}
	if err := store.UpsertConversationStateIn(q, &conv); err != nil {
		return nil, nil, err
	}

	var ids []string
	var inserted []wire.Event
	for _, ev := range delta.Events {
		if ev.ID == "" {
			logger.Warn("skipping event without id", zap.String("conversation", delta.ConversationID))
			continue
		}
		se := store.Event{
			ID:             ev.ID,
			ConversationID: delta.ConversationID,
			Sender:         ev.Sender,
			Type:           ev.Type,
			RelType:        ev.RelType,
			RelatesTo:      ev.RelatesTo,
			Content:        string(ev.Content),
			Timestamp:      ev.Timestamp,
		}
		_, isNew, err := store.UpsertEventIn(q, &se)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, ev.ID)
		if isNew {
			if ev.ConversationID == "" {
				ev.ConversationID = delta.ConversationID
			}
			inserted = append(inserted, ev)
		}
	}

	for _, r := range delta.Receipts {
		if err := store.UpsertReceiptIn(q, &store.Receipt{
			ConversationID: delta.ConversationID,
			UserID:         r.UserID,
			EventID:        r.EventID,
			Timestamp:      r.Timestamp,
		}); err != nil {
			return nil, nil, err
		}
	}

	if err := store.RefreshSummaryIn(q, delta.ConversationID); err != nil {
		return nil, nil, err
	}
	return ids, inserted, nil
}

func (in *Ingestor) feedSinks(events []wire.Event) {
	for _, ev := range events {
		for _, s := range in.sinks {
			s.ApplyEvent(ev)
		}
	}
}

func (in *Ingestor) publish(kind string, payload any) {
	in.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
