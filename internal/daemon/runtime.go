// Package daemon composes the synchronization engine: connection
// manager, network monitor, reconnection scheduler, sync ingestor,
// version index, timeline cache and the consumer registry, wired
// together behind one runtime object.
package daemon

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/config"
	"github.com/pulsesync/pulse/internal/conn"
	"github.com/pulsesync/pulse/internal/ingest"
	"github.com/pulsesync/pulse/internal/netmon"
	"github.com/pulsesync/pulse/internal/reconnect"
	"github.com/pulsesync/pulse/internal/registry"
	"github.com/pulsesync/pulse/internal/status"
	"github.com/pulsesync/pulse/internal/store"
	"github.com/pulsesync/pulse/internal/timeline"
	"github.com/pulsesync/pulse/internal/versions"
	"github.com/pulsesync/pulse/internal/wire"
)

// Runtime owns the engine's moving parts and exposes the consumer
// surface: subscriptions, timeline reads, command submission, and the
// visibility / network signals the platform feeds in.
type Runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *bus.Bus
	machine *status.Machine
	db      *store.DB

	conn     *conn.Manager
	mon      *netmon.Monitor
	sched    *reconnect.Scheduler
	reg      *registry.Registry
	ingestor *ingest.Ingestor
	index    *versions.Index
	cache    *timeline.Cache

	visible atomic.Bool
	netOK   atomic.Bool

	pumpCancel context.CancelFunc
}

// NewRuntime builds and wires the engine. dial may be nil, in which
// case the real websocket dialer is used; tests inject a fake.
func NewRuntime(cfg *config.Config, db *store.DB, b *bus.Bus, machine *status.Machine, dial conn.Dialer, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dial == nil {
		dial = conn.WebsocketDialer
	}

	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		bus:     b,
		machine: machine,
		db:      db,
		index:   versions.NewIndex(),
		cache:   timeline.NewCache(cfg.Cache.MaxConversations, cfg.Cache.MaxEvents),
	}
	r.visible.Store(true)
	r.netOK.Store(true)

	r.ingestor = ingest.New(db, b, logger, ingest.Config{
		InitialThreshold: cfg.Sync.FlushThreshold,
		FlushBudget:      cfg.Sync.FlushBudget(),
	})
	r.ingestor.AddSink(indexSink{r.index})
	r.ingestor.AddSink(cacheSink{r.cache})

	r.conn = conn.NewManager(conn.Config{
		URL:                     cfg.Server.URL,
		HandshakeDeadline:       cfg.Conn.HandshakeDeadline(),
		InitDeadline:            cfg.Conn.InitDeadline(),
		FallbackDeadline:        cfg.Conn.FallbackDeadline(),
		ProbeInterval:           cfg.Conn.ProbeInterval(),
		ProbeIntervalBackground: cfg.Conn.ProbeIntervalBg(),
		ProbeAckDeadline:        cfg.Conn.ProbeAckDeadline(),
	}, machine, dial, logger)

	r.conn.SetSinceProvider(func() string {
		token, err := db.GetCheckpoint(ingest.CheckpointKey)
		if err != nil {
			logger.Warn("resume token read failed", zap.Error(err))
			return ""
		}
		return token
	})

	r.reg = registry.New(r.conn, b, logger)

	r.sched = reconnect.NewScheduler(reconnect.Config{
		BackendURL:          cfg.Server.BackendURL,
		BaseDelay:           cfg.Retry.BaseDelay(),
		MaxDelay:            cfg.Retry.MaxDelay(),
		MaxRetries:          cfg.Retry.MaxRetries,
		HealthCheckInterval: cfg.Retry.HealthCheckInterval(),
		StuckConnecting:     cfg.Network.StuckAttempt(),
		StuckReconnecting:   cfg.Retry.StuckReconnecting(),
	}, r.conn, r.reg, r.netOK.Load, b, logger)

	r.mon = netmon.NewMonitor(netmon.Config{
		Debounce:     cfg.Network.Debounce(),
		StuckAttempt: cfg.Network.StuckAttempt(),
	}, r.conn, r.sched, b, logger)

	r.conn.SetHandlers(conn.Handlers{
		OnBatch:    r.onBatch,
		OnResponse: r.reg.HandleResponse,
		OnDown:     r.sched.AttemptFailed,
	})
	r.reg.SetReconnectRequester(r.sched.Request)
	r.reg.SetStaleHandler(func(reason string) {
		r.conn.Close(reason)
		r.sched.Request(reason)
	})

	return r
}

// Start launches the background loops and attaches the daemon's own
// connection owner as the initial primary consumer.
func (r *Runtime) Start(ctx context.Context) error {
	r.sched.Start(ctx)

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.pumpCancel = cancel
	go r.pump(pumpCtx)

	return r.reg.Attach(newOwnerConsumer(r.conn), true)
}

// Stop halts the engine. The connection ends in Disconnected.
func (r *Runtime) Stop() {
	r.mon.Stop()
	r.sched.Stop()
	r.conn.Shutdown()
	if r.pumpCancel != nil {
		r.pumpCancel()
	}
}

// Open starts the initial connection attempt.
func (r *Runtime) Open(ctx context.Context) error {
	return r.conn.Open(ctx)
}

// ConnectionState returns the current connection state.
func (r *Runtime) ConnectionState() status.State {
	return r.machine.Current()
}

// Attach registers an external consumer surface.
func (r *Runtime) Attach(c registry.Consumer, asPrimary bool) error {
	return r.reg.Attach(c, asPrimary)
}

// Detach removes a consumer; the registry promotes a new primary if
// needed.
func (r *Runtime) Detach(id string) {
	r.reg.Detach(id)
}

// SubscribeConnectionState returns a channel of connection lifecycle
// events and an unsubscribe function.
func (r *Runtime) SubscribeConnectionState(buf int) (<-chan bus.Event, func()) {
	return r.bus.Subscribe("conn.", buf)
}

// SubscribeConversation returns updates for a single conversation.
func (r *Runtime) SubscribeConversation(conversationID string, buf int) (<-chan bus.ConversationUpdate, func()) {
	in, unsub := r.bus.Subscribe(bus.KindConversation, buf)
	out := make(chan bus.ConversationUpdate, buf)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case evt, ok := <-in:
				if !ok {
					return
				}
				update, isUpdate := evt.Payload.(bus.ConversationUpdate)
				if !isUpdate || update.ConversationID != conversationID {
					continue
				}
				select {
				case out <- update:
				default:
					// Same contract as the bus: a slow subscriber loses
					// events rather than stalling the engine.
				}
			}
		}
	}()

	return out, func() {
		unsub()
		close(done)
	}
}

// ConversationWindow returns the most recent events of a conversation,
// newest first. Served from the timeline cache when possible, falling
// back to storage and re-priming the cache. Never reaches the server.
func (r *Runtime) ConversationWindow(conversationID string, limit int) ([]wire.Event, error) {
	if events, ok := r.cache.Get(conversationID); ok {
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		// A cached window shorter than the request may be a truncated
		// prime from an earlier, smaller read. Fall through to storage
		// so the caller always sees everything that is durably held.
		if limit <= 0 || len(events) >= limit {
			return events, nil
		}
	}

	stored, err := r.db.ReadEventsForConversation(conversationID, 0, limit)
	if err != nil {
		return nil, err
	}
	events := make([]wire.Event, 0, len(stored))
	for _, e := range stored {
		events = append(events, storedToWire(e))
	}
	r.cache.Put(conversationID, events)
	return events, nil
}

// ResolveMessage returns the version history of a message, resolved
// through any edits and redactions that have arrived.
func (r *Runtime) ResolveMessage(eventID string) (*versions.VersionedMessage, bool) {
	return r.index.Resolve(eventID)
}

// SubmitCommand sends a command through the registry's fallback chain
// and returns the generated request id. onComplete fires when the
// correlated response arrives or the command terminally fails.
func (r *Runtime) SubmitCommand(ctx context.Context, kind string, body json.RawMessage, onComplete registry.OnComplete) (string, error) {
	cmd := wire.Command{
		Op:        wire.OpCommand,
		RequestID: uuid.NewString(),
		Kind:      kind,
		Body:      body,
	}
	if err := r.reg.Send(ctx, cmd, onComplete); err != nil {
		return "", err
	}
	return cmd.RequestID, nil
}

// SetVisible reports an app visibility change. Returning to the
// foreground rushes any deferred sync work and tightens the liveness
// probe interval.
func (r *Runtime) SetVisible(visible bool) {
	was := r.visible.Swap(visible)
	r.conn.SetVisible(visible)
	if visible && !was {
		if err := r.ingestor.Rush(); err != nil {
			r.logger.Error("foreground flush failed", zap.Error(err))
		}
	}
}

// OnNetworkChanged feeds a platform connectivity transition into the
// debounced network monitor.
func (r *Runtime) OnNetworkChanged(netType string, validated bool) {
	r.netOK.Store(validated)
	r.mon.OnNetworkChanged(netType, validated)
}

// onBatch is the connection's sync handler. Errors are logged, never
// propagated to the read loop: a storage hiccup must not kill the
// connection.
func (r *Runtime) onBatch(batch *wire.SyncBatch) {
	if err := r.ingestor.Ingest(batch, r.visible.Load()); err != nil {
		r.logger.Error("batch ingestion failed", zap.Error(err))
	}
}

// pump fans bus events out to attached consumers and fails in-flight
// commands on terminal connection failure.
func (r *Runtime) pump(ctx context.Context) {
	ch, unsub := r.bus.Subscribe("", 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if evt.Kind == bus.KindConnFailed {
				if err, ok := evt.Payload.(error); ok {
					r.reg.FailPending(err)
				}
			}
			r.reg.Deliver(evt)
		}
	}
}

type indexSink struct{ index *versions.Index }

func (s indexSink) ApplyEvent(ev wire.Event) { s.index.Apply(ev) }

type cacheSink struct{ cache *timeline.Cache }

func (s cacheSink) ApplyEvent(ev wire.Event) { s.cache.Append(ev.ConversationID, ev) }

func storedToWire(e store.Event) wire.Event {
	return wire.Event{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Sender:         e.Sender,
		Type:           e.Type,
		Timestamp:      e.Timestamp,
		Content:        json.RawMessage(e.Content),
		RelType:        e.RelType,
		RelatesTo:      e.RelatesTo,
	}
}
