// Package registry multiplexes the single connection across N attached
// consumers (multiple open surfaces backed by the same account).
// Exactly one consumer is primary: it alone performs reconnects and
// owns the preferred outbound command path.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/status"
	"github.com/pulsesync/pulse/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNoConsumer is returned when no attached consumer accepts a
	// command.
	ErrNoConsumer = errors.New("no attached consumer accepted the command")

	// ErrDuplicateConsumer is returned when a consumer id is attached
	// twice.
	ErrDuplicateConsumer = errors.New("consumer id already attached")
)

// Consumer is one attached surface. Reconnect re-establishes the
// connection (only invoked on the primary); Send writes a command over
// the consumer's outbound path.
type Consumer interface {
	ID() string
	Reconnect(ctx context.Context) error
	Send(ctx context.Context, cmd wire.Command) error
	Deliver(evt bus.Event)
}

// ConnectionVerifier reports whether the connection is genuinely alive.
// Used when promoting a new primary so a stale "connected" flag from a
// detached owner is never trusted.
type ConnectionVerifier interface {
	CurrentState() status.State
	LastLiveness() (time.Time, time.Duration)
}

// OnComplete is invoked when a command's correlated response arrives,
// or with an error on terminal failure.
type OnComplete func(resp wire.CommandResponse, err error)

// Registry tracks attached consumers, the primary owner, queued
// reconnection requests and in-flight command correlation.
type Registry struct {
	verifier ConnectionVerifier
	logger   *zap.Logger
	bus      *bus.Bus

	// staleLiveness bounds how old the last liveness signal may be for
	// a promoted primary's connection to still count as alive.
	staleLiveness time.Duration

	mu        sync.Mutex
	order     []string // attach order, used for promotion
	consumers map[string]Consumer
	primaryID string

	queuedReasons []string
	onReconnect   func(reason string) // replays queued requests on attach

	pending map[string]OnComplete

	onStale func(reason string) // invoked when a promoted primary's connection is stale
}

// New creates a registry.
func New(verifier ConnectionVerifier, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		verifier:      verifier,
		bus:           b,
		logger:        logger,
		staleLiveness: 45 * time.Second,
		consumers:     make(map[string]Consumer),
		pending:       make(map[string]OnComplete),
	}
}

// SetReconnectRequester installs the callback used to replay queued
// reconnection requests once a consumer attaches. Wired to
// Scheduler.Request by the runtime.
func (r *Registry) SetReconnectRequester(fn func(reason string)) {
	r.mu.Lock()
	r.onReconnect = fn
	r.mu.Unlock()
}

// SetStaleHandler installs the callback invoked when a promoted
// primary inherits a connection that fails verification.
func (r *Registry) SetStaleHandler(fn func(reason string)) {
	r.mu.Lock()
	r.onStale = fn
	r.mu.Unlock()
}

// Attach registers a consumer. The first consumer, or one attaching
// with asPrimary, becomes primary. Queued reconnection requests are
// replayed once a consumer is available to serve them.
func (r *Registry) Attach(c Consumer, asPrimary bool) error {
	r.mu.Lock()
	id := c.ID()
	if _, ok := r.consumers[id]; ok {
		r.mu.Unlock()
		return ErrDuplicateConsumer
	}
	r.consumers[id] = c
	r.order = append(r.order, id)
	if asPrimary || r.primaryID == "" {
		r.primaryID = id
	}
	queued := r.queuedReasons
	r.queuedReasons = nil
	replay := r.onReconnect
	r.mu.Unlock()

	r.logger.Info("consumer attached", zap.String("consumer", id), zap.Bool("primary", r.PrimaryID() == id))

	for _, reason := range queued {
		if replay != nil {
			replay(reason)
		}
	}
	return nil
}

// Detach removes a consumer. When the primary detaches, the next
// attached consumer (in attach order) is promoted, and the inherited
// connection is verified before being served as connected.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	if _, ok := r.consumers[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.consumers, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	var promoted string
	wasPrimary := r.primaryID == id
	if wasPrimary {
		r.primaryID = ""
		if len(r.order) > 0 {
			r.primaryID = r.order[0]
			promoted = r.primaryID
		}
	}
	onStale := r.onStale
	r.mu.Unlock()

	r.logger.Info("consumer detached", zap.String("consumer", id))

	if promoted == "" {
		return
	}
	r.logger.Info("primary promoted", zap.String("consumer", promoted))
	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:      bus.KindPrimaryPromoted,
			Timestamp: time.Now(),
			Payload:   promoted,
		})
	}

	// Never trust the detached owner's stale "connected" flag.
	if r.verifier != nil && r.verifier.CurrentState() == status.Connected {
		last, _ := r.verifier.LastLiveness()
		if time.Since(last) > r.staleLiveness {
			r.logger.Warn("promoted primary inherited a stale connection",
				zap.Time("last_liveness", last))
			if onStale != nil {
				onStale("stale connection on primary promotion")
			}
		}
	}
}

// PrimaryID returns the current primary consumer id, or "".
func (r *Registry) PrimaryID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primaryID
}

// ReconnectPrimary asks the primary consumer to re-establish the
// connection. With no consumer attached the request is queued and
// replayed on the next attach; accepted is false in that case.
func (r *Registry) ReconnectPrimary(ctx context.Context, reason string) (bool, error) {
	r.mu.Lock()
	primary := r.consumers[r.primaryID]
	if primary == nil {
		r.queuedReasons = append(r.queuedReasons, reason)
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	return true, primary.Reconnect(ctx)
}

// Send routes a command: the primary's send path first, then every
// other attached consumer in attach order, succeeding on the first that
// accepts. onComplete fires when the correlated response arrives.
func (r *Registry) Send(ctx context.Context, cmd wire.Command, onComplete OnComplete) error {
	r.mu.Lock()
	ordered := make([]Consumer, 0, len(r.order))
	if p := r.consumers[r.primaryID]; p != nil {
		ordered = append(ordered, p)
	}
	for _, id := range r.order {
		if id == r.primaryID {
			continue
		}
		ordered = append(ordered, r.consumers[id])
	}
	if onComplete != nil {
		r.pending[cmd.RequestID] = onComplete
	}
	r.mu.Unlock()

	var lastErr error
	for _, c := range ordered {
		if err := c.Send(ctx, cmd); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	r.mu.Lock()
	delete(r.pending, cmd.RequestID)
	r.mu.Unlock()

	if lastErr != nil {
		return lastErr
	}
	return ErrNoConsumer
}

// HandleResponse routes a command response back to the originating
// caller by request id. Unmatched responses are dropped.
func (r *Registry) HandleResponse(resp wire.CommandResponse) {
	r.mu.Lock()
	cb := r.pending[resp.RequestID]
	delete(r.pending, resp.RequestID)
	r.mu.Unlock()

	if cb == nil {
		r.logger.Debug("response with no pending command", zap.String("request_id", resp.RequestID))
		return
	}
	cb(resp, nil)
}

// FailPending completes every in-flight command with err. Called on
// terminal connection failure.
func (r *Registry) FailPending(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]OnComplete)
	r.mu.Unlock()

	for _, cb := range pending {
		cb(wire.CommandResponse{}, err)
	}
}

// Deliver fans an event out to every attached consumer.
func (r *Registry) Deliver(evt bus.Event) {
	r.mu.Lock()
	consumers := make([]Consumer, 0, len(r.order))
	for _, id := range r.order {
		consumers = append(consumers, r.consumers[id])
	}
	r.mu.Unlock()

	for _, c := range consumers {
		
		c.Deliver(evt)
	}
}
