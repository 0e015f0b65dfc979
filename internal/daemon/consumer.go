package daemon

import (
	"context"

	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/conn"
	"github.com/pulsesync/pulse/internal/wire"
)

// OwnerConsumerID identifies the daemon's built-in connection owner.
const OwnerConsumerID = "pulsed"

// ownerConsumer is the daemon's own seat in the registry. It holds the
// connection itself, so reconnect requests land on the real socket even
// when no external surface is attached as primary.
type ownerConsumer struct {
	mgr *conn.Manager
}

func newOwnerConsumer(mgr *conn.Manager) *ownerConsumer {
	return &ownerConsumer{mgr: mgr}
}

func (c *ownerConsumer) ID() string { return OwnerConsumerID }

func (c *ownerConsumer) Reconnect(ctx context.Context) error {
	return c.mgr.Open(ctx)
}

func (c *ownerConsumer) Send(ctx context.Context, cmd wire.Command) error {
	return c.mgr.SendFrame(ctx, &cmd)
}

// Deliver is a no-op: the daemon consumes its own bus directly.
func (c *ownerConsumer) Deliver(bus.Event) {}
