// Package core assembles the event pipeline: stream frames flow through the
// normalizer into the reconcile engine, which drives the order and position
// ledgers; strategies talk to the assembled system through Core's methods.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/keelworks/keel/internal/bus"
	"github.com/keelworks/keel/internal/gateway"
	"github.com/keelworks/keel/internal/journal"
	"github.com/keelworks/keel/internal/ledger"
	"github.com/keelworks/keel/internal/normalizer"
	"github.com/keelworks/keel/internal/observability"
	"github.com/keelworks/keel/internal/position"
	"github.com/keelworks/keel/internal/reconcile"
	"github.com/keelworks/keel/internal/schema"
)

// Normalizer is the frame decoder plus the sequence-space reset hook the
// pump fires on reconnect.
type Normalizer interface {
	normalizer.Normalizer
	ResetSequence()
}

// StreamRunner pumps raw frames from the exchange. Implemented by the
// Binance user data stream manager.
type StreamRunner interface {
	Run(ctx context.Context, handle func(frame []byte, receivedAt time.Time), onReconnect func()) error
	Close()
}

// Deps carries the collaborators Core wires together.
type Deps struct {
	Normalizer Normalizer
	Stream     StreamRunner
	Source     reconcile.SnapshotSource
	Transport  gateway.Transport
	Journal    journal.Journal
	Reconcile  reconcile.Config
	Bus        bus.MemoryConfig
}

// Core owns the ledgers and the event pump.
type Core struct {
	orders    *ledger.Ledger
	positions *position.Ledger
	engine    *reconcile.Engine
	gateway   *gateway.Gateway
	notices   *bus.MemoryBus
	journal   journal.Journal
	norm      Normalizer
	stream    StreamRunner

	wg conc.WaitGroup
}

// New assembles a Core from its dependencies.
func New(deps Deps) *Core {
	c := &Core{
		orders:    ledger.New(),
		positions: position.NewLedger(),
		notices:   bus.NewMemoryBus(deps.Bus),
		journal:   deps.Journal,
		norm:      deps.Normalizer,
		stream:    deps.Stream,
	}
	if c.journal == nil {
		c.journal = journal.Nop{}
	}
	c.engine = reconcile.NewEngine(deps.Reconcile, c.orders, c.positions, deps.Source, (*notifier)(c))
	c.gateway = gateway.New(c.orders, deps.Transport, c.engine)
	return c
}

// Run pumps the user data stream until the context is cancelled.
func (c *Core) Run(ctx context.Context) error {
	err := c.stream.Run(ctx, c.handleFrame(ctx), c.onReconnect(ctx))
	c.wg.Wait()
	c.notices.Close()
	if cerr := c.journal.Close(context.WithoutCancel(ctx)); cerr != nil {
		observability.Log().Warn("journal close", observability.F("error", cerr))
	}
	return err
}

// handleFrame is the per-frame pipeline: decode, journal, apply, and kick a
// resync when the engine asks for one.
func (c *Core) handleFrame(ctx context.Context) func(frame []byte, receivedAt time.Time) {
	return func(frame []byte, receivedAt time.Time) {
		events, err := c.norm.Normalize(ctx, frame, receivedAt)
		if err != nil {
			observability.Log().Error("frame rejected",
				observability.F("error", err))
			return
		}
		for _, evt := range events {
			if err := c.journal.RecordEvent(ctx, evt); err != nil {
				observability.Log().Warn("journal write failed",
					observability.F("error", err))
			}
			needResync, err := c.engine.Apply(ctx, evt)
			if err != nil {
				observability.Log().Error("event application failed",
					observability.F("kind", string(evt.Kind)),
					observability.F("seq", evt.Seq),
					observability.F("error", err))
			}
			if needResync {
				c.scheduleResync(ctx, evt.Stream)
			}
		}
	}
}

// onReconnect marks the old sequence space dead before the new connection's
// frames flow. The first connection passes through here too, so initial
// state always loads from a snapshot.
func (c *Core) onReconnect(ctx context.Context) func() {
	return func() {
		c.norm.ResetSequence()
		needResync, err := c.engine.Apply(ctx, &schema.Event{
			Stream:    schema.StreamUserData,
			Kind:      schema.EventStreamReset,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			observability.Log().Error("stream reset application failed",
				observability.F("error", err))
			return
		}
		if needResync {
			c.scheduleResync(ctx, schema.StreamUserData)
		}
	}
}

// scheduleResync runs the snapshot merge off the pump goroutine so events
// keep buffering while the fetch is in flight. The engine collapses
// concurrent requests to one.
func (c *Core) scheduleResync(ctx context.Context, stream schema.StreamID) {
	c.wg.Go(func() {
		if err := c.engine.Resync(ctx, stream); err != nil {
			observability.Log().Error("resync failed",
				observability.F("stream", string(stream)),
				observability.F("error", err))
		}
	})
}

// Submit places a new order and returns its client order id.
func (c *Core) Submit(ctx context.Context, intent schema.OrderIntent) (string, error) {
	return c.gateway.Submit(ctx, intent)
}

// Cancel requests cancellation of a working order.
func (c *Core) Cancel(ctx context.Context, clientOrderID string) error {
	return c.gateway.Cancel(ctx, clientOrderID)
}

// Amend requests modification of a working order.
func (c *Core) Amend(ctx context.Context, clientOrderID string, price, quantity decimal.Decimal) error {
	return c.gateway.Amend(ctx, clientOrderID, price, quantity)
}

// GetOrder returns the current state of an order.
func (c *Core) GetOrder(clientOrderID string) (*schema.Order, error) {
	return c.orders.Get(clientOrderID)
}

// WorkingOrders lists live orders.
func (c *Core) WorkingOrders() []*schema.Order {
	return c.orders.WorkingOrders()
}

// GetPosition returns the position for an instrument.
func (c *Core) GetPosition(instrument string) position.Position {
	return c.positions.Get(instrument)
}

// Positions lists all tracked positions.
func (c *Core) Positions() []position.Position {
	return c.positions.All()
}

// StreamHealthy reports whether the user data stream is applying events.
func (c *Core) StreamHealthy() bool {
	return c.engine.Healthy(schema.StreamUserData)
}

// Subscribe attaches to change notifications of one kind.
func (c *Core) Subscribe(ctx context.Context, kind bus.Kind) (bus.SubscriptionID, <-chan bus.Notification, error) {
	return c.notices.Subscribe(ctx, kind)
}

// Unsubscribe detaches a subscription.
func (c *Core) Unsubscribe(id bus.SubscriptionID) {
	c.notices.Unsubscribe(id)
}

// notifier adapts Core to the reconcile engine's notification sink.
type notifier Core

func (n *notifier) OrderChanged(ctx context.Context, order *schema.Order) {
	c := (*Core)(n)
	if err := c.journal.RecordOrder(ctx, order); err != nil {
		observability.Log().Warn("journal order write failed",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("error", err))
	}
	if err := c.notices.Publish(ctx, bus.Notification{
		Kind:  bus.KindOrder,
		Order: order,
		At:    time.Now().UTC(),
	}); err != nil {
		observability.Log().Debug("order notification dropped",
			observability.F("error", err))
	}
}

func (n *notifier) PositionChanged(ctx context.Context, pos position.Position) {
	c := (*Core)(n)
	if err := c.notices.Publish(ctx, bus.Notification{
		Kind:     bus.KindPosition,
		Position: &pos,
		At:       time.Now().UTC(),
	}); err != nil {
		observability.Log().Debug("position notification dropped",
			observability.F("error", err))
	}
}

func (n *notifier) StreamStateChanged(ctx context.Context, stream schema.StreamID, healthy bool) {
	c := (*Core)(n)
	if err := c.notices.Publish(ctx, bus.Notification{
		Kind:    bus.KindStream,
		Stream:  stream,
		Healthy: healthy,
		At:      time.Now().UTC(),
	}); err != nil {
		observability.Log().Debug("stream notification dropped",
			observability.F("error", err))
	}
}
