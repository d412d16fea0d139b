// Package gateway is the single entry point for strategy commands. It
// registers intent locally before anything crosses the wire, so every
// exchange response and stream event finds an order to land on.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/ledger"
	"github.com/keelworks/keel/internal/observability"
	"github.com/keelworks/keel/internal/schema"
	"github.com/keelworks/keel/internal/telemetry"
)

// Transport places commands on the exchange. Implemented by the Binance REST
// client; errors it returns are passed through with their codes intact.
type Transport interface {
	PlaceOrder(ctx context.Context, order *schema.Order) error
	CancelOrder(ctx context.Context, instrument, clientOrderID string) error
	AmendOrder(ctx context.Context, instrument, clientOrderID string, price, quantity decimal.Decimal) error
}

// StreamHealth reports whether a stream currently accepts incremental state.
// Satisfied by the reconcile engine.
type StreamHealth interface {
	Healthy(stream schema.StreamID) bool
}

// Gateway validates, records, and forwards order commands.
type Gateway struct {
	orders    *ledger.Ledger
	transport Transport
	health    StreamHealth

	commandCounter metric.Int64Counter
}

// New constructs a gateway over the given ledger, transport, and health source.
func New(orders *ledger.Ledger, transport Transport, health StreamHealth) *Gateway {
	g := &Gateway{
		orders:    orders,
		transport: transport,
		health:    health,
	}
	meter := otel.Meter("gateway")
	g.commandCounter, _ = meter.Int64Counter("gateway.commands",
		metric.WithDescription("Number of strategy commands by result"),
		metric.WithUnit("{command}"))
	return g
}

// Submit records a Pending order for the intent and forwards it to the
// exchange. The generated client order id is returned immediately and is the
// handle for every later command and lookup; it also rides to the exchange
// as newClientOrderId, making the submission idempotent on their side.
func (g *Gateway) Submit(ctx context.Context, intent schema.OrderIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		g.count(ctx, "submit", "invalid")
		return "", err
	}
	if err := g.checkStream(ctx, "submit"); err != nil {
		return "", err
	}

	clientID := uuid.NewString()
	order := &schema.Order{
		ClientOrderID: clientID,
		Instrument:    intent.Instrument,
		Side:          intent.Side,
		Type:          intent.Type,
		TimeInForce:   intent.TimeInForce,
		GoodTillDate:  intent.GoodTillDate,
		Price:         intent.Price,
		Quantity:      intent.Quantity,
		CreatedAt:     time.Now().UTC(),
	}
	if err := g.orders.Create(order); err != nil {
		g.count(ctx, "submit", "duplicate_client_id")
		return "", err
	}

	if err := g.transport.PlaceOrder(ctx, order); err != nil {
		// The record stays Pending: the request may have reached the
		// exchange despite the failed response, and only the stream or a
		// resync can say which. Callers must not reuse the client id.
		g.count(ctx, "submit", "transport_failure")
		observability.Log().Error("order submission failed",
			observability.F("client_order_id", clientID),
			observability.F("instrument", intent.Instrument),
			observability.F("error", err))
		return clientID, errs.New("gateway/submit", errs.CodeTransportFailure,
			errs.WithMessage("order submission failed"),
			errs.WithField("client_order_id", clientID),
			errs.WithCause(err))
	}

	g.count(ctx, "submit", "ok")
	observability.Log().Info("order submitted",
		observability.F("client_order_id", clientID),
		observability.F("instrument", intent.Instrument),
		observability.F("side", string(intent.Side)),
		observability.F("quantity", intent.Quantity.String()))
	return clientID, nil
}

// Cancel requests cancellation of a working order.
func (g *Gateway) Cancel(ctx context.Context, clientOrderID string) error {
	if err := g.checkStream(ctx, "cancel"); err != nil {
		return err
	}
	order, err := g.orders.Get(clientOrderID)
	if err != nil {
		g.count(ctx, "cancel", "not_found")
		return err
	}
	if !order.Status.Working() {
		g.count(ctx, "cancel", "invalid_transition")
		return errs.New("gateway/cancel", errs.CodeInvalidTransition,
			errs.WithMessage("order is not cancellable"),
			errs.WithField("client_order_id", clientOrderID),
			errs.WithField("status", string(order.Status)))
	}

	if err := g.transport.CancelOrder(ctx, order.Instrument, clientOrderID); err != nil {
		g.count(ctx, "cancel", "transport_failure")
		return errs.New("gateway/cancel", errs.CodeTransportFailure,
			errs.WithMessage("cancel request failed"),
			errs.WithField("client_order_id", clientOrderID),
			errs.WithCause(err))
	}
	// Status flips to Cancelled only when the stream confirms it.
	g.count(ctx, "cancel", "ok")
	return nil
}

// Amend requests a price and/or quantity modification of a working order.
// Zero-valued fields are left unchanged.
func (g *Gateway) Amend(ctx context.Context, clientOrderID string, price, quantity decimal.Decimal) error {
	if err := g.checkStream(ctx, "amend"); err != nil {
		return err
	}
	if !price.IsPositive() && !quantity.IsPositive() {
		g.count(ctx, "amend", "invalid")
		return errs.New("gateway/amend", errs.CodeInvalid,
			errs.WithMessage("amend requires a new price or quantity"))
	}
	order, err := g.orders.Get(clientOrderID)
	if err != nil {
		g.count(ctx, "amend", "not_found")
		return err
	}
	if !order.Status.Working() {
		g.count(ctx, "amend", "invalid_transition")
		return errs.New("gateway/amend", errs.CodeInvalidTransition,
			errs.WithMessage("order is not amendable"),
			errs.WithField("client_order_id", clientOrderID),
			errs.WithField("status", string(order.Status)))
	}
	if quantity.IsPositive() && quantity.LessThan(order.FilledQuantity) {
		g.count(ctx, "amend", "invalid")
		return errs.New("gateway/amend", errs.CodeInvalid,
			errs.WithMessage("amended quantity below filled quantity"),
			errs.WithField("client_order_id", clientOrderID))
	}

	if err := g.transport.AmendOrder(ctx, order.Instrument, clientOrderID, price, quantity); err != nil {
		g.count(ctx, "amend", "transport_failure")
		return errs.New("gateway/amend", errs.CodeTransportFailure,
			errs.WithMessage("amend request failed"),
			errs.WithField("client_order_id", clientOrderID),
			errs.WithCause(err))
	}
	g.count(ctx, "amend", "ok")
	return nil
}

// checkStream refuses commands while the user data stream is degraded:
// acting on stale order state risks cancelling a filled order or doubling
// exposure.
func (g *Gateway) checkStream(ctx context.Context, command string) error {
	if g.health == nil || g.health.Healthy(schema.StreamUserData) {
		return nil
	}
	g.count(ctx, command, "stream_degraded")
	return errs.New("gateway/"+command, errs.CodeStreamDegraded,
		errs.WithMessage("user data stream degraded, command refused"))
}

func (g *Gateway) count(ctx context.Context, command, result string) {
	if g.commandCounter == nil {
		return
	}
	g.commandCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.CommandAttributes(command, result)...))
}
