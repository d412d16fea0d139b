// Package ledger maintains the per-order state machine driven by normalized
// exchange events. All mutation flows through Apply; readers get clones.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/observability"
	"github.com/keelworks/keel/internal/schema"
	"github.com/keelworks/keel/internal/telemetry"
)

// Ledger owns every order record for a session. Orders reaching a terminal
// status are retained for audit, never deleted.
type Ledger struct {
	mu         sync.RWMutex
	byClientID map[string]*schema.Order
	clientByEx map[string]string

	transitionCounter metric.Int64Counter
	duplicateCounter  metric.Int64Counter
	orphanCounter     metric.Int64Counter
}

// New constructs an empty ledger.
func New() *Ledger {
	l := &Ledger{
		byClientID: make(map[string]*schema.Order),
		clientByEx: make(map[string]string),
	}
	meter := otel.Meter("ledger")
	l.transitionCounter, _ = meter.Int64Counter("ledger.orders.transitions",
		metric.WithDescription("Number of applied order state transitions"),
		metric.WithUnit("{transition}"))
	l.duplicateCounter, _ = meter.Int64Counter("ledger.events.duplicates",
		metric.WithDescription("Number of duplicate events absorbed as no-ops"),
		metric.WithUnit("{event}"))
	l.orphanCounter, _ = meter.Int64Counter("ledger.events.orphans",
		metric.WithDescription("Number of events referencing no known order"),
		metric.WithUnit("{event}"))
	return l
}

// Create registers a Pending order record for a freshly submitted intent.
func (l *Ledger) Create(order *schema.Order) error {
	if order == nil || order.ClientOrderID == "" {
		return errs.New("ledger/create", errs.CodeInvalid, errs.WithMessage("order requires a client order id"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byClientID[order.ClientOrderID]; ok {
		return errs.New("ledger/create", errs.CodeDuplicateClientID,
			errs.WithMessage("client order id already registered"),
			errs.WithField("client_order_id", order.ClientOrderID))
	}
	stored := order.Clone()
	stored.Status = schema.OrderStatusPending
	stored.FilledQuantity = decimal.Zero
	l.byClientID[stored.ClientOrderID] = stored
	return nil
}

// blendAvgPrice folds a fresh fill into a quantity-weighted average price.
// prevQty is the filled quantity before this fill.
func blendAvgPrice(prevAvg, prevQty, price, qty decimal.Decimal) decimal.Decimal {
	total := prevQty.Add(qty)
	if !total.IsPositive() {
		return prevAvg
	}
	return prevAvg.Mul(prevQty).Add(price.Mul(qty)).Div(total)
}

// Apply drives the order state machine with a normalized event. It returns
// the post-event order clone and whether the event changed state. Duplicate
// deliveries (stale sequence, replayed fill id, events against terminal
// orders) are absorbed as no-ops. Events that resolve to no order return a
// CodeOrphanEvent error for the reconciler to act on.
func (l *Ledger) Apply(ctx context.Context, evt *schema.Event) (*schema.Order, bool, error) {
	if err := evt.Validate(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	order := l.resolveLocked(evt)
	if order == nil {
		if l.orphanCounter != nil {
			l.orphanCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.EventAttributes(string(evt.Stream), string(evt.Kind), evt.Instrument)...))
		}
		return nil, false, errs.New("ledger/apply", errs.CodeOrphanEvent,
			errs.WithMessage("event references no known order"),
			errs.WithField("client_order_id", evt.ClientOrderID),
			errs.WithField("exchange_order_id", evt.ExchangeOrderID))
	}

	if evt.Seq <= order.LastSeq {
		l.noteDuplicate(ctx, evt, "stale_sequence")
		return order.Clone(), false, nil
	}
	if order.Status.Terminal() {
		// Accepted for audit, produces no state change.
		order.LastSeq = evt.Seq
		l.noteDuplicate(ctx, evt, "terminal_order")
		observability.Log().Debug("event on terminal order ignored",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("kind", string(evt.Kind)))
		return order.Clone(), false, nil
	}

	changed, err := l.transitionLocked(order, evt)
	if err != nil {
		return order.Clone(), false, err
	}
	order.LastSeq = evt.Seq
	order.UpdatedAt = evt.Timestamp
	if changed && l.transitionCounter != nil {
		l.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(string(evt.Stream), string(evt.Kind), evt.Instrument)...))
	}
	return order.Clone(), changed, nil
}

func (l *Ledger) transitionLocked(order *schema.Order, evt *schema.Event) (bool, error) {
	switch evt.Kind {
	case schema.EventOrderAccepted:
		if order.Status != schema.OrderStatusPending {
			return false, invalidTransition(order, evt)
		}
		l.bindExchangeIDLocked(order, evt.ExchangeOrderID)
		order.Status = schema.OrderStatusOpen
		return true, nil

	case schema.EventOrderRejected:
		if order.Status != schema.OrderStatusPending {
			return false, invalidTransition(order, evt)
		}
		order.Status = schema.OrderStatusRejected
		return true, nil

	case schema.EventOrderFilled:
		if !order.Status.Working() {
			return false, invalidTransition(order, evt)
		}
		if evt.FillID != "" && order.FillApplied(evt.FillID) {
			return false, nil
		}
		if !evt.Quantity.IsPositive() {
			return false, errs.New("ledger/fill", errs.CodeInvalid, errs.WithMessage("fill quantity must be positive"))
		}
		next := order.FilledQuantity.Add(evt.Quantity)
		if next.GreaterThan(order.Quantity) {
			return false, errs.New("ledger/fill", errs.CodeInvalid,
				errs.WithMessage("fill exceeds requested quantity"),
				errs.WithField("client_order_id", order.ClientOrderID),
				errs.WithField("fill_id", evt.FillID))
		}
		order.MarkFillApplied(evt.FillID)
		order.FilledQuantity = next
		if !evt.AvgFillPrice.IsZero() {
			order.AvgFillPrice = evt.AvgFillPrice
		} else {
			order.AvgFillPrice = blendAvgPrice(order.AvgFillPrice, order.FilledQuantity.Sub(evt.Quantity), evt.Price, evt.Quantity)
		}
		if next.Equal(order.Quantity) {
			order.Status = schema.OrderStatusFilled
		} else {
			order.Status = schema.OrderStatusPartiallyFilled
		}
		return true, nil

	case schema.EventOrderCancelled:
		if !order.Status.Working() {
			return false, invalidTransition(order, evt)
		}
		order.Status = schema.OrderStatusCancelled
		return true, nil

	case schema.EventOrderExpired:
		// Partially filled IOC/GTD orders expire their remainder, so the
		// transition is permitted from both working states.
		if !order.Status.Working() {
			return false, invalidTransition(order, evt)
		}
		order.Status = schema.OrderStatusExpired
		return true, nil

	case schema.EventOrderAmended:
		if !order.Status.Working() {
			return false, invalidTransition(order, evt)
		}
		if evt.Quantity.IsPositive() {
			if evt.Quantity.LessThan(order.FilledQuantity) {
				return false, errs.New("ledger/amend", errs.CodeInvalid,
					errs.WithMessage("amended quantity below filled quantity"))
			}
			order.Quantity = evt.Quantity
		}
		if evt.Price.IsPositive() {
			order.Price = evt.Price
		}
		return true, nil

	default:
		return false, errs.New("ledger/apply", errs.CodeInvalid,
			errs.WithMessage("event kind not applicable to orders"),
			errs.WithField("kind", string(evt.Kind)))
	}
}

// bindExchangeIDLocked binds the exchange order id exactly once.
func (l *Ledger) bindExchangeIDLocked(order *schema.Order, exchangeID string) {
	if exchangeID == "" || order.ExchangeOrderID != "" {
		return
	}
	order.ExchangeOrderID = exchangeID
	l.clientByEx[exchangeID] = order.ClientOrderID
}

func (l *Ledger) resolveLocked(evt *schema.Event) *schema.Order {
	if evt.ClientOrderID != "" {
		if order, ok := l.byClientID[evt.ClientOrderID]; ok {
			return order
		}
	}
	if evt.ExchangeOrderID != "" {
		if clientID, ok := l.clientByEx[evt.ExchangeOrderID]; ok {
			return l.byClientID[clientID]
		}
	}
	return nil
}

func (l *Ledger) noteDuplicate(ctx context.Context, evt *schema.Event, reason string) {
	if l.duplicateCounter == nil {
		return
	}
	attrs := telemetry.EventAttributes(string(evt.Stream), string(evt.Kind), evt.Instrument)
	attrs = append(attrs, telemetry.AttrReason.String(reason))
	l.duplicateCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Get returns a clone of the order with the given client order id.
func (l *Ledger) Get(clientOrderID string) (*schema.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	order, ok := l.byClientID[clientOrderID]
	if !ok {
		return nil, errs.New("ledger/get", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithField("client_order_id", clientOrderID))
	}
	return order.Clone(), nil
}

// GetByExchangeID returns a clone of the order bound to the exchange id.
func (l *Ledger) GetByExchangeID(exchangeOrderID string) (*schema.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clientID, ok := l.clientByEx[exchangeOrderID]
	if !ok {
		return nil, errs.New("ledger/get", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithField("exchange_order_id", exchangeOrderID))
	}
	return l.byClientID[clientID].Clone(), nil
}

// WorkingOrders returns clones of every non-terminal, acknowledged order.
func (l *Ledger) WorkingOrders() []*schema.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*schema.Order, 0, len(l.byClientID))
	for _, order := range l.byClientID {
		if order.Status.Working() {
			out = append(out, order.Clone())
		}
	}
	return out
}

// PendingOrders returns clones of submitted but unacknowledged orders.
func (l *Ledger) PendingOrders() []*schema.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*schema.Order, 0, 4)
	for _, order := range l.byClientID {
		if order.Status == schema.OrderStatusPending {
			out = append(out, order.Clone())
		}
	}
	return out
}

// ReplaceFromSnapshot overwrites local records with snapshot truth for every
// order present in the snapshot. Orders already past the snapshot's sequence
// number keep their local state; snapshot rows for unknown orders are
// adopted wholesale (they were placed before a disconnect, or externally).
func (l *Ledger) ReplaceFromSnapshot(orders []*schema.Order, snapshotSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	for _, snap := range orders {
		if snap == nil || snap.ClientOrderID == "" {
			continue
		}
		local, ok := l.byClientID[snap.ClientOrderID]
		if ok && local.LastSeq > snapshotSeq {
			continue
		}
		adopted := snap.Clone()
		if adopted.LastSeq < snapshotSeq {
			adopted.LastSeq = snapshotSeq
		}
		if adopted.CreatedAt.IsZero() {
			if ok {
				adopted.CreatedAt = local.CreatedAt
			} else {
				adopted.CreatedAt = now
			}
		}
		if ok {
			// The dedupe set survives the merge so replayed fills stay no-ops.
			for _, fillID := range local.AppliedFillIDs() {
				adopted.MarkFillApplied(fillID)
			}
		}
		l.byClientID[adopted.ClientOrderID] = adopted
		l.bindExchangeIDLocked(adopted, snap.ExchangeOrderID)
	}
}

func invalidTransition(order *schema.Order, evt *schema.Event) error {
	return errs.New("ledger/transition", errs.CodeInvalidTransition,
		errs.WithMessage("event not permitted in current status"),
		errs.WithField("client_order_id", order.ClientOrderID),
		errs.WithField("status", string(order.Status)),
		errs.WithField("kind", string(evt.Kind)))
}
