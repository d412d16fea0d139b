package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/schema"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newOrder(clientID string, qty string) *schema.Order {
	return &schema.Order{
		ClientOrderID: clientID,
		Instrument:    "BTCUSDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         dec("100"),
		Quantity:      dec(qty),
		CreatedAt:     time.Now().UTC(),
	}
}

func acceptedEvent(clientID, exchangeID string, seq uint64) *schema.Event {
	return &schema.Event{
		Stream:          schema.StreamUserData,
		Seq:             seq,
		Kind:            schema.EventOrderAccepted,
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		Instrument:      "BTCUSDT",
		Timestamp:       time.Now().UTC(),
	}
}

func fillEvent(clientID, fillID string, seq uint64, qty, price string) *schema.Event {
	return &schema.Event{
		Stream:        schema.StreamUserData,
		Seq:           seq,
		Kind:          schema.EventOrderFilled,
		ClientOrderID: clientID,
		Instrument:    "BTCUSDT",
		Side:          schema.TradeSideBuy,
		Quantity:      dec(qty),
		Price:         dec(price),
		FillID:        fillID,
		Timestamp:     time.Now().UTC(),
	}
}

func TestCreateRejectsDuplicateClientID(t *testing.T) {
	l := New()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := l.Create(newOrder("c-1", "5"))
	if !errs.HasCode(err, errs.CodeDuplicateClientID) {
		t.Fatalf("expected duplicate_client_id, got %v", err)
	}
}

func TestAcceptBindsExchangeIDOnce(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}

	order, changed, err := l.Apply(ctx, acceptedEvent("c-1", "e-1", 1))
	if err != nil || !changed {
		t.Fatalf("apply ack: changed=%v err=%v", changed, err)
	}
	if order.Status != schema.OrderStatusOpen {
		t.Fatalf("expected OPEN, got %s", order.Status)
	}
	if order.ExchangeOrderID != "e-1" {
		t.Fatalf("expected exchange id bound, got %q", order.ExchangeOrderID)
	}

	// Resolution by exchange id alone must now work.
	evt := fillEvent("", "f-1", 2, "4", "100")
	evt.ExchangeOrderID = "e-1"
	order, changed, err = l.Apply(ctx, evt)
	if err != nil || !changed {
		t.Fatalf("apply fill by exchange id: changed=%v err=%v", changed, err)
	}
	if order.Status != schema.OrderStatusPartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", order.Status)
	}
}

func TestFillIdempotentPerFillID(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := l.Apply(ctx, acceptedEvent("c-1", "e-1", 1)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, _, err := l.Apply(ctx, fillEvent("c-1", "f-1", 2, "4", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Same fill id, new sequence number: must be a no-op on quantity.
	order, changed, err := l.Apply(ctx, fillEvent("c-1", "f-1", 3, "4", "100"))
	if err != nil {
		t.Fatalf("replayed fill: %v", err)
	}
	if changed {
		t.Fatal("replayed fill id must not change state")
	}
	if !order.FilledQuantity.Equal(dec("4")) {
		t.Fatalf("filled quantity drifted: %s", order.FilledQuantity)
	}
}

func TestStaleSequenceIsNoOp(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := l.Apply(ctx, acceptedEvent("c-1", "e-1", 5)); err != nil {
		t.Fatalf("ack: %v", err)
	}

	order, changed, err := l.Apply(ctx, fillEvent("c-1", "f-1", 5, "4", "100"))
	if err != nil {
		t.Fatalf("stale fill: %v", err)
	}
	if changed {
		t.Fatal("stale sequence must not change state")
	}
	if order.Status != schema.OrderStatusOpen {
		t.Fatalf("expected OPEN, got %s", order.Status)
	}
}

func TestFilledQuantityMonotonicAndCapped(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := l.Apply(ctx, acceptedEvent("c-1", "e-1", 1)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, _, err := l.Apply(ctx, fillEvent("c-1", "f-1", 2, "6", "100")); err != nil {
		t.Fatalf("fill 1: %v", err)
	}

	// Overfill must be refused without mutating the record.
	_, changed, err := l.Apply(ctx, fillEvent("c-1", "f-2", 3, "5", "101"))
	if err == nil || changed {
		t.Fatalf("expected overfill rejection, changed=%v err=%v", changed, err)
	}
	order, err := l.Get("c-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !order.FilledQuantity.Equal(dec("6")) {
		t.Fatalf("overfill mutated quantity: %s", order.FilledQuantity)
	}

	order, _, err = l.Apply(ctx, fillEvent("c-1", "f-3", 4, "4", "101"))
	if err != nil {
		t.Fatalf("fill 2: %v", err)
	}
	if order.Status != schema.OrderStatusFilled {
		t.Fatalf("expected FILLED, got %s", order.Status)
	}
	want := dec("100.4")
	if !order.AvgFillPrice.Equal(want) {
		t.Fatalf("avg fill price: got %s want %s", order.AvgFillPrice, want)
	}
}

func TestTerminalOrderAbsorbsLateEvents(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "4")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := l.Apply(ctx, acceptedEvent("c-1", "e-1", 1)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, _, err := l.Apply(ctx, fillEvent("c-1", "f-1", 2, "4", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	cancel := &schema.Event{
		Stream:        schema.StreamUserData,
		Seq:           3,
		Kind:          schema.EventOrderCancelled,
		ClientOrderID: "c-1",
		Instrument:    "BTCUSDT",
		Timestamp:     time.Now().UTC(),
	}
	order, changed, err := l.Apply(ctx, cancel)
	if err != nil {
		t.Fatalf("late cancel: %v", err)
	}
	if changed {
		t.Fatal("terminal order must not change state")
	}
	if order.Status != schema.OrderStatusFilled {
		t.Fatalf("status mutated to %s", order.Status)
	}
}

func TestOrphanEventSurfaced(t *testing.T) {
	l := New()
	_, _, err := l.Apply(context.Background(), fillEvent("ghost", "f-1", 1, "1", "100"))
	if !errs.HasCode(err, errs.CodeOrphanEvent) {
		t.Fatalf("expected orphan_event, got %v", err)
	}
}

func TestRejectOnlyFromPending(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	reject := &schema.Event{
		Stream:        schema.StreamUserData,
		Seq:           1,
		Kind:          schema.EventOrderRejected,
		ClientOrderID: "c-1",
		Instrument:    "BTCUSDT",
		Timestamp:     time.Now().UTC(),
	}
	order, changed, err := l.Apply(ctx, reject)
	if err != nil || !changed {
		t.Fatalf("reject: changed=%v err=%v", changed, err)
	}
	if order.Status != schema.OrderStatusRejected {
		t.Fatalf("expected REJECTED, got %s", order.Status)
	}
	if order.ExchangeOrderID != "" {
		t.Fatal("rejected order must not bind an exchange id")
	}
}

func TestExpireFromPartiallyFilled(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := l.Apply(ctx, acceptedEvent("c-1", "e-1", 1)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, _, err := l.Apply(ctx, fillEvent("c-1", "f-1", 2, "3", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	expire := &schema.Event{
		Stream:        schema.StreamUserData,
		Seq:           3,
		Kind:          schema.EventOrderExpired,
		ClientOrderID: "c-1",
		Instrument:    "BTCUSDT",
		Timestamp:     time.Now().UTC(),
	}
	order, changed, err := l.Apply(ctx, expire)
	if err != nil || !changed {
		t.Fatalf("expire: changed=%v err=%v", changed, err)
	}
	if order.Status != schema.OrderStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", order.Status)
	}
	if !order.FilledQuantity.Equal(dec("3")) {
		t.Fatalf("expiry mutated filled quantity: %s", order.FilledQuantity)
	}
}

func TestReplaceFromSnapshotPrefersNewerLocalState(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Create(newOrder("c-1", "10")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := l.Apply(ctx, acceptedEvent("c-1", "e-1", 1)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, _, err := l.Apply(ctx, fillEvent("c-1", "f-1", 8, "6", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	stale := newOrder("c-1", "10")
	stale.ExchangeOrderID = "e-1"
	stale.Status = schema.OrderStatusOpen
	fresh := newOrder("c-2", "5")
	fresh.ExchangeOrderID = "e-2"
	fresh.Status = schema.OrderStatusOpen

	l.ReplaceFromSnapshot([]*schema.Order{stale, fresh}, 4)

	order, err := l.Get("c-1")
	if err != nil {
		t.Fatalf("get c-1: %v", err)
	}
	if order.Status != schema.OrderStatusPartiallyFilled {
		t.Fatalf("snapshot clobbered newer local state: %s", order.Status)
	}

	adopted, err := l.Get("c-2")
	if err != nil {
		t.Fatalf("get c-2: %v", err)
	}
	if adopted.Status != schema.OrderStatusOpen || adopted.LastSeq != 4 {
		t.Fatalf("snapshot order not adopted: status=%s seq=%d", adopted.Status, adopted.LastSeq)
	}
	if _, err := l.GetByExchangeID("e-2"); err != nil {
		t.Fatalf("adopted order not indexed by exchange id: %v", err)
	}
}
