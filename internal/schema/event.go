// Package schema defines the canonical event and order types shared by the
// keel order/position core.
package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/keelworks/keel/errs"
)

// StreamID names a logical exchange stream carrying its own sequence space.
type StreamID string

const (
	// StreamUserData is the authenticated order/account stream.
	StreamUserData StreamID = "user-data"
	// StreamMarketData is the public market data stream.
	StreamMarketData StreamID = "market-data"
)

// EventKind is the closed set of normalized event categories.
type EventKind string

const (
	// EventOrderAccepted acknowledges a submitted order and binds its exchange id.
	EventOrderAccepted EventKind = "ORDER_ACCEPTED"
	// EventOrderRejected reports an order the exchange refused.
	EventOrderRejected EventKind = "ORDER_REJECTED"
	// EventOrderFilled reports a (partial) execution.
	EventOrderFilled EventKind = "ORDER_FILLED"
	// EventOrderCancelled confirms a cancel.
	EventOrderCancelled EventKind = "ORDER_CANCELLED"
	// EventOrderExpired reports an exchange-driven expiry.
	EventOrderExpired EventKind = "ORDER_EXPIRED"
	// EventOrderAmended confirms an amendment of price/quantity.
	EventOrderAmended EventKind = "ORDER_AMENDED"
	// EventFundingPayment reports a funding fee settlement on a position.
	EventFundingPayment EventKind = "FUNDING_PAYMENT"
	// EventStreamReset marks a stream whose continuity is lost (reconnect,
	// listen key expiry). It forces a resync and carries no order fields.
	EventStreamReset EventKind = "STREAM_RESET"
)

// Event is the single normalized representation of exchange messages consumed
// by the ledgers. Identifiers and sequence numbers are preserved verbatim
// from the exchange; only timestamp units are converted.
type Event struct {
	Stream          StreamID
	Seq             uint64
	Kind            EventKind
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      string
	Side            TradeSide
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	FillID          string
	Commission      decimal.Decimal
	CommissionAsset string
	RealizedProfit  decimal.Decimal
	FundingAmount   decimal.Decimal
	Maker           bool
	RawStatus       string
	Timestamp       time.Time
}

// Validate checks the structural invariants a normalized event must satisfy
// before the reconciler will consider applying it.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	if e.Stream == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("stream required"))
	}
	switch e.Kind {
	case EventOrderAccepted, EventOrderRejected, EventOrderFilled,
		EventOrderCancelled, EventOrderExpired, EventOrderAmended,
		EventFundingPayment, EventStreamReset:
	default:
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("unknown event kind"), errs.WithField("kind", string(e.Kind)))
	}
	if e.Kind == EventStreamReset {
		return nil
	}
	if e.Seq == 0 {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("sequence number required"))
	}
	if e.Kind == EventFundingPayment {
		if err := ValidateInstrument(e.Instrument); err != nil {
			return err
		}
		return nil
	}
	if e.ClientOrderID == "" && e.ExchangeOrderID == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event carries no order identifier"))
	}
	if e.Kind == EventOrderFilled && e.FillID == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("fill event requires fill id"))
	}
	return nil
}

// Fill extracts the immutable fill record from an ORDER_FILLED event.
func (e *Event) Fill() Fill {
	return Fill{
		FillID:          e.FillID,
		ClientOrderID:   e.ClientOrderID,
		ExchangeOrderID: e.ExchangeOrderID,
		Instrument:      e.Instrument,
		Side:            e.Side,
		Quantity:        e.Quantity,
		Price:           e.Price,
		Commission:      e.Commission,
		CommissionAsset: e.CommissionAsset,
		RealizedProfit:  e.RealizedProfit,
		Maker:           e.Maker,
		Seq:             e.Seq,
		TradedAt:        e.Timestamp,
	}
}

// Clone returns a copy of the event. Decimal values are immutable, so a
// shallow copy is a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}
