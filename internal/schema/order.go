package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keelworks/keel/errs"
)

// TradeSide identifies the direction of an order.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Validate ensures the side is a known value.
func (s TradeSide) Validate() error {
	switch s {
	case TradeSideBuy, TradeSideSell:
		return nil
	default:
		return errs.New("schema/side", errs.CodeInvalid, errs.WithMessage("unknown trade side"), errs.WithField("side", string(s)))
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s TradeSide) Sign() decimal.Decimal {
	if s == TradeSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType identifies the order pricing mode.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Validate ensures the order type is a known value.
func (o OrderType) Validate() error {
	switch o {
	case OrderTypeLimit, OrderTypeMarket:
		return nil
	default:
		return errs.New("schema/order-type", errs.CodeInvalid, errs.WithMessage("unknown order type"), errs.WithField("type", string(o)))
	}
}

// TimeInForce mirrors the exchange's supported time-in-force policies.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTX TimeInForce = "GTX"
	TimeInForceGTD TimeInForce = "GTD"
)

// Validate ensures the time-in-force is a known value. Empty defaults to GTC
// at submission time and is accepted here.
func (t TimeInForce) Validate() error {
	switch t {
	case "", TimeInForceGTC, TimeInForceIOC, TimeInForceFOK, TimeInForceGTX, TimeInForceGTD:
		return nil
	default:
		return errs.New("schema/tif", errs.CodeInvalid, errs.WithMessage("unknown time in force"), errs.WithField("tif", string(t)))
	}
}

// OrderStatus tracks the lifecycle of an order in the ledger.
type OrderStatus string

const (
	// OrderStatusPending marks an order submitted but not yet acknowledged.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusOpen marks an acknowledged, working order.
	OrderStatusOpen OrderStatus = "OPEN"
	// OrderStatusPartiallyFilled marks a working order with partial executions.
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Working reports whether the order is live on the exchange.
func (s OrderStatus) Working() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// OrderIntent describes a strategy's request to open an order. The gateway
// assigns the client order id; callers never supply one.
type OrderIntent struct {
	Instrument   string
	Side         TradeSide
	Type         OrderType
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	TimeInForce  TimeInForce
	GoodTillDate int64
}

// Validate checks the intent before a client order id is assigned.
// GTD requires a good-till-date timestamp; every other TIF forbids one.
func (i OrderIntent) Validate() error {
	if err := ValidateInstrument(i.Instrument); err != nil {
		return err
	}
	if err := i.Side.Validate(); err != nil {
		return err
	}
	if err := i.Type.Validate(); err != nil {
		return err
	}
	if err := i.TimeInForce.Validate(); err != nil {
		return err
	}
	if !i.Quantity.IsPositive() {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if i.Type == OrderTypeLimit && !i.Price.IsPositive() {
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("limit orders require a positive price"))
	}
	switch {
	case i.TimeInForce == TimeInForceGTD && i.GoodTillDate <= 0:
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("GTD requires goodTillDate"))
	case i.TimeInForce != TimeInForceGTD && i.GoodTillDate > 0:
		return errs.New("schema/intent", errs.CodeInvalid, errs.WithMessage("goodTillDate is only valid with GTD"))
	}
	return nil
}

// Order is the ledger's record of a single order. Identity is the client
// order id; the exchange order id is bound once on acknowledgement and never
// changes afterwards.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      string
	Side            TradeSide
	Type            OrderType
	TimeInForce     TimeInForce
	GoodTillDate    int64
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          OrderStatus
	LastSeq         uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time

	appliedFills map[string]struct{}
}

// RemainingQuantity returns the unfilled remainder.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// FillApplied reports whether the fill id has already been applied.
func (o *Order) FillApplied(fillID string) bool {
	if o == nil || o.appliedFills == nil {
		return false
	}
	_, ok := o.appliedFills[fillID]
	return ok
}

// MarkFillApplied records the fill id in the order's dedupe set.
func (o *Order) MarkFillApplied(fillID string) {
	if o.appliedFills == nil {
		o.appliedFills = make(map[string]struct{}, 4)
	}
	o.appliedFills[fillID] = struct{}{}
}

// AppliedFillIDs lists the fill ids already applied to this order.
func (o *Order) AppliedFillIDs() []string {
	if o == nil || len(o.appliedFills) == 0 {
		return nil
	}
	out := make([]string, 0, len(o.appliedFills))
	for id := range o.appliedFills {
		out = append(out, id)
	}
	return out
}

// Clone returns a deep copy safe for readers.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.appliedFills != nil {
		clone.appliedFills = make(map[string]struct{}, len(o.appliedFills))
		for id := range o.appliedFills {
			clone.appliedFills[id] = struct{}{}
		}
	}
	return &clone
}

// Fill is an immutable execution record. FillID is the exchange-assigned
// trade id and the deduplication key.
type Fill struct {
	FillID          string
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      string
	Side            TradeSide
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	// RealizedProfit is the exchange-reported figure, retained for
	// cross-checking; the position ledger's own accounting is authoritative.
	RealizedProfit decimal.Decimal
	Maker          bool
	Seq            uint64
	TradedAt       time.Time
}

// ValidateInstrument verifies the exchange symbol (uppercase alphanumeric).
func ValidateInstrument(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return errs.New("schema/instrument", errs.CodeInvalid, errs.WithMessage("instrument must be uppercase alphanumeric"), errs.WithField("instrument", symbol))
		}
	}
	return nil
}
