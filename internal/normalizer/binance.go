package normalizer

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/observability"
	"github.com/keelworks/keel/internal/schema"
	"github.com/keelworks/keel/internal/telemetry"
)

// Binance normalizes USDⓈ-M futures user data frames. The exchange does not
// number these messages, so the normalizer stamps its own contiguous sequence
// per connection; a reconnect emits STREAM_RESET and the reconciler starts a
// fresh baseline from the snapshot.
type Binance struct {
	stream schema.StreamID
	seq    atomic.Uint64

	frameCounter  metric.Int64Counter
	decodeCounter metric.Int64Counter
}

// NewBinance constructs a user data stream normalizer.
func NewBinance() *Binance {
	b := &Binance{stream: schema.StreamUserData}
	meter := otel.Meter("normalizer")
	b.frameCounter, _ = meter.Int64Counter("normalizer.frames",
		metric.WithDescription("Number of normalized stream frames by kind"),
		metric.WithUnit("{frame}"))
	b.decodeCounter, _ = meter.Int64Counter("normalizer.decode.failures",
		metric.WithDescription("Number of frames that failed to decode"),
		metric.WithUnit("{frame}"))
	return b
}

// ResetSequence restarts the local sequence space. Called by the stream
// manager on reconnect, before the STREAM_RESET marker is injected.
func (b *Binance) ResetSequence() {
	b.seq.Store(0)
}

// Sequence reports the last assigned sequence number. REST snapshots are
// stamped with this value so the reconciler can order them against
// buffered stream events.
func (b *Binance) Sequence() uint64 {
	return b.seq.Load()
}

// Normalize decodes a single user data frame.
func (b *Binance) Normalize(ctx context.Context, frame []byte, receivedAt time.Time) ([]*schema.Event, error) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, b.decodeFailure(ctx, "envelope", err)
	}

	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		return b.parseOrderTradeUpdate(ctx, frame)
	case "TRADE_LITE":
		return b.parseTradeLite(ctx, frame)
	case "ACCOUNT_UPDATE":
		return b.parseAccountUpdate(ctx, frame)
	case "listenKeyExpired":
		b.countFrame(ctx, "listen_key_expired", "")
		return []*schema.Event{{
			Stream:    b.stream,
			Kind:      schema.EventStreamReset,
			Timestamp: receivedAt,
		}}, nil
	default:
		// MARGIN_CALL, ACCOUNT_CONFIG_UPDATE and friends carry nothing the
		// order or position ledgers track.
		observability.Log().Debug("ignoring user data frame",
			observability.F("event_type", head.EventType))
		return nil, nil
	}
}

type orderTradeUpdate struct {
	EventTime int64 `json:"E"`
	TradeTime int64 `json:"T"`
	Order     struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		TimeInForce     string `json:"f"`
		Quantity        string `json:"q"`
		Price           string `json:"p"`
		AvgPrice        string `json:"ap"`
		ExecutionType   string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		LastFilledQty   string `json:"l"`
		CumFilledQty    string `json:"z"`
		LastFilledPrice string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
		Maker           bool   `json:"m"`
		RealizedProfit  string `json:"rp"`
	} `json:"o"`
}

func (b *Binance) parseOrderTradeUpdate(ctx context.Context, frame []byte) ([]*schema.Event, error) {
	var payload orderTradeUpdate
	if err := json.Unmarshal(frame, &payload); err != nil {
		return nil, b.decodeFailure(ctx, "order_trade_update", err)
	}
	o := payload.Order

	kind, ok := mapExecutionType(o.ExecutionType, o.Status)
	if !ok {
		observability.Log().Debug("ignoring order execution type",
			observability.F("execution_type", o.ExecutionType),
			observability.F("status", o.Status))
		return nil, nil
	}

	evt := &schema.Event{
		Stream:          b.stream,
		Kind:            kind,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Instrument:      strings.ToUpper(o.Symbol),
		Side:            schema.TradeSide(o.Side),
		Maker:           o.Maker,
		RawStatus:       o.Status,
		Timestamp:       time.UnixMilli(payload.EventTime).UTC(),
	}

	var err error
	if kind == schema.EventOrderFilled {
		if o.TradeID == 0 {
			return nil, b.decodeFailure(ctx, "order_trade_update", errs.New(
				"normalizer/binance", errs.CodeDecodeFailure,
				errs.WithMessage("trade execution without trade id")))
		}
		evt.FillID = strconv.FormatInt(o.TradeID, 10)
		if evt.Quantity, err = parseDecimal(o.LastFilledQty); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
		if evt.Price, err = parseDecimal(o.LastFilledPrice); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
		if evt.FilledQuantity, err = parseDecimal(o.CumFilledQty); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
		if evt.AvgFillPrice, err = parseDecimal(o.AvgPrice); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
		if evt.Commission, err = parseDecimal(o.Commission); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
		evt.CommissionAsset = o.CommissionAsset
		if evt.RealizedProfit, err = parseDecimal(o.RealizedProfit); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
		evt.Timestamp = time.UnixMilli(o.TradeTime).UTC()
	} else {
		if evt.Quantity, err = parseDecimal(o.Quantity); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
		if evt.Price, err = parseDecimal(o.Price); err != nil {
			return nil, b.decodeFailure(ctx, "order_trade_update", err)
		}
	}

	// Stamp only after every field decoded; a rejected frame must not burn a
	// sequence number and open a phantom gap.
	evt.Seq = b.seq.Add(1)
	b.countFrame(ctx, string(kind), evt.Instrument)
	return []*schema.Event{evt}, nil
}

type tradeLite struct {
	EventTime       int64  `json:"E"`
	TradeTime       int64  `json:"T"`
	Symbol          string `json:"s"`
	Quantity        string `json:"q"`
	Price           string `json:"p"`
	Maker           bool   `json:"m"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	LastFilledPrice string `json:"L"`
	LastFilledQty   string `json:"l"`
	TradeID         int64  `json:"t"`
	OrderID         int64  `json:"i"`
}

// parseTradeLite handles the slimmed fill notification. It carries no
// cumulative totals, so the ledger blends the average price itself.
func (b *Binance) parseTradeLite(ctx context.Context, frame []byte) ([]*schema.Event, error) {
	var payload tradeLite
	if err := json.Unmarshal(frame, &payload); err != nil {
		return nil, b.decodeFailure(ctx, "trade_lite", err)
	}
	if payload.TradeID == 0 {
		return nil, b.decodeFailure(ctx, "trade_lite", errs.New(
			"normalizer/binance", errs.CodeDecodeFailure,
			errs.WithMessage("trade lite without trade id")))
	}

	evt := &schema.Event{
		Stream:          b.stream,
		Kind:            schema.EventOrderFilled,
		ClientOrderID:   payload.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(payload.OrderID, 10),
		Instrument:      strings.ToUpper(payload.Symbol),
		Side:            schema.TradeSide(payload.Side),
		FillID:          strconv.FormatInt(payload.TradeID, 10),
		Maker:           payload.Maker,
		Timestamp:       time.UnixMilli(payload.TradeTime).UTC(),
	}
	var err error
	if evt.Quantity, err = parseDecimal(payload.LastFilledQty); err != nil {
		return nil, b.decodeFailure(ctx, "trade_lite", err)
	}
	if evt.Price, err = parseDecimal(payload.LastFilledPrice); err != nil {
		return nil, b.decodeFailure(ctx, "trade_lite", err)
	}

	evt.Seq = b.seq.Add(1)
	b.countFrame(ctx, string(schema.EventOrderFilled), evt.Instrument)
	return []*schema.Event{evt}, nil
}

type accountUpdate struct {
	EventTime int64 `json:"E"`
	Data      struct {
		Reason    string `json:"m"`
		Balances  []struct {
			Asset         string `json:"a"`
			BalanceChange string `json:"bc"`
		} `json:"B"`
		Positions []struct {
			Symbol string `json:"s"`
		} `json:"P"`
	} `json:"a"`
}

// parseAccountUpdate extracts funding fee settlements. Other account update
// reasons (deposits, margin transfers) do not concern position accounting.
func (b *Binance) parseAccountUpdate(ctx context.Context, frame []byte) ([]*schema.Event, error) {
	var payload accountUpdate
	if err := json.Unmarshal(frame, &payload); err != nil {
		return nil, b.decodeFailure(ctx, "account_update", err)
	}
	if payload.Data.Reason != "FUNDING_FEE" {
		return nil, nil
	}
	if len(payload.Data.Positions) == 0 {
		// Crossed-position funding omits the position block, leaving no
		// symbol to attribute the fee to.
		observability.Log().Warn("funding fee without position symbol, skipping")
		return nil, nil
	}

	amount := decimal.Zero
	for _, bal := range payload.Data.Balances {
		change, err := parseDecimal(bal.BalanceChange)
		if err != nil {
			return nil, b.decodeFailure(ctx, "account_update", err)
		}
		amount = amount.Add(change)
	}

	instrument := strings.ToUpper(payload.Data.Positions[0].Symbol)
	b.countFrame(ctx, string(schema.EventFundingPayment), instrument)
	return []*schema.Event{{
		Stream:        b.stream,
		Seq:           b.seq.Add(1),
		Kind:          schema.EventFundingPayment,
		Instrument:    instrument,
		FundingAmount: amount,
		Timestamp:     time.UnixMilli(payload.EventTime).UTC(),
	}}, nil
}

// mapExecutionType maps the exchange execution type to an event kind. The
// status disambiguates expiry of the auto-close ladder and rejections.
func mapExecutionType(executionType, status string) (schema.EventKind, bool) {
	if status == "REJECTED" {
		return schema.EventOrderRejected, true
	}
	switch executionType {
	case "NEW":
		return schema.EventOrderAccepted, true
	case "TRADE":
		return schema.EventOrderFilled, true
	case "CANCELED":
		return schema.EventOrderCancelled, true
	case "EXPIRED":
		return schema.EventOrderExpired, true
	case "AMENDMENT":
		return schema.EventOrderAmended, true
	default:
		return "", false
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errs.New("normalizer/binance", errs.CodeDecodeFailure,
			errs.WithMessage("invalid decimal field"),
			errs.WithField("value", s),
			errs.WithCause(err))
	}
	return d, nil
}

func (b *Binance) countFrame(ctx context.Context, kind, instrument string) {
	if b.frameCounter == nil {
		return
	}
	b.frameCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.EventAttributes(string(b.stream), kind, instrument)...))
}

func (b *Binance) decodeFailure(ctx context.Context, frameKind string, cause error) error {
	if b.decodeCounter != nil {
		b.decodeCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrReason.String(frameKind)))
	}
	if errs.CodeOf(cause) == errs.CodeDecodeFailure {
		return cause
	}
	return errs.New("normalizer/binance", errs.CodeDecodeFailure,
		errs.WithMessage("frame decode failed"),
		errs.WithField("frame", frameKind),
		errs.WithCause(cause))
}
