package normalizer

import (
	"context"
	"testing"
	"time"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/schema"
)

const orderAcceptedFrame = `{
  "e": "ORDER_TRADE_UPDATE",
  "E": 1568879465651,
  "T": 1568879465650,
  "o": {
    "s": "BTCUSDT",
    "c": "web_abc123",
    "S": "BUY",
    "o": "LIMIT",
    "f": "GTC",
    "q": "10",
    "p": "100",
    "ap": "0",
    "x": "NEW",
    "X": "NEW",
    "i": 8886774,
    "l": "0",
    "z": "0",
    "L": "0",
    "T": 1568879465650,
    "t": 0,
    "m": false,
    "rp": "0"
  }
}`

const orderFilledFrame = `{
  "e": "ORDER_TRADE_UPDATE",
  "E": 1568879465651,
  "T": 1568879465650,
  "o": {
    "s": "BTCUSDT",
    "c": "web_abc123",
    "S": "BUY",
    "o": "LIMIT",
    "f": "GTC",
    "q": "10",
    "p": "100",
    "ap": "100.4",
    "x": "TRADE",
    "X": "PARTIALLY_FILLED",
    "i": 8886774,
    "l": "4",
    "z": "10",
    "L": "101",
    "n": "0.0404",
    "N": "USDT",
    "T": 1568879465650,
    "t": 12345,
    "m": true,
    "rp": "0"
  }
}`

const tradeLiteFrame = `{
  "e": "TRADE_LITE",
  "E": 1721895408092,
  "T": 1721895408214,
  "s": "BTCUSDT",
  "q": "0.001",
  "p": "64089.20",
  "m": false,
  "c": "web_xyz789",
  "S": "SELL",
  "L": "64089.20",
  "l": "0.001",
  "t": 109100866,
  "i": 8886775
}`

const fundingFrame = `{
  "e": "ACCOUNT_UPDATE",
  "E": 1564745798939,
  "T": 1564745798938,
  "a": {
    "m": "FUNDING_FEE",
    "B": [{"a": "USDT", "wb": "122624.12", "cw": "100.12", "bc": "-0.375"}],
    "P": [{"s": "BTCUSDT", "pa": "10", "ep": "100", "mt": "isolated"}]
  }
}`

func normalizeOne(t *testing.T, n *Binance, frame string) *schema.Event {
	t.Helper()
	events, err := n.Normalize(context.Background(), []byte(frame), time.Now())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	return events[0]
}

func TestNormalizeOrderAccepted(t *testing.T) {
	evt := normalizeOne(t, NewBinance(), orderAcceptedFrame)

	if evt.Kind != schema.EventOrderAccepted {
		t.Fatalf("kind: %s", evt.Kind)
	}
	if evt.ClientOrderID != "web_abc123" || evt.ExchangeOrderID != "8886774" {
		t.Fatalf("ids: %s / %s", evt.ClientOrderID, evt.ExchangeOrderID)
	}
	if evt.Instrument != "BTCUSDT" || evt.Side != schema.TradeSideBuy {
		t.Fatalf("instrument/side: %s %s", evt.Instrument, evt.Side)
	}
	if evt.Seq != 1 {
		t.Fatalf("seq: %d", evt.Seq)
	}
	if evt.Quantity.String() != "10" || evt.Price.String() != "100" {
		t.Fatalf("qty/price: %s %s", evt.Quantity, evt.Price)
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("produced invalid event: %v", err)
	}
}

func TestNormalizeOrderFilled(t *testing.T) {
	evt := normalizeOne(t, NewBinance(), orderFilledFrame)

	if evt.Kind != schema.EventOrderFilled {
		t.Fatalf("kind: %s", evt.Kind)
	}
	if evt.FillID != "12345" {
		t.Fatalf("fill id: %s", evt.FillID)
	}
	if evt.Quantity.String() != "4" || evt.Price.String() != "101" {
		t.Fatalf("last fill: %s @ %s", evt.Quantity, evt.Price)
	}
	if evt.FilledQuantity.String() != "10" || evt.AvgFillPrice.String() != "100.4" {
		t.Fatalf("cumulative: %s avg %s", evt.FilledQuantity, evt.AvgFillPrice)
	}
	if evt.Commission.String() != "0.0404" || evt.CommissionAsset != "USDT" {
		t.Fatalf("commission: %s %s", evt.Commission, evt.CommissionAsset)
	}
	if !evt.Maker {
		t.Fatal("maker flag lost")
	}
	if evt.RawStatus != "PARTIALLY_FILLED" {
		t.Fatalf("raw status: %s", evt.RawStatus)
	}
	if got := evt.Timestamp; got != time.UnixMilli(1568879465650).UTC() {
		t.Fatalf("timestamp: %v", got)
	}
}

func TestNormalizeTradeLite(t *testing.T) {
	evt := normalizeOne(t, NewBinance(), tradeLiteFrame)

	if evt.Kind != schema.EventOrderFilled {
		t.Fatalf("kind: %s", evt.Kind)
	}
	if evt.FillID != "109100866" || evt.ClientOrderID != "web_xyz789" {
		t.Fatalf("ids: %s / %s", evt.FillID, evt.ClientOrderID)
	}
	if evt.Side != schema.TradeSideSell {
		t.Fatalf("side: %s", evt.Side)
	}
	if evt.Quantity.String() != "0.001" || evt.Price.String() != "64089.2" {
		t.Fatalf("fill: %s @ %s", evt.Quantity, evt.Price)
	}
	// No cumulative figures on the lite frame; the ledger blends the average.
	if !evt.AvgFillPrice.IsZero() || !evt.FilledQuantity.IsZero() {
		t.Fatalf("lite frame must not fabricate cumulative fields")
	}
}

func TestNormalizeFundingFee(t *testing.T) {
	evt := normalizeOne(t, NewBinance(), fundingFrame)

	if evt.Kind != schema.EventFundingPayment {
		t.Fatalf("kind: %s", evt.Kind)
	}
	if evt.Instrument != "BTCUSDT" {
		t.Fatalf("instrument: %s", evt.Instrument)
	}
	if evt.FundingAmount.String() != "-0.375" {
		t.Fatalf("amount: %s", evt.FundingAmount)
	}
}

func TestNormalizeListenKeyExpired(t *testing.T) {
	evt := normalizeOne(t, NewBinance(), `{"e":"listenKeyExpired","E":1576653824250}`)
	if evt.Kind != schema.EventStreamReset {
		t.Fatalf("kind: %s", evt.Kind)
	}
}

func TestNormalizeSequenceIsContiguous(t *testing.T) {
	n := NewBinance()
	first := normalizeOne(t, n, orderAcceptedFrame)
	second := normalizeOne(t, n, orderFilledFrame)
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("sequence: %d, %d", first.Seq, second.Seq)
	}

	n.ResetSequence()
	third := normalizeOne(t, n, orderAcceptedFrame)
	if third.Seq != 1 {
		t.Fatalf("sequence after reset: %d", third.Seq)
	}
}

func TestNormalizeIgnoresUnrelatedFrames(t *testing.T) {
	n := NewBinance()
	for _, frame := range []string{
		`{"e":"MARGIN_CALL","E":1587727187525}`,
		`{"e":"ACCOUNT_CONFIG_UPDATE","E":1611646737479}`,
		`{"e":"ACCOUNT_UPDATE","E":1564745798939,"a":{"m":"DEPOSIT","B":[],"P":[]}}`,
	} {
		events, err := n.Normalize(context.Background(), []byte(frame), time.Now())
		if err != nil {
			t.Fatalf("frame %s: %v", frame, err)
		}
		if len(events) != 0 {
			t.Fatalf("frame %s produced %d events", frame, len(events))
		}
	}
}

// A frame rejected mid-decode must not consume a sequence number, or the next
// good frame would open a gap that nothing can fill.
func TestNormalizeRejectedFrameKeepsSequence(t *testing.T) {
	n := NewBinance()
	first := normalizeOne(t, n, orderAcceptedFrame)
	if first.Seq != 1 {
		t.Fatalf("seq: %d", first.Seq)
	}

	badFill := `{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT","c":"c-1","S":"BUY","x":"TRADE","X":"PARTIALLY_FILLED","i":1,"t":5,"l":"not-a-number","L":"100","z":"1","ap":"100","n":"0","rp":"0"}}`
	if _, err := n.Normalize(context.Background(), []byte(badFill), time.Now()); !errs.HasCode(err, errs.CodeDecodeFailure) {
		t.Fatalf("want decode_failure, got %v", err)
	}
	badLite := `{"e":"TRADE_LITE","E":1,"T":1,"s":"BTCUSDT","c":"c-1","S":"SELL","t":6,"i":2,"l":"not-a-number","L":"100"}`
	if _, err := n.Normalize(context.Background(), []byte(badLite), time.Now()); !errs.HasCode(err, errs.CodeDecodeFailure) {
		t.Fatalf("want decode_failure, got %v", err)
	}

	second := normalizeOne(t, n, orderFilledFrame)
	if second.Seq != 2 {
		t.Fatalf("rejected frames burnt sequence numbers: got %d, want 2", second.Seq)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	n := NewBinance()
	_, err := n.Normalize(context.Background(), []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"i":1,"x":"TRADE","t":5,"l":"not-a-number"}}`), time.Now())
	if !errs.HasCode(err, errs.CodeDecodeFailure) {
		t.Fatalf("want decode_failure, got %v", err)
	}

	if _, err := n.Normalize(context.Background(), []byte(`not json`), time.Now()); !errs.HasCode(err, errs.CodeDecodeFailure) {
		t.Fatalf("want decode_failure for garbage, got %v", err)
	}
}
