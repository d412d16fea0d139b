package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/schema"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, sequenceNow func() uint64) *RESTClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRESTClient(RESTConfig{
		BaseURL:           server.URL,
		APIKey:            "test-key",
		APISecret:         "test-secret",
		RequestsPerSecond: 1000,
	}, sequenceNow)
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	var captured *http.Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"orderId": 8886774, "clientOrderId": "c-1", "status": "NEW"}`))
	}, nil)

	order := &schema.Order{
		ClientOrderID: "c-1",
		Instrument:    "BTCUSDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		TimeInForce:   schema.TimeInForceGTC,
		Price:         decimal.RequireFromString("100"),
		Quantity:      decimal.RequireFromString("10"),
	}
	if err := client.PlaceOrder(context.Background(), order); err != nil {
		t.Fatalf("place: %v", err)
	}

	if captured.Method != http.MethodPost || captured.URL.Path != "/fapi/v1/order" {
		t.Fatalf("request: %s %s", captured.Method, captured.URL.Path)
	}
	if got := captured.Header.Get("X-MBX-APIKEY"); got != "test-key" {
		t.Fatalf("api key header: %q", got)
	}

	query := captured.URL.Query()
	for key, want := range map[string]string{
		"symbol":           "BTCUSDT",
		"side":             "BUY",
		"type":             "LIMIT",
		"quantity":         "10",
		"price":            "100",
		"timeInForce":      "GTC",
		"newClientOrderId": "c-1",
	} {
		if got := query.Get(key); got != want {
			t.Fatalf("param %s: got %q, want %q", key, got, want)
		}
	}
	if query.Get("timestamp") == "" || query.Get("recvWindow") == "" {
		t.Fatal("signed request missing timestamp/recvWindow")
	}

	// The signature covers every parameter before it, in encoded order.
	raw := captured.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	if idx < 0 {
		t.Fatalf("no signature in query %q", raw)
	}
	payload, signature := raw[:idx], raw[idx+len("&signature="):]
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	if want := hex.EncodeToString(mac.Sum(nil)); signature != want {
		t.Fatalf("signature mismatch: got %s, want %s", signature, want)
	}
}

func TestPlaceOrderGTDCarriesGoodTillDate(t *testing.T) {
	var query url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{}`))
	}, nil)

	order := &schema.Order{
		ClientOrderID: "c-1",
		Instrument:    "BTCUSDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		TimeInForce:   schema.TimeInForceGTD,
		GoodTillDate:  1767225600000,
		Price:         decimal.RequireFromString("100"),
		Quantity:      decimal.RequireFromString("10"),
	}
	if err := client.PlaceOrder(context.Background(), order); err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := query.Get("goodTillDate"); got != "1767225600000" {
		t.Fatalf("goodTillDate: %q", got)
	}
	if got := query.Get("timeInForce"); got != "GTD" {
		t.Fatalf("timeInForce: %q", got)
	}
}

func TestCancelOrderMapsUnknownOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": -2011, "msg": "Unknown order sent."}`))
	}, nil)

	err := client.CancelOrder(context.Background(), "BTCUSDT", "c-missing")
	if !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("want not_found, got %v", err)
	}
}

func TestExchangeErrorKeepsRawFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": -2010, "msg": "Order would immediately trigger."}`))
	}, nil)

	err := client.PlaceOrder(context.Background(), &schema.Order{
		ClientOrderID: "c-1",
		Instrument:    "BTCUSDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("1"),
	})
	if !errs.HasCode(err, errs.CodeExchange) {
		t.Fatalf("want exchange error, got %v", err)
	}
	var e *errs.E
	if !errors.As(err, &e) {
		t.Fatalf("not an *errs.E: %v", err)
	}
	if e.RawCode != "-2010" || !strings.Contains(e.RawMsg, "immediately trigger") {
		t.Fatalf("raw fields lost: code=%q msg=%q", e.RawCode, e.RawMsg)
	}
}

func TestFetchSnapshotStampsSequence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/openOrders":
			_, _ = w.Write([]byte(`[
				{"symbol":"BTCUSDT","clientOrderId":"c-1","orderId":8886774,"side":"BUY","type":"LIMIT","timeInForce":"GTC","price":"100","origQty":"10","executedQty":"6","avgPrice":"100","status":"PARTIALLY_FILLED","updateTime":1568879465650}
			]`))
		case "/fapi/v3/positionRisk":
			_, _ = w.Write([]byte(`[
				{"symbol":"BTCUSDT","positionAmt":"6","entryPrice":"100"},
				{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0"}
			]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}, func() uint64 { return 42 })

	snap, err := client.FetchSnapshot(context.Background(), schema.StreamUserData)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Seq != 42 {
		t.Fatalf("seq: got %d, want 42", snap.Seq)
	}
	if len(snap.Orders) != 1 {
		t.Fatalf("orders: %d", len(snap.Orders))
	}
	order := snap.Orders[0]
	if order.ClientOrderID != "c-1" || order.ExchangeOrderID != "8886774" {
		t.Fatalf("ids: %s / %s", order.ClientOrderID, order.ExchangeOrderID)
	}
	if order.Status != schema.OrderStatusPartiallyFilled {
		t.Fatalf("status: %s", order.Status)
	}
	if !order.FilledQuantity.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("filled: %s", order.FilledQuantity)
	}
	if order.LastSeq != 42 {
		t.Fatalf("order last seq: %d", order.LastSeq)
	}
	if len(snap.Positions) != 2 {
		t.Fatalf("positions: %d", len(snap.Positions))
	}
	if !snap.Positions[0].Quantity.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("position qty: %s", snap.Positions[0].Quantity)
	}
}

// Events normalized while the snapshot fetches are in flight must carry
// sequence numbers above the stamp, or the reconciler would discard their
// buffered copies as already represented.
func TestFetchSnapshotSamplesSequenceBeforeFetch(t *testing.T) {
	var seq atomic.Uint64
	seq.Store(10)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// A fill normalized mid-fetch advances the counter.
		seq.Add(1)
		switch r.URL.Path {
		case "/fapi/v1/openOrders":
			_, _ = w.Write([]byte(`[]`))
		case "/fapi/v3/positionRisk":
			_, _ = w.Write([]byte(`[]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}, seq.Load)

	snap, err := client.FetchSnapshot(context.Background(), schema.StreamUserData)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Seq != 10 {
		t.Fatalf("seq: got %d, want pre-fetch sample 10", snap.Seq)
	}
}

func TestListenKeyLifecycle(t *testing.T) {
	var methods []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/listenKey" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("signature") != "" {
			t.Error("listen key endpoints must not be signed")
		}
		methods = append(methods, r.Method)
		_, _ = w.Write([]byte(`{"listenKey":"abc123"}`))
	}, nil)

	ctx := context.Background()
	key, err := client.CreateListenKey(ctx)
	if err != nil || key != "abc123" {
		t.Fatalf("create: key=%q err=%v", key, err)
	}
	if err := client.KeepAliveListenKey(ctx); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if err := client.CloseListenKey(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := []string{http.MethodPost, http.MethodPut, http.MethodDelete}
	for i, m := range want {
		if methods[i] != m {
			t.Fatalf("method %d: got %s, want %s", i, methods[i], m)
		}
	}
}
