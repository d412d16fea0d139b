// Package binance implements the USDⓈ-M futures transport boundary: the
// signed REST surface for commands and snapshots, and the user data stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/observability"
	"github.com/keelworks/keel/internal/reconcile"
	"github.com/keelworks/keel/internal/schema"
)

const (
	orderEndpoint        = "/fapi/v1/order"
	openOrdersEndpoint   = "/fapi/v1/openOrders"
	positionRiskEndpoint = "/fapi/v3/positionRisk"
	listenKeyEndpoint    = "/fapi/v1/listenKey"

	defaultRecvWindow = 5000 * time.Millisecond
)

// RESTConfig carries the REST client settings.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow time.Duration
	Timeout    time.Duration
	// RequestsPerSecond bounds the signed request rate. Zero means 8, well
	// under the exchange's weight limits for this endpoint mix.
	RequestsPerSecond float64
}

func (c RESTConfig) normalize() RESTConfig {
	if c.RecvWindow <= 0 {
		c.RecvWindow = defaultRecvWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 8
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// RESTClient is the signed REST surface. It satisfies the gateway transport
// and the reconciler's snapshot source.
type RESTClient struct {
	cfg     RESTConfig
	http    *http.Client
	limiter *rate.Limiter
	clock   func() time.Time

	// sequenceNow reads the normalizer's current local sequence so a
	// snapshot can be stamped into the same sequence space as the stream.
	sequenceNow func() uint64
}

// NewRESTClient constructs a REST client. sequenceNow may be nil when the
// client is used for commands only.
func NewRESTClient(cfg RESTConfig, sequenceNow func() uint64) *RESTClient {
	cfg = cfg.normalize()
	return &RESTClient{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		clock:       time.Now,
		sequenceNow: sequenceNow,
	}
}

// PlaceOrder submits a new order carrying the ledger's client order id.
func (c *RESTClient) PlaceOrder(ctx context.Context, order *schema.Order) error {
	params := url.Values{}
	params.Set("symbol", order.Instrument)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Quantity.String())
	params.Set("newClientOrderId", order.ClientOrderID)
	if order.Type == schema.OrderTypeLimit {
		params.Set("price", order.Price.String())
		tif := order.TimeInForce
		if tif == "" {
			tif = schema.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
		if tif == schema.TimeInForceGTD {
			params.Set("goodTillDate", strconv.FormatInt(order.GoodTillDate, 10))
		}
	}
	_, err := c.signedRequest(ctx, http.MethodPost, orderEndpoint, params)
	return err
}

// CancelOrder cancels by client order id.
func (c *RESTClient) CancelOrder(ctx context.Context, instrument, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("origClientOrderId", clientOrderID)
	_, err := c.signedRequest(ctx, http.MethodDelete, orderEndpoint, params)
	return err
}

// AmendOrder modifies price and/or quantity of a working order.
func (c *RESTClient) AmendOrder(ctx context.Context, instrument, clientOrderID string, price, quantity decimal.Decimal) error {
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("origClientOrderId", clientOrderID)
	if price.IsPositive() {
		params.Set("price", price.String())
	}
	if quantity.IsPositive() {
		params.Set("quantity", quantity.String())
	}
	_, err := c.signedRequest(ctx, http.MethodPut, orderEndpoint, params)
	return err
}

type restOrder struct {
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	OrderID       int64  `json:"orderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"timeInForce"`
	GoodTillDate  int64  `json:"goodTillDate"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"updateTime"`
}

type restPosition struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

// FetchSnapshot pulls open orders and position risk, stamping them with the
// normalizer's sequence as sampled before the first request. Events
// normalized while the fetches are in flight carry later numbers and replay
// over the snapshot; fill-id dedupe absorbs any double representation.
func (c *RESTClient) FetchSnapshot(ctx context.Context, stream schema.StreamID) (*reconcile.Snapshot, error) {
	var seq uint64
	if c.sequenceNow != nil {
		seq = c.sequenceNow()
	}

	ordersBody, err := c.signedRequest(ctx, http.MethodGet, openOrdersEndpoint, url.Values{})
	if err != nil {
		return nil, err
	}
	positionsBody, err := c.signedRequest(ctx, http.MethodGet, positionRiskEndpoint, url.Values{})
	if err != nil {
		return nil, err
	}

	var rawOrders []restOrder
	if err := json.Unmarshal(ordersBody, &rawOrders); err != nil {
		return nil, errs.New("transport/binance", errs.CodeDecodeFailure,
			errs.WithMessage("decode open orders"), errs.WithCause(err))
	}
	var rawPositions []restPosition
	if err := json.Unmarshal(positionsBody, &rawPositions); err != nil {
		return nil, errs.New("transport/binance", errs.CodeDecodeFailure,
			errs.WithMessage("decode position risk"), errs.WithCause(err))
	}

	snap := &reconcile.Snapshot{
		Stream:  stream,
		Seq:     seq,
		TakenAt: c.clock().UTC(),
	}
	for _, raw := range rawOrders {
		order, err := snapshotOrder(raw, seq)
		if err != nil {
			return nil, err
		}
		snap.Orders = append(snap.Orders, order)
	}
	for _, raw := range rawPositions {
		qty, err := parseDecimal(raw.PositionAmt)
		if err != nil {
			return nil, err
		}
		entry, err := parseDecimal(raw.EntryPrice)
		if err != nil {
			return nil, err
		}
		snap.Positions = append(snap.Positions, reconcile.PositionRow{
			Instrument:    strings.ToUpper(raw.Symbol),
			Quantity:      qty,
			AvgEntryPrice: entry,
		})
	}
	return snap, nil
}

func snapshotOrder(raw restOrder, seq uint64) (*schema.Order, error) {
	price, err := parseDecimal(raw.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(raw.OrigQty)
	if err != nil {
		return nil, err
	}
	filled, err := parseDecimal(raw.ExecutedQty)
	if err != nil {
		return nil, err
	}
	avg, err := parseDecimal(raw.AvgPrice)
	if err != nil {
		return nil, err
	}
	return &schema.Order{
		ClientOrderID:   raw.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		Instrument:      strings.ToUpper(raw.Symbol),
		Side:            schema.TradeSide(raw.Side),
		Type:            schema.OrderType(raw.Type),
		TimeInForce:     schema.TimeInForce(raw.TimeInForce),
		GoodTillDate:    raw.GoodTillDate,
		Price:           price,
		Quantity:        qty,
		FilledQuantity:  filled,
		AvgFillPrice:    avg,
		Status:          mapRESTStatus(raw.Status),
		LastSeq:         seq,
		UpdatedAt:       time.UnixMilli(raw.UpdateTime).UTC(),
	}, nil
}

func mapRESTStatus(status string) schema.OrderStatus {
	switch status {
	case "NEW":
		return schema.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return schema.OrderStatusPartiallyFilled
	case "FILLED":
		return schema.OrderStatusFilled
	case "CANCELED":
		return schema.OrderStatusCancelled
	case "REJECTED":
		return schema.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return schema.OrderStatusExpired
	default:
		return schema.OrderStatusOpen
	}
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey opens a user data stream and returns its key.
func (c *RESTClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.keyedRequest(ctx, http.MethodPost, listenKeyEndpoint)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errs.New("transport/binance", errs.CodeDecodeFailure,
			errs.WithMessage("decode listen key"), errs.WithCause(err))
	}
	if resp.ListenKey == "" {
		return "", errs.New("transport/binance", errs.CodeExchange,
			errs.WithMessage("empty listen key in response"))
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the stream's validity window.
func (c *RESTClient) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.keyedRequest(ctx, http.MethodPut, listenKeyEndpoint)
	return err
}

// CloseListenKey closes the user data stream.
func (c *RESTClient) CloseListenKey(ctx context.Context) error {
	_, err := c.keyedRequest(ctx, http.MethodDelete, listenKeyEndpoint)
	return err
}

// signedRequest sends a request with timestamp, recvWindow, and signature.
func (c *RESTClient) signedRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.clock().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
	query := params.Encode()
	query += "&signature=" + c.sign(query)
	return c.do(ctx, method, endpoint+"?"+query)
}

// keyedRequest sends a request authenticated by API key alone; the listen
// key endpoints take no signature.
func (c *RESTClient) keyedRequest(ctx context.Context, method, endpoint string) ([]byte, error) {
	return c.do(ctx, method, endpoint)
}

func (c *RESTClient) do(ctx context.Context, method, pathAndQuery string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New("transport/binance", errs.CodeTransportFailure,
			errs.WithMessage("rate limiter wait"), errs.WithCause(err))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+pathAndQuery, nil)
	if err != nil {
		return nil, errs.New("transport/binance", errs.CodeInternal,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("transport/binance", errs.CodeTransportFailure,
			errs.WithMessage("http request failed"),
			errs.WithField("endpoint", pathAndQuery),
			errs.WithCause(err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			observability.Log().Debug("response body close",
				observability.F("error", cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.New("transport/binance", errs.CodeTransportFailure,
			errs.WithMessage("read response body"), errs.WithCause(err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, exchangeError(resp.StatusCode, body)
}

func (c *RESTClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type exchangeErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// exchangeError maps exchange error responses onto the error taxonomy.
func exchangeError(status int, body []byte) error {
	var payload exchangeErrorBody
	_ = json.Unmarshal(body, &payload)

	code := errs.CodeExchange
	switch payload.Code {
	case -2011, -2013:
		// Unknown order / order does not exist.
		code = errs.CodeNotFound
	case -1003:
		code = errs.CodeTransportFailure
	}
	return errs.New("transport/binance", code,
		errs.WithMessage("exchange rejected request"),
		errs.WithHTTP(status),
		errs.WithRawCode(fmt.Sprintf("%d", payload.Code)),
		errs.WithRawMessage(payload.Msg))
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errs.New("transport/binance", errs.CodeDecodeFailure,
			errs.WithMessage("invalid decimal field"),
			errs.WithField("value", s),
			errs.WithCause(err))
	}
	return d, nil
}
