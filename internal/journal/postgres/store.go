// Package postgres persists the audit journal in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelworks/keel/internal/schema"
)

// Store writes journal records through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	eventInsertSQL = `
INSERT INTO journal_events (
    stream,
    seq,
    kind,
    client_order_id,
    exchange_order_id,
    instrument,
    side,
    quantity,
    price,
    filled_quantity,
    avg_fill_price,
    fill_id,
    commission,
    commission_asset,
    funding_amount,
    maker,
    raw_status,
    event_at,
    recorded_at
)
VALUES (
    @stream,
    @seq,
    @kind,
    @client_order_id,
    @exchange_order_id,
    @instrument,
    @side,
    @quantity,
    @price,
    @filled_quantity,
    @avg_fill_price,
    @fill_id,
    @commission,
    @commission_asset,
    @funding_amount,
    @maker,
    @raw_status,
    @event_at,
    NOW()
)
ON CONFLICT (stream, seq, fill_id) DO NOTHING;
`

	orderUpsertSQL = `
INSERT INTO journal_orders (
    client_order_id,
    exchange_order_id,
    instrument,
    side,
    order_type,
    time_in_force,
    price,
    quantity,
    filled_quantity,
    avg_fill_price,
    status,
    last_seq,
    created_at,
    updated_at
)
VALUES (
    @client_order_id,
    @exchange_order_id,
    @instrument,
    @side,
    @order_type,
    @time_in_force,
    @price,
    @quantity,
    @filled_quantity,
    @avg_fill_price,
    @status,
    @last_seq,
    @created_at,
    NOW()
)
ON CONFLICT (client_order_id) DO UPDATE SET
    exchange_order_id = EXCLUDED.exchange_order_id,
    price = EXCLUDED.price,
    quantity = EXCLUDED.quantity,
    filled_quantity = EXCLUDED.filled_quantity,
    avg_fill_price = EXCLUDED.avg_fill_price,
    status = EXCLUDED.status,
    last_seq = EXCLUDED.last_seq,
    updated_at = NOW()
WHERE journal_orders.last_seq <= EXCLUDED.last_seq;
`

	eventSelectSQL = `
SELECT
    stream,
    seq,
    kind,
    client_order_id,
    instrument,
    fill_id,
    event_at
FROM journal_events
WHERE stream = $1 AND seq >= $2
ORDER BY seq ASC
LIMIT $3;
`
)

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

// RecordEvent appends one normalized event. Redeliveries of the same
// (stream, seq, fill id) are absorbed by the conflict clause.
func (s *Store) RecordEvent(ctx context.Context, evt *schema.Event) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"stream":            string(evt.Stream),
		"seq":               int64(evt.Seq),
		"kind":              string(evt.Kind),
		"client_order_id":   evt.ClientOrderID,
		"exchange_order_id": evt.ExchangeOrderID,
		"instrument":        evt.Instrument,
		"side":              string(evt.Side),
		"quantity":          evt.Quantity.String(),
		"price":             evt.Price.String(),
		"filled_quantity":   evt.FilledQuantity.String(),
		"avg_fill_price":    evt.AvgFillPrice.String(),
		"fill_id":           evt.FillID,
		"commission":        evt.Commission.String(),
		"commission_asset":  evt.CommissionAsset,
		"funding_amount":    evt.FundingAmount.String(),
		"maker":             evt.Maker,
		"raw_status":        evt.RawStatus,
		"event_at":          evt.Timestamp.UTC(),
	}
	if _, err := pool.Exec(ctx, eventInsertSQL, args); err != nil {
		return fmt.Errorf("journal store: insert event: %w", err)
	}
	return nil
}

// RecordOrder upserts the current order snapshot. Stale writes lose to the
// sequence guard in the upsert.
func (s *Store) RecordOrder(ctx context.Context, order *schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(order.ClientOrderID) == "" {
		return fmt.Errorf("journal store: client order id required")
	}
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"client_order_id":   order.ClientOrderID,
		"exchange_order_id": order.ExchangeOrderID,
		"instrument":        order.Instrument,
		"side":              string(order.Side),
		"order_type":        string(order.Type),
		"time_in_force":     string(order.TimeInForce),
		"price":             order.Price.String(),
		"quantity":          order.Quantity.String(),
		"filled_quantity":   order.FilledQuantity.String(),
		"avg_fill_price":    order.AvgFillPrice.String(),
		"status":            string(order.Status),
		"last_seq":          int64(order.LastSeq),
		"created_at":        createdAt.UTC(),
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("journal store: upsert order: %w", err)
	}
	return nil
}

// EventRef is a thin view over a journaled event, enough to audit ordering.
type EventRef struct {
	Stream        string
	Seq           uint64
	Kind          string
	ClientOrderID string
	Instrument    string
	FillID        string
	EventAt       time.Time
}

// ListEvents returns journaled events for a stream starting at fromSeq.
func (s *Store) ListEvents(ctx context.Context, stream schema.StreamID, fromSeq uint64, limit int) ([]EventRef, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := pool.Query(ctx, eventSelectSQL, string(stream), int64(fromSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("journal store: list events: %w", err)
	}
	defer rows.Close()

	var out []EventRef
	for rows.Next() {
		var (
			ref EventRef
			seq int64
		)
		if err := rows.Scan(&ref.Stream, &seq, &ref.Kind, &ref.ClientOrderID, &ref.Instrument, &ref.FillID, &ref.EventAt); err != nil {
			return nil, fmt.Errorf("journal store: scan event: %w", err)
		}
		ref.Seq = uint64(seq)
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate events: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool.
func (s *Store) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
