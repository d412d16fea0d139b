// Package journal records the normalized event stream and order snapshots
// for audit. The ledgers never read from it; recovery runs through snapshot
// resync, with the journal as the offline paper trail.
package journal

import (
	"context"

	"github.com/keelworks/keel/internal/schema"
)

// Journal is the audit sink. Implementations must tolerate duplicate
// deliveries of the same event; the sequence number plus fill id identify a
// record.
type Journal interface {
	RecordEvent(ctx context.Context, evt *schema.Event) error
	RecordOrder(ctx context.Context, order *schema.Order) error
	Close(ctx context.Context) error
}

// Nop discards everything. Used when no journal DSN is configured.
type Nop struct{}

func (Nop) RecordEvent(context.Context, *schema.Event) error { return nil }

func (Nop) RecordOrder(context.Context, *schema.Order) error { return nil }

func (Nop) Close(context.Context) error { return nil }
