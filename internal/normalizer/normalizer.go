// Package normalizer converts raw exchange frames into canonical events.
package normalizer

import (
	"context"
	"time"

	"github.com/keelworks/keel/internal/schema"
)

// Normalizer turns one raw stream frame into zero or more canonical events.
// Frames the core has no use for (margin calls, leverage changes) normalize
// to an empty slice, not an error.
type Normalizer interface {
	Normalize(ctx context.Context, frame []byte, receivedAt time.Time) ([]*schema.Event, error)
}
