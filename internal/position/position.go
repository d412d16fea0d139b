// Package position aggregates confirmed fills into net positions with
// weighted-average-cost accounting. Intent never moves a position; only
// applied fills do.
package position

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/schema"
	"github.com/keelworks/keel/internal/telemetry"
)

// Position is the per-instrument aggregate. Quantity is signed: positive
// long, negative short.
type Position struct {
	Instrument    string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	// CumFees accumulates commissions separately; they are never netted
	// into RealizedPnL.
	CumFees decimal.Decimal
	// CumFunding accumulates funding payments, kept apart from trade PnL.
	CumFunding decimal.Decimal
	LastSeq    uint64
}

// UnrealizedPnL values the open quantity against a mark price.
func (p Position) UnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return markPrice.Sub(p.AvgEntryPrice).Mul(p.Quantity)
}

// Ledger tracks positions per instrument. Positions are created lazily on
// first fill and never deleted, only reset.
type Ledger struct {
	mu           sync.RWMutex
	positions    map[string]*Position
	appliedFills map[string]struct{}

	fillCounter      metric.Int64Counter
	duplicateCounter metric.Int64Counter
}

// NewLedger constructs an empty position ledger.
func NewLedger() *Ledger {
	l := &Ledger{
		positions:    make(map[string]*Position),
		appliedFills: make(map[string]struct{}),
	}
	meter := otel.Meter("position")
	l.fillCounter, _ = meter.Int64Counter("position.fills.applied",
		metric.WithDescription("Number of fills applied to positions"),
		metric.WithUnit("{fill}"))
	l.duplicateCounter, _ = meter.Int64Counter("position.fills.duplicates",
		metric.WithDescription("Number of duplicate fill ids absorbed"),
		metric.WithUnit("{fill}"))
	return l
}

// ApplyFill folds a confirmed fill into the instrument's position. The
// operation is idempotent per fill id: replays return the current state
// unchanged. Accounting follows weighted-average cost:
//
//   - same-direction fills blend the average entry price by quantity;
//   - reducing fills book (fill price − avg entry) × closed qty × sign as
//     realized PnL and leave the average untouched;
//   - flips book PnL for the whole prior position and restart the average
//     at the fill price for the residual.
func (l *Ledger) ApplyFill(ctx context.Context, fill schema.Fill) (Position, bool, error) {
	if fill.FillID == "" {
		return Position{}, false, errs.New("position/apply", errs.CodeInvalid, errs.WithMessage("fill id required"))
	}
	if !fill.Quantity.IsPositive() {
		return Position{}, false, errs.New("position/apply", errs.CodeInvalid, errs.WithMessage("fill quantity must be positive"))
	}
	if err := fill.Side.Validate(); err != nil {
		return Position{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.appliedFills[fill.FillID]; dup {
		if l.duplicateCounter != nil {
			l.duplicateCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.EventAttributes(string(schema.StreamUserData), "fill", fill.Instrument)...))
		}
		return *l.ensureLocked(fill.Instrument), false, nil
	}

	pos := l.ensureLocked(fill.Instrument)
	applyToPosition(pos, fill)
	l.appliedFills[fill.FillID] = struct{}{}
	if fill.Seq > pos.LastSeq {
		pos.LastSeq = fill.Seq
	}
	if l.fillCounter != nil {
		l.fillCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(string(schema.StreamUserData), "fill", fill.Instrument)...))
	}
	return *pos, true, nil
}

func applyToPosition(pos *Position, fill schema.Fill) {
	signed := fill.Quantity.Mul(fill.Side.Sign())
	prior := pos.Quantity
	next := prior.Add(signed)

	switch {
	case prior.IsZero() || prior.Sign() == signed.Sign():
		// Position opened or extended: blend the average entry price.
		total := prior.Abs().Add(fill.Quantity)
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(prior.Abs()).
			Add(fill.Price.Mul(fill.Quantity)).
			Div(total)

	case next.IsZero() || next.Sign() == prior.Sign():
		// Reduced (possibly to flat): realize PnL on the closed portion.
		closed := fill.Quantity
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed).Mul(signum(prior))
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		if next.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}

	default:
		// Flipped: close the whole prior position, restart at fill price.
		closed := prior.Abs()
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed).Mul(signum(prior))
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.AvgEntryPrice = fill.Price
	}

	pos.Quantity = next
	pos.CumFees = pos.CumFees.Add(fill.Commission)
}

func signum(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ApplyFunding books a funding payment against the instrument. Positive
// amounts are credits. Funding never touches trade PnL.
func (l *Ledger) ApplyFunding(instrument string, amount decimal.Decimal, seq uint64) Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := l.ensureLocked(instrument)
	pos.CumFunding = pos.CumFunding.Add(amount)
	if seq > pos.LastSeq {
		pos.LastSeq = seq
	}
	return *pos
}

// Get returns the position for the instrument; the zero position when the
// instrument has never traded.
func (l *Ledger) Get(instrument string) Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[instrument]; ok {
		return *pos
	}
	return zeroPosition(instrument)
}

// NetPosition returns the signed net quantity for the instrument.
func (l *Ledger) NetPosition(instrument string) decimal.Decimal {
	return l.Get(instrument).Quantity
}

// All returns a copy of every tracked position, ordered by instrument.
func (l *Ledger) All() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Reset zeroes the instrument's position while keeping it tracked. Applied
// fill ids are retained: exchange trade ids are stable across reconnects, and
// keeping them lets a replay absorb fills a snapshot already represents. Used
// when a snapshot replaces local state wholesale.
func (l *Ledger) Reset(instrument string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := zeroPosition(instrument)
	fresh.LastSeq = seq
	l.positions[instrument] = &fresh
}

// AdoptSnapshot replaces the instrument's position with exchange-reported
// truth. The realized PnL and fee accumulators restart; history before the
// snapshot lives in the audit journal, not here.
func (l *Ledger) AdoptSnapshot(instrument string, quantity, avgEntry decimal.Decimal, seq uint64) Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := zeroPosition(instrument)
	fresh.Quantity = quantity
	fresh.AvgEntryPrice = avgEntry
	fresh.LastSeq = seq
	l.positions[instrument] = &fresh
	return fresh
}

// Replay rebuilds the instrument set from a fill history, typically the one
// attached to a snapshot. Existing state for the affected instruments is
// discarded first; fills replay in sequence order through the same
// accounting as live application.
func (l *Ledger) Replay(ctx context.Context, fills []schema.Fill) error {
	ordered := make([]schema.Fill, len(fills))
	copy(ordered, fills)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	l.mu.Lock()
	defer l.mu.Unlock()

	touched := make(map[string]struct{})
	for _, fill := range ordered {
		if _, ok := touched[fill.Instrument]; !ok {
			fresh := zeroPosition(fill.Instrument)
			l.positions[fill.Instrument] = &fresh
			touched[fill.Instrument] = struct{}{}
		}
	}

	for _, fill := range ordered {
		if fill.FillID == "" || !fill.Quantity.IsPositive() {
			return errs.New("position/replay", errs.CodeInvalid,
				errs.WithMessage("snapshot fill malformed"),
				errs.WithField("fill_id", fill.FillID))
		}
		pos := l.ensureLocked(fill.Instrument)
		applyToPosition(pos, fill)
		l.appliedFills[fill.FillID] = struct{}{}
		if fill.Seq > pos.LastSeq {
			pos.LastSeq = fill.Seq
		}
		if l.fillCounter != nil {
			l.fillCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.EventAttributes(string(schema.StreamUserData), "fill_replay", fill.Instrument)...))
		}
	}
	return nil
}

func (l *Ledger) ensureLocked(instrument string) *Position {
	if pos, ok := l.positions[instrument]; ok {
		return pos
	}
	fresh := zeroPosition(instrument)
	l.positions[instrument] = &fresh
	return &fresh
}

func zeroPosition(instrument string) Position {
	return Position{
		Instrument:    instrument,
		Quantity:      decimal.Zero,
		AvgEntryPrice: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		CumFees:       decimal.Zero,
		CumFunding:    decimal.Zero,
	}
}
