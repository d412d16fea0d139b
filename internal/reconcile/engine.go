// Package reconcile guards the integrity of the incremental event stream.
// It owns the per-stream sequence cursor, buffers events while a stream is
// degraded, and merges snapshot truth back into the ledgers.
package reconcile

import (
	"container/heap"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/ledger"
	"github.com/keelworks/keel/internal/observability"
	"github.com/keelworks/keel/internal/position"
	"github.com/keelworks/keel/internal/schema"
	"github.com/keelworks/keel/internal/telemetry"
)

// PositionRow is an exchange-reported position inside a snapshot.
type PositionRow struct {
	Instrument    string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
}

// Snapshot is the full-state refetch returned by the transport boundary.
// Fills, when present, allow exact position replay; otherwise the reported
// position rows are adopted with a fresh reset.
type Snapshot struct {
	Stream    schema.StreamID
	Seq       uint64
	Orders    []*schema.Order
	Fills     []schema.Fill
	Positions []PositionRow
	TakenAt   time.Time
}

// SnapshotSource fetches current exchange truth. Implemented by the
// transport collaborator; the engine never retries a failed fetch itself.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, stream schema.StreamID) (*Snapshot, error)
}

// Notifier receives change notifications produced while applying events.
type Notifier interface {
	OrderChanged(ctx context.Context, order *schema.Order)
	PositionChanged(ctx context.Context, pos position.Position)
	StreamStateChanged(ctx context.Context, stream schema.StreamID, healthy bool)
}

// Config bounds the engine's degraded-stream buffering.
type Config struct {
	// MaxBufferedEvents caps the per-stream degraded buffer. When the cap
	// is hit the lowest-sequence events are discarded; the pending snapshot
	// represents them. Zero means 4096.
	MaxBufferedEvents int
}

func (c Config) normalize() Config {
	if c.MaxBufferedEvents <= 0 {
		c.MaxBufferedEvents = 4096
	}
	return c
}

// Engine applies normalized events to the ledgers under sequence-cursor
// protection and orchestrates resyncs.
type Engine struct {
	cfg       Config
	orders    *ledger.Ledger
	positions *position.Ledger
	source    SnapshotSource
	notifier  Notifier

	mu      sync.Mutex
	streams map[schema.StreamID]*streamState

	gapCounter    metric.Int64Counter
	resyncCounter metric.Int64Counter
	bufferGauge   metric.Int64UpDownCounter
}

type streamState struct {
	cursor    uint64
	baselined bool
	degraded  bool
	resyncing bool
	buffer    eventHeap
}

// NewEngine wires the reconciliation engine to its ledgers and snapshot source.
func NewEngine(cfg Config, orders *ledger.Ledger, positions *position.Ledger, source SnapshotSource, notifier Notifier) *Engine {
	e := &Engine{
		cfg:       cfg.normalize(),
		orders:    orders,
		positions: positions,
		source:    source,
		notifier:  notifier,
		streams:   make(map[schema.StreamID]*streamState),
	}
	meter := otel.Meter("reconcile")
	e.gapCounter, _ = meter.Int64Counter("reconcile.sequence.gaps",
		metric.WithDescription("Number of detected sequence gaps"),
		metric.WithUnit("{gap}"))
	e.resyncCounter, _ = meter.Int64Counter("reconcile.resyncs",
		metric.WithDescription("Number of snapshot resyncs performed"),
		metric.WithUnit("{resync}"))
	e.bufferGauge, _ = meter.Int64UpDownCounter("reconcile.buffered.events",
		metric.WithDescription("Events buffered while streams are degraded"),
		metric.WithUnit("{event}"))
	return e
}

// Healthy reports whether the stream accepts incremental application.
func (e *Engine) Healthy(stream schema.StreamID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[stream]
	return !ok || !st.degraded
}

// Cursor returns the last contiguously applied sequence number.
func (e *Engine) Cursor(stream schema.StreamID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.streams[stream]; ok {
		return st.cursor
	}
	return 0
}

// Apply feeds one normalized event through the cursor check and into the
// ledgers. It returns needResync=true when the caller must schedule a
// Resync for the event's stream. Duplicate and out-of-order noise is
// absorbed; only decode-level errors and ledger invariant violations
// surface as errors.
func (e *Engine) Apply(ctx context.Context, evt *schema.Event) (needResync bool, err error) {
	if err := evt.Validate(); err != nil {
		return false, err
	}

	e.mu.Lock()
	st := e.ensureStreamLocked(evt.Stream)

	if evt.Kind == schema.EventStreamReset {
		degradedNow := e.degradeLocked(st, evt.Stream, "stream_reset")
		e.mu.Unlock()
		if degradedNow {
			e.notifyStream(ctx, evt.Stream, false)
		}
		return true, nil
	}

	if st.degraded {
		e.bufferLocked(ctx, st, evt)
		resync := !st.resyncing
		e.mu.Unlock()
		return resync, nil
	}

	switch {
	case !st.baselined:
		// First event on the stream establishes the sequence baseline.
	case evt.Seq <= st.cursor:
		e.mu.Unlock()
		observability.Log().Debug("duplicate event below cursor",
			observability.F("stream", string(evt.Stream)),
			observability.F("seq", evt.Seq))
		return false, nil
	case evt.Seq != st.cursor+1:
		if e.gapCounter != nil {
			e.gapCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.EventAttributes(string(evt.Stream), string(evt.Kind), evt.Instrument)...))
		}
		observability.Log().Warn("sequence gap detected",
			observability.F("stream", string(evt.Stream)),
			observability.F("expected", st.cursor+1),
			observability.F("got", evt.Seq))
		e.degradeLocked(st, evt.Stream, "sequence_gap")
		e.bufferLocked(ctx, st, evt)
		e.mu.Unlock()
		e.notifyStream(ctx, evt.Stream, false)
		return true, nil
	}

	applyErr := e.applyToLedgersLocked(ctx, st, evt)
	if errs.HasCode(applyErr, errs.CodeOrphanEvent) {
		// An order we never saw implies missed state: resync.
		e.degradeLocked(st, evt.Stream, "orphan_event")
		e.bufferLocked(ctx, st, evt)
		e.mu.Unlock()
		e.notifyStream(ctx, evt.Stream, false)
		return true, nil
	}
	e.mu.Unlock()
	return false, applyErr
}

// applyToLedgersLocked advances the cursor and routes the event. The engine
// mutex is held; ledger locks nest inside it, which is the global lock order.
func (e *Engine) applyToLedgersLocked(ctx context.Context, st *streamState, evt *schema.Event) error {
	if evt.Kind == schema.EventFundingPayment {
		pos := e.positions.ApplyFunding(evt.Instrument, evt.FundingAmount, evt.Seq)
		st.cursor = evt.Seq
		st.baselined = true
		e.notifyPosition(ctx, pos)
		return nil
	}

	order, changed, err := e.orders.Apply(ctx, evt)
	if err != nil {
		return err
	}
	st.cursor = evt.Seq
	st.baselined = true
	if !changed {
		return nil
	}
	e.notifyOrder(ctx, order)

	if evt.Kind == schema.EventOrderFilled {
		pos, applied, err := e.positions.ApplyFill(ctx, evt.Fill())
		if err != nil {
			return err
		}
		if applied {
			e.notifyPosition(ctx, pos)
		}
	}
	return nil
}

// Resync fetches a snapshot and merges it. The fetch happens outside the
// engine lock; only the merge holds it. A fetch failure leaves the stream
// degraded and is surfaced to the caller — retry policy belongs to the
// operator, not the core.
func (e *Engine) Resync(ctx context.Context, stream schema.StreamID) error {
	e.mu.Lock()
	st := e.ensureStreamLocked(stream)
	if st.resyncing {
		e.mu.Unlock()
		return nil
	}
	st.resyncing = true
	if degradedNow := e.degradeLocked(st, stream, "resync_requested"); degradedNow {
		defer e.notifyStream(ctx, stream, false)
	}
	e.mu.Unlock()

	snap, err := e.source.FetchSnapshot(ctx, stream)
	if err != nil {
		e.mu.Lock()
		st.resyncing = false
		e.mu.Unlock()
		return errs.New("reconcile/resync", errs.CodeTransportFailure,
			errs.WithMessage("snapshot fetch failed"),
			errs.WithField("stream", string(stream)),
			errs.WithCause(err))
	}
	if snap == nil {
		e.mu.Lock()
		st.resyncing = false
		e.mu.Unlock()
		return errs.New("reconcile/resync", errs.CodeTransportFailure,
			errs.WithMessage("snapshot source returned nothing"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { st.resyncing = false }()

	e.orders.ReplaceFromSnapshot(snap.Orders, snap.Seq)
	if len(snap.Fills) > 0 {
		if err := e.positions.Replay(ctx, snap.Fills); err != nil {
			return err
		}
	} else {
		for _, row := range snap.Positions {
			e.positions.AdoptSnapshot(row.Instrument, row.Quantity, row.AvgEntryPrice, snap.Seq)
		}
	}

	st.cursor = snap.Seq
	st.baselined = true
	if e.resyncCounter != nil {
		e.resyncCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrStream.String(string(stream)),
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	// Replay buffered events past the new cursor in order; anything at or
	// below the cursor is already represented by the snapshot.
	replayable := st.drainBuffer()
	if e.bufferGauge != nil && len(replayable) > 0 {
		e.bufferGauge.Add(ctx, -int64(len(replayable)))
	}
	st.degraded = false
	for i, evt := range replayable {
		if evt.Seq <= st.cursor {
			continue
		}
		if evt.Seq != st.cursor+1 {
			// The buffer itself has a hole: stay degraded, ask for another
			// snapshot rather than applying out of order. Everything drained
			// but not yet applied goes back into the buffer for that pass.
			e.degradeLocked(st, stream, "replay_gap")
			e.rebufferLocked(ctx, st, replayable[i:])
			return errs.New("reconcile/resync", errs.CodeSequenceGap,
				errs.WithMessage("gap inside buffered replay"),
				errs.WithField("stream", string(stream)),
				errs.WithField("expected", strconv.FormatUint(st.cursor+1, 10)),
				errs.WithField("got", strconv.FormatUint(evt.Seq, 10)))
		}
		if err := e.applyToLedgersLocked(ctx, st, evt); err != nil {
			if errs.HasCode(err, errs.CodeOrphanEvent) {
				e.degradeLocked(st, stream, "orphan_in_replay")
				e.rebufferLocked(ctx, st, replayable[i:])
				return err
			}
			observability.Log().Error("buffered replay failed",
				observability.F("stream", string(stream)),
				observability.F("seq", evt.Seq),
				observability.F("error", err))
		}
	}

	e.notifyStreamAsyncSafe(ctx, stream, true)
	observability.Log().Info("stream resynced",
		observability.F("stream", string(stream)),
		observability.F("cursor", st.cursor))
	return nil
}

func (e *Engine) ensureStreamLocked(stream schema.StreamID) *streamState {
	st, ok := e.streams[stream]
	if !ok {
		st = &streamState{}
		e.streams[stream] = st
	}
	return st
}

// degradeLocked marks the stream degraded, returning true when this call
// performed the transition.
func (e *Engine) degradeLocked(st *streamState, stream schema.StreamID, reason string) bool {
	if st.degraded {
		return false
	}
	st.degraded = true
	observability.Log().Warn("stream degraded",
		observability.F("stream", string(stream)),
		observability.F("reason", reason))
	return true
}

func (e *Engine) bufferLocked(ctx context.Context, st *streamState, evt *schema.Event) {
	heap.Push(&st.buffer, evt)
	if e.bufferGauge != nil {
		e.bufferGauge.Add(ctx, 1)
	}
	for st.buffer.Len() > e.cfg.MaxBufferedEvents {
		dropped := heap.Pop(&st.buffer).(*schema.Event)
		if e.bufferGauge != nil {
			e.bufferGauge.Add(ctx, -1)
		}
		observability.Log().Warn("degraded buffer overflow, dropping event",
			observability.F("stream", string(evt.Stream)),
			observability.F("seq", dropped.Seq))
	}
}

// rebufferLocked returns events drained for replay back to the buffer after
// an aborted pass so the next resync can still use them.
func (e *Engine) rebufferLocked(ctx context.Context, st *streamState, events []*schema.Event) {
	for _, evt := range events {
		e.bufferLocked(ctx, st, evt)
	}
}

func (st *streamState) drainBuffer() []*schema.Event {
	out := make([]*schema.Event, 0, st.buffer.Len())
	for st.buffer.Len() > 0 {
		out = append(out, heap.Pop(&st.buffer).(*schema.Event))
	}
	return out
}

func (e *Engine) notifyOrder(ctx context.Context, order *schema.Order) {
	if e.notifier != nil && order != nil {
		e.notifier.OrderChanged(ctx, order)
	}
}

func (e *Engine) notifyPosition(ctx context.Context, pos position.Position) {
	if e.notifier != nil {
		e.notifier.PositionChanged(ctx, pos)
	}
}

func (e *Engine) notifyStream(ctx context.Context, stream schema.StreamID, healthy bool) {
	if e.notifier != nil {
		e.notifier.StreamStateChanged(ctx, stream, healthy)
	}
}

func (e *Engine) notifyStreamAsyncSafe(ctx context.Context, stream schema.StreamID, healthy bool) {
	// Invoked with the engine lock held; the notifier must not call back
	// into the engine synchronously. The bus-backed notifier does not.
	e.notifyStream(ctx, stream, healthy)
}

// eventHeap orders buffered events by ascending sequence number.
type eventHeap []*schema.Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Seq < h[j].Seq }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(*schema.Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
