// Package bus delivers order and position change notifications to strategy
// subscribers. Push model: subscribers receive on channels, the core never
// blocks on a slow consumer.
package bus

import (
	"context"
	"strconv"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/keelworks/keel/errs"
	"github.com/keelworks/keel/internal/position"
	"github.com/keelworks/keel/internal/schema"
	"github.com/keelworks/keel/internal/telemetry"
)

// Kind selects a notification topic.
type Kind string

const (
	// KindOrder notifies on order state transitions.
	KindOrder Kind = "order"
	// KindPosition notifies on position changes.
	KindPosition Kind = "position"
	// KindStream notifies on stream health transitions (degraded/healthy).
	KindStream Kind = "stream"
)

// Notification is a single change pushed to subscribers.
type Notification struct {
	Kind     Kind
	Order    *schema.Order
	Position *position.Position
	Stream   schema.StreamID
	Healthy  bool
	At       time.Time
}

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// MemoryConfig configures the in-memory notification bus.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// MemoryBus is the in-memory notification fanout.
type MemoryBus struct {
	cfg MemoryConfig

	mu           sync.RWMutex
	subscribers  map[Kind]map[SubscriptionID]*subscriber
	nextID       uint64
	closed       bool
	shutdownOnce sync.Once

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

// send delivers without blocking. The lock pairs with close so a send can
// never land on a closed channel.
func (s *subscriber) send(note Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- note:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// NewMemoryBus constructs a memory-backed notification bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	b := &MemoryBus{
		cfg:         cfg.normalize(),
		subscribers: make(map[Kind]map[SubscriptionID]*subscriber),
	}
	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.notifications.published",
		metric.WithDescription("Number of notifications published"),
		metric.WithUnit("{notification}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.notifications.dropped",
		metric.WithDescription("Number of notifications dropped due to subscriber backpressure"),
		metric.WithUnit("{notification}"))
	return b
}

// Publish fans the notification out to all subscribers of its kind. Slow
// subscribers lose notifications rather than stalling the publisher.
func (b *MemoryBus) Publish(ctx context.Context, note Notification) error {
	if note.Kind == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("notification kind required"))
	}
	if note.At.IsZero() {
		note.At = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New("bus/publish", errs.CodeInternal, errs.WithMessage("bus closed"))
	}
	subs := make([]*subscriber, 0, len(b.subscribers[note.Kind]))
	for _, sub := range b.subscribers[note.Kind] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventKind.String(string(note.Kind)),
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	if len(subs) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			select {
			case <-sub.ctx.Done():
				return
			default:
			}
			if !sub.send(note) {
				if b.droppedCounter != nil {
					b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
						telemetry.AttrEventKind.String(string(note.Kind))))
				}
			}
		})
	}
	p.Wait()
	return nil
}

// Subscribe registers a channel for the given notification kind. The channel
// closes when ctx is cancelled, Unsubscribe is called, or the bus shuts down.
func (b *MemoryBus) Subscribe(ctx context.Context, kind Kind) (SubscriptionID, <-chan Notification, error) {
	if kind == "" {
		return "", nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("notification kind required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, errs.New("bus/subscribe", errs.CodeInternal, errs.WithMessage("bus closed"))
	}
	b.nextID++
	id := SubscriptionID(string(kind) + "-" + strconv.FormatUint(b.nextID, 10))
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan Notification, b.cfg.BufferSize),
	}
	if b.subscribers[kind] == nil {
		b.subscribers[kind] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[kind][id] = sub
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		b.Unsubscribe(id)
	}()

	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	var victim *subscriber
	for kind, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			victim = sub
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, kind)
			}
			break
		}
	}
	b.mu.Unlock()
	if victim != nil {
		victim.close()
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		var victims []*subscriber
		for _, subs := range b.subscribers {
			for _, sub := range subs {
				victims = append(victims, sub)
			}
		}
		b.subscribers = make(map[Kind]map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range victims {
			sub.close()
		}
	})
}
