// Package events provides the in-process event bus that fans engine decisions
// out to the API stream, the journal and anything else that subscribes.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeDecision     EventType = "decision"
	EventTypeRegimeChange EventType = "regime_change"
	EventTypeDegradation  EventType = "degradation"
)

// Event is the base interface for all engine events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
	GetInstrument() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	InstrumentID string    `json:"instrument_id"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }
func (e *BaseEvent) GetInstrument() string   { return e.InstrumentID }

// NewBaseEvent creates a new base event with generated ID and timestamp
func NewBaseEvent(eventType EventType, instrument string) BaseEvent {
	return BaseEvent{
		ID:           uuid.NewString(),
		Type:         eventType,
		InstrumentID: instrument,
		Timestamp:    time.Now(),
	}
}

// DecisionEvent carries the record of one evaluation cycle
type DecisionEvent struct {
	BaseEvent
	Decision *types.Decision `json:"decision"`
}

// NewDecisionEvent wraps a decision.
func NewDecisionEvent(d *types.Decision) *DecisionEvent {
	return &DecisionEvent{
		BaseEvent: NewBaseEvent(EventTypeDecision, d.InstrumentID),
		Decision:  d,
	}
}

// RegimeChangeEvent is published when an instrument's regime differs from the
// previous cycle.
type RegimeChangeEvent struct {
	BaseEvent
	From       types.RegimeType `json:"from"`
	To         types.RegimeType `json:"to"`
	Confidence float64          `json:"confidence"`
}

// NewRegimeChangeEvent creates a regime change event
func NewRegimeChangeEvent(instrument string, from, to types.RegimeType, confidence float64) *RegimeChangeEvent {
	return &RegimeChangeEvent{
		BaseEvent:  NewBaseEvent(EventTypeRegimeChange, instrument),
		From:       from,
		To:         to,
		Confidence: confidence,
	}
}

// DegradationEvent reports a collaborator outage or a fallback substitution
type DegradationEvent struct {
	BaseEvent
	Notes []string `json:"notes"`
}

// NewDegradationEvent creates a degradation event
func NewDegradationEvent(instrument string, notes []string) *DegradationEvent {
	return &DegradationEvent{
		BaseEvent: NewBaseEvent(EventTypeDegradation, instrument),
		Notes:     notes,
	}
}

// Handler processes an event
type Handler func(event Event) error

// Filter can selectively process events
type Filter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter Filter
	Async  bool // run the handler on its own goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	handler   Handler
	options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus counters
type Stats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	HandlerErrors     int64 `json:"handler_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// BusConfig configures the event bus
type BusConfig struct {
	NumWorkers int
	BufferSize int
}

// DefaultBusConfig returns sensible defaults
func DefaultBusConfig() BusConfig {
	return BusConfig{
		NumWorkers: 4,
		BufferSize: 4096,
	}
}

// Bus routes events to subscribers on a fixed set of worker goroutines.
// Events for different instruments may be delivered out of order.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan chan Event
	workers   int

	published, processed, dropped, handlerErrors, active atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
	logger  *zap.Logger
}

// NewBus creates an event bus and starts its workers.
func NewBus(logger *zap.Logger, config BusConfig) *Bus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultBusConfig().NumWorkers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workers:     config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
	for i := 0; i < config.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	logger.Info("Event bus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize))
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

// dispatch routes an event to its type subscribers, then to the catch-all ones.
func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subscribers[event.GetType()]...)
	subs = append(subs, b.allSubscribers...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.options.Filter != nil && !sub.options.Filter(event) {
			continue
		}
		if sub.options.Async {
			go b.execute(sub, event)
		} else {
			b.execute(sub, event)
		}
	}
	b.processed.Add(1)
}

// execute runs a handler with panic recovery
func (b *Bus) execute(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(event); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err))
	}
}

func newSubscription(eventType EventType, handler Handler, opts []SubscriptionOptions) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		EventType: eventType,
		handler:   handler,
	}
	if len(opts) > 0 {
		sub.options = opts[0]
	}
	sub.active.Store(true)
	return sub
}

// Subscribe registers a handler for an event type. Handlers run synchronously
// on a bus worker unless Async is set.
func (b *Bus) Subscribe(eventType EventType, handler Handler, opts ...SubscriptionOptions) *Subscription {
	sub := newSubscription(eventType, handler, opts)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	b.active.Add(1)

	b.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)))
	return sub
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(handler Handler, opts ...SubscriptionOptions) *Subscription {
	sub := newSubscription("*", handler, opts)

	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()
	b.active.Add(1)
	return sub
}

// Unsubscribe deactivates and removes a subscription
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.Swap(false) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.EventType == "*" {
		b.allSubscribers = remove(b.allSubscribers, sub)
	} else {
		b.subscribers[sub.EventType] = remove(b.subscribers[sub.EventType], sub)
	}
	b.active.Add(-1)
}

func remove(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish queues an event without blocking. A full buffer or a stopped bus
// drops the event.
func (b *Bus) Publish(event Event) {
	if b.stopped.Load() {
		b.dropped.Add(1)
		return
	}
	select {
	case b.eventChan <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
			zap.String("instrument", event.GetInstrument()))
	}
}

// PublishSync dispatches an event on the caller's goroutine
func (b *Bus) PublishSync(event Event) {
	b.published.Add(1)
	b.dispatch(event)
}

// Stats returns current counters
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:   b.published.Load(),
		EventsProcessed:   b.processed.Load(),
		EventsDropped:     b.dropped.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		ActiveSubscribers: b.active.Load(),
	}
}

// Stop shuts down the workers. Queued events that have not been picked up
// are discarded.
func (b *Bus) Stop() {
	if b.stopped.Swap(true) {
		return
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus stopped",
			zap.Int64("events_processed", b.processed.Load()),
			zap.Int64("events_dropped", b.dropped.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("Event bus shutdown timed out")
	}
}
