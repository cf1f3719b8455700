// Package events provides structured event publishing for the lottery engine.
// Events capture significant occurrences in a round's lifecycle such as
// entries, settlement requests, winning tickets, reveals and claims.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies the kind of lottery event.
type EventType string

const (
	// Round lifecycle events
	EventRoundStarted        EventType = "lottery.round_started"
	EventEntered             EventType = "lottery.entered"
	EventTicketIssued        EventType = "lottery.ticket_issued"
	EventWinnerRequested     EventType = "lottery.winner_requested"
	EventWinningTicketPicked EventType = "lottery.winning_ticket_picked"
	EventWinnerPicked        EventType = "lottery.winner_picked"
	EventSettlementCancelled EventType = "lottery.settlement_cancelled"

	// Ledger events
	EventTicketsRevealed EventType = "lottery.tickets_revealed"
	EventRewardsClaimed  EventType = "lottery.rewards_claimed"
)

// Event represents a structured lottery event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Round       uint64 `json:"round"`
	Participant string `json:"participant,omitempty"`

	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  EventFilter
	handler EventHandler
}

// NewRingBuffer creates a new event ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish records the event, enriching it from the context.
func (rb *RingBuffer) Publish(ctx context.Context, event Event) error {
	rb.Log(enrich(ctx, event))
	return nil
}

// Log adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent N events in reverse chronological order.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.recentMatching(n, nil)
}

// RecentByRound returns recent events for a specific round.
func (rb *RingBuffer) RecentByRound(round uint64, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Round == round })
}

// RecentByType returns recent events of a specific type.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) recentMatching(n int, filter EventFilter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if filter == nil || filter(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Context keys for tracing
type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
)

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID stored in the context, if any.
func TraceID(ctx context.Context) string {
	s, _ := ctx.Value(traceIDKey).(string)
	return s
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func enrich(ctx context.Context, event Event) Event {
	if ctx == nil {
		return event
	}
	if s, ok := ctx.Value(traceIDKey).(string); ok && event.TraceID == "" {
		event.TraceID = s
	}
	if s, ok := ctx.Value(requestIDKey).(string); ok && event.RequestID == "" {
		event.RequestID = s
	}
	return event
}

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent creates a new EventBuilder.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.NewString(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
		},
	}
}

// Round sets the round number.
func (b *EventBuilder) Round(number uint64) *EventBuilder {
	b.event.Round = number
	return b
}

// Participant sets the participant.
func (b *EventBuilder) Participant(p string) *EventBuilder {
	b.event.Participant = p
	return b
}

// At overrides the timestamp.
func (b *EventBuilder) At(ts time.Time) *EventBuilder {
	b.event.Timestamp = ts.UTC()
	return b
}

// Message sets the message.
func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// Meta adds a metadata key-value pair.
func (b *EventBuilder) Meta(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// MetaUint adds an unsigned integer metadata value.
func (b *EventBuilder) MetaUint(key string, value uint64) *EventBuilder {
	return b.Meta(key, strconv.FormatUint(value, 10))
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	return b.event
}
