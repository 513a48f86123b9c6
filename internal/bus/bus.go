// Package bus provides the in-process publish/subscribe hub that fans out
// pipeline lifecycle events to live subscribers (SSE streams, CLIs). The bus
// holds no authoritative state: every event describes a transition the store
// has already committed.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event type constants
const (
	EventPipelineCreated   = "pipeline.created"
	EventPipelineUpdated   = "pipeline.updated"
	EventPipelineCompleted = "pipeline.completed"
	EventStepStarted       = "step.started"
	EventStepCompleted     = "step.completed"
	EventStepLog           = "step.log"
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventHeartbeat         = "heartbeat"
)

// Event is a notification of a committed state change.
type Event struct {
	Seq        uint64                 `json:"seq"`
	Type       string                 `json:"type"`
	PipelineID uuid.UUID              `json:"pipeline_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Subscription is a live event feed. Events arrive on C in publish order for
// any single pipeline. C is closed when the subscription is cancelled or when
// the subscriber falls too far behind and is dropped.
type Subscription struct {
	C <-chan Event

	bus *Bus
	id  uuid.UUID
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	ch         chan Event
	pipelineID *uuid.UUID // nil means all pipelines
}

// Bus is the event hub. Publishing never blocks: a subscriber whose buffer is
// full is disconnected instead of stalling publishers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*subscriber
	ring        []Event
	ringCap     int
	seq         uint64
	bufferSize  int
}

// Option configures a Bus.
type Option func(*Bus)

// WithReplayCapacity sets how many recent events are retained for replay.
func WithReplayCapacity(n int) Option {
	return func(b *Bus) { b.ringCap = n }
}

// WithSubscriberBuffer sets the per-subscriber outbound buffer size.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[uuid.UUID]*subscriber),
		ringCap:     100,
		bufferSize:  64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a live event feed. When pipelineID is non-nil only
// events for that pipeline (plus heartbeats) are delivered. When replay is
// true, matching events still held in the replay ring are queued before live
// delivery, covering the race between opening a stream and an event firing.
func (b *Bus) Subscribe(pipelineID *uuid.UUID, replay bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		ch:         make(chan Event, b.bufferSize),
		pipelineID: pipelineID,
	}
	id := uuid.New()

	if replay {
		for _, ev := range b.ring {
			if !matches(ev, pipelineID) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				// Replay larger than the buffer: keep the most recent tail.
				<-sub.ch
				sub.ch <- ev
			}
		}
	}

	b.subscribers[id] = sub
	return &Subscription{C: sub.ch, bus: b, id: id}
}

func (b *Bus) unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

func matches(ev Event, pipelineID *uuid.UUID) bool {
	if pipelineID == nil {
		return true
	}
	if ev.Type == EventHeartbeat {
		return true
	}
	return ev.PipelineID == *pipelineID
}

// Publish assigns the event a sequence number, appends it to the replay ring
// and fans it out. Subscribers that cannot keep up are dropped.
func (b *Bus) Publish(eventType string, pipelineID uuid.UUID, data map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		Seq:        b.seq,
		Type:       eventType,
		PipelineID: pipelineID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}

	// Heartbeats carry no state and would crowd real events out of the ring.
	if ev.Type != EventHeartbeat {
		b.ring = append(b.ring, ev)
		if len(b.ring) > b.ringCap {
			b.ring = b.ring[1:]
		}
	}

	for id, sub := range b.subscribers {
		if !matches(ev, sub.pipelineID) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("[bus] dropping slow subscriber %s", id)
			delete(b.subscribers, id)
			close(sub.ch)
		}
	}
}

// Heartbeat publishes a keep-alive event to all subscribers.
func (b *Bus) Heartbeat() {
	b.Publish(EventHeartbeat, uuid.Nil, map[string]interface{}{
		"timestamp": time.Now().UTC(),
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// BufferStats returns the replay ring occupancy and capacity.
func (b *Bus) BufferStats() (size, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring), b.ringCap
}
