package bus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-c:
		require.True(t, ok, "subscription channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil, false)
	defer sub.Close()

	id := uuid.New()
	b.Publish(EventPipelineCreated, id, map[string]interface{}{"status": "pending"})

	ev := recvEvent(t, sub.C)
	assert.Equal(t, EventPipelineCreated, ev.Type)
	assert.Equal(t, id, ev.PipelineID)
	assert.Equal(t, "pending", ev.Data["status"])
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil, false)
	defer sub.Close()

	id := uuid.New()
	for i := 0; i < 5; i++ {
		b.Publish(EventPipelineUpdated, id, nil)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ev := recvEvent(t, sub.C)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestPipelineFilter(t *testing.T) {
	b := New()
	mine := uuid.New()
	other := uuid.New()

	sub := b.Subscribe(&mine, false)
	defer sub.Close()

	b.Publish(EventStepStarted, other, nil)
	b.Publish(EventStepStarted, mine, nil)

	ev := recvEvent(t, sub.C)
	assert.Equal(t, mine, ev.PipelineID)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatBypassesFilter(t *testing.T) {
	b := New()
	mine := uuid.New()
	sub := b.Subscribe(&mine, false)
	defer sub.Close()

	b.Heartbeat()

	ev := recvEvent(t, sub.C)
	assert.Equal(t, EventHeartbeat, ev.Type)
}

func TestReplayDeliversRetainedHistory(t *testing.T) {
	b := New(WithReplayCapacity(3))
	id := uuid.New()
	for i := 0; i < 5; i++ {
		b.Publish(EventStepLog, id, map[string]interface{}{"i": i})
	}

	sub := b.Subscribe(nil, true)
	defer sub.Close()

	// Only the last 3 events fit the ring.
	first := recvEvent(t, sub.C)
	assert.Equal(t, 2, first.Data["i"])
	recvEvent(t, sub.C)
	last := recvEvent(t, sub.C)
	assert.Equal(t, 4, last.Data["i"])
}

func TestHeartbeatsStayOutOfReplayRing(t *testing.T) {
	b := New(WithReplayCapacity(2))
	id := uuid.New()

	b.Publish(EventPipelineCreated, id, nil)
	// Enough heartbeats to evict everything were they retained.
	for i := 0; i < 5; i++ {
		b.Heartbeat()
	}

	size, _ := b.BufferStats()
	assert.Equal(t, 1, size)

	sub := b.Subscribe(nil, true)
	defer sub.Close()
	ev := recvEvent(t, sub.C)
	assert.Equal(t, EventPipelineCreated, ev.Type)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(WithSubscriberBuffer(2))
	sub := b.Subscribe(nil, false)

	id := uuid.New()
	// Fill the buffer and then some; the subscriber never reads.
	for i := 0; i < 10; i++ {
		b.Publish(EventStepLog, id, nil)
	}

	// The channel must eventually be closed rather than Publish blocking.
	deadline := time.After(2 * time.Second)
	closed := false
	for !closed {
		select {
		case _, ok := <-sub.C:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("slow subscriber channel never closed")
		}
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil, false)
	require.Equal(t, 1, b.SubscriberCount())
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBufferStats(t *testing.T) {
	b := New(WithReplayCapacity(10))
	size, capacity := b.BufferStats()
	assert.Equal(t, 0, size)
	assert.Equal(t, 10, capacity)

	b.Publish(EventPipelineCreated, uuid.New(), nil)
	size, _ = b.BufferStats()
	assert.Equal(t, 1, size)
}
