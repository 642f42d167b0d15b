package relay

import (
	"sync"

	"github.com/roach88/pricerelay/internal/assembler"
	"github.com/roach88/pricerelay/internal/platform"
)

// EventType distinguishes the kinds of work flowing into the engine.
type EventType int

const (
	// EventSourcePost is a new post (or album part) from the source
	// channel.
	EventSourcePost EventType = iota + 1
	// EventGroupReady is an internal event: a pending group went quiet
	// and is ready for emission.
	EventGroupReady
	// EventTrigger is a retraction trigger containing the trigger
	// keyword.
	EventTrigger
	// EventBroadcast is an operator request to post text to every
	// destination.
	EventBroadcast
)

// SourcePost is one inbound source-channel post as the transport hands
// it over. GroupID is empty for ungrouped posts. The message id is the
// ordering key within a group.
type SourcePost struct {
	MessageID  int
	SourceChat int64
	GroupID    string
	Caption    string
	Media      *platform.MediaRef
}

// GroupReady carries a completed group from the assembler's timer
// goroutine back into the single-writer loop.
type GroupReady struct {
	GroupID string
	Items   []assembler.Item
}

// Trigger is a retraction request; Text still contains the trigger
// keyword.
type Trigger struct {
	Text string
}

// Broadcast is an operator text post. Exact broadcasts go out
// verbatim; otherwise the text is rewritten per destination.
type Broadcast struct {
	Text  string
	Exact bool
}

// Event wraps the payload variants for the ingestion queue.
type Event struct {
	Type      EventType
	Post      *SourcePost
	Group     *GroupReady
	Trigger   *Trigger
	Broadcast *Broadcast
}

// eventQueue is a thread-safe FIFO queue decoupling transport
// callbacks from the engine loop.
//
// Unbounded: a burst of album parts or a long replay must never block
// the transport's update handler. A buffered signal channel (size 1,
// coalescing) wakes the loop for context-aware waiting.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe; returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	// Nil out the slot so the backing array does not retain payload
	// pointers until reallocation.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns the wakeup channel for select-based waiting.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close marks the queue closed and wakes all waiters.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
