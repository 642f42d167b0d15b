// Package assembler buffers "part of a group" notifications until a
// group is complete and flushes it as one unit.
//
// The platform gives no terminator for a multi-item post: parts arrive
// in any order, and completeness is inferred from a quiet period with
// no further arrivals. Each pending group owns a cancellable timer that
// is reset on every arrival; when it fires, the group is removed from
// pending state and handed to the flush callback sorted by ordering
// key. A group flushes at most once: an item arriving after its group
// was claimed for flushing is dropped and logged, never merged.
package assembler

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultQuietPeriod is how long a group must be silent before it is
// considered complete. Matches the platform's observed inter-part gap.
const DefaultQuietPeriod = 600 * time.Millisecond

// recentFlushedCap bounds the memory kept to recognize late arrivals
// for already-flushed groups. A part arriving after its group id has
// aged out of this ring would reopen the group and flush it a second
// time; at sub-second quiet periods the horizon is 128 albums of
// traffic, orders of magnitude beyond any real album's spread.
const recentFlushedCap = 128

// Item is one part of a pending group. OrderKey is the platform's
// sequence number, which fixes display order regardless of arrival
// order.
type Item struct {
	OrderKey int
	Caption  string
	Payload  any
}

// FlushFunc receives a completed group, items sorted by OrderKey.
type FlushFunc func(groupID string, items []Item)

// Timer is the subset of time.Timer the assembler needs. Injected so
// tests can drive time deterministically.
type Timer interface {
	Reset(d time.Duration) bool
	Stop() bool
}

// TimerFactory schedules fn to run once after d. The default factory
// wraps time.AfterFunc.
type TimerFactory func(d time.Duration, fn func()) Timer

func realTimer(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type group struct {
	items []Item
	timer Timer
}

// Assembler accumulates group parts and flushes complete groups.
// Safe for concurrent use.
type Assembler struct {
	quiet    time.Duration
	flush    FlushFunc
	newTimer TimerFactory

	mu      sync.Mutex
	pending map[string]*group

	// Ring of recently flushed group ids, so late arrivals can be told
	// apart from genuinely new groups.
	flushedSet  map[string]struct{}
	flushedRing []string
	closed      bool
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTimerFactory replaces the timer source. Tests use this for
// deterministic time.
func WithTimerFactory(f TimerFactory) Option {
	return func(a *Assembler) { a.newTimer = f }
}

// WithQuietPeriod overrides the quiet period.
func WithQuietPeriod(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.quiet = d
		}
	}
}

// New creates an Assembler that calls flush for each completed group.
func New(flush FlushFunc, opts ...Option) *Assembler {
	a := &Assembler{
		quiet:      DefaultQuietPeriod,
		flush:      flush,
		newTimer:   realTimer,
		pending:    make(map[string]*group),
		flushedSet: make(map[string]struct{}, recentFlushedCap),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add buffers an item under groupID and refreshes the group's quiet
// timer. An item for a group that already flushed is dropped.
func (a *Assembler) Add(groupID string, it Item) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		slog.Warn("assembler closed, dropping item",
			"group_id", groupID, "order_key", it.OrderKey)
		return
	}

	if _, was := a.flushedSet[groupID]; was {
		// Partial-group race: the quiet period elapsed and the group
		// was claimed before this part arrived.
		slog.Warn("late item after group flush, dropping",
			"group_id", groupID, "order_key", it.OrderKey)
		return
	}

	g, ok := a.pending[groupID]
	if !ok {
		g = &group{}
		g.timer = a.newTimer(a.quiet, func() { a.fire(groupID) })
		a.pending[groupID] = g
	} else {
		g.timer.Reset(a.quiet)
	}
	g.items = append(g.items, it)
}

// fire is the timer callback: it claims the group under the lock, so a
// concurrent Add either lands before the claim (merged) or sees the
// group gone (dropped). At most one flush per group id.
func (a *Assembler) fire(groupID string) {
	a.mu.Lock()
	g, ok := a.pending[groupID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.pending, groupID)
	a.markFlushed(groupID)
	items := g.items
	a.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].OrderKey < items[j].OrderKey
	})

	slog.Debug("group complete, flushing",
		"group_id", groupID, "items", len(items))
	a.flush(groupID, items)
}

// markFlushed records groupID in the bounded late-arrival set.
// Caller holds a.mu.
func (a *Assembler) markFlushed(groupID string) {
	if len(a.flushedRing) >= recentFlushedCap {
		oldest := a.flushedRing[0]
		a.flushedRing = a.flushedRing[1:]
		delete(a.flushedSet, oldest)
	}
	a.flushedRing = append(a.flushedRing, groupID)
	a.flushedSet[groupID] = struct{}{}
}

// Pending returns the number of groups still accumulating.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops all timers and discards groups still inside their quiet
// period. Undelivered groups are lost by design on shutdown; each is
// logged.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true

	for id, g := range a.pending {
		g.timer.Stop()
		slog.Warn("discarding unflushed group on shutdown",
			"group_id", id, "items", len(g.items))
		delete(a.pending, id)
	}
}

// Caption returns the first non-empty caption among items in order.
// The platform may store a group's caption on any of its parts.
func Caption(items []Item) string {
	for _, it := range items {
		if it.Caption != "" {
			return it.Caption
		}
	}
	return ""
}
