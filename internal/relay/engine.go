// Package relay is the live forwarding core: an ingestion queue feeding
// a single-writer event loop that assembles albums, rewrites captions,
// and fans emissions out to every registered destination.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine (transport callbacks, the
//     assembler's timer goroutine, operator commands)
//   - Run(): must be called from exactly one goroutine; all store
//     mutations and emissions happen there
//
// A flush, once started, runs to completion including its fan-out;
// unrelated events wait in the queue meanwhile. Failures are isolated
// per destination and per item: one destination failing never blocks
// the others.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/pricerelay/internal/assembler"
	"github.com/roach88/pricerelay/internal/platform"
	"github.com/roach88/pricerelay/internal/resolve"
	"github.com/roach88/pricerelay/internal/rewrite"
	"github.com/roach88/pricerelay/internal/rules"
	"github.com/roach88/pricerelay/internal/store"
)

// ErrLinkInBroadcast rejects exact-text broadcasts containing
// hyperlinks before anything is sent.
var ErrLinkInBroadcast = fmt.Errorf("broadcast text contains a link")

// linkRe detects hyperlinks in operator broadcast text.
var linkRe = regexp.MustCompile(`(?i)\b(?:https?://|www\.|t\.me/)\S+`)

// ContainsLink reports whether text carries a hyperlink. Exposed so
// the command front end can reject before enqueueing.
func ContainsLink(text string) bool {
	return linkRe.MatchString(text)
}

// Engine is the single-writer relay event loop.
type Engine struct {
	store    *store.Store
	rewriter *rewrite.Engine
	pub      platform.Publisher
	resolver *resolve.Resolver
	grammar  rules.Grammar

	asm   *assembler.Assembler
	queue *eventQueue

	// Per-destination send limiters. Only the Run goroutine touches
	// the map; no lock needed.
	limiters  map[int64]*rate.Limiter
	sendRate  rate.Limit
	sendBurst int

	asmOpts []assembler.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuietPeriod sets the assembler's quiet period.
func WithQuietPeriod(d time.Duration) Option {
	return func(e *Engine) { e.asmOpts = append(e.asmOpts, assembler.WithQuietPeriod(d)) }
}

// WithTimerFactory injects the assembler's timer source (tests).
func WithTimerFactory(f assembler.TimerFactory) Option {
	return func(e *Engine) { e.asmOpts = append(e.asmOpts, assembler.WithTimerFactory(f)) }
}

// WithSendRate sets the per-destination emission rate limit.
// Defaults to one message per second with a small burst.
func WithSendRate(r rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.sendRate = r
		e.sendBurst = burst
	}
}

// New creates an Engine. The resolver handles retraction triggers and
// may be built without an archive identity (index-only resolution).
func New(st *store.Store, rw *rewrite.Engine, pub platform.Publisher, res *resolve.Resolver, g rules.Grammar, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		rewriter:  rw,
		pub:       pub,
		resolver:  res,
		grammar:   g,
		queue:     newEventQueue(),
		limiters:  make(map[int64]*rate.Limiter),
		sendRate:  rate.Limit(1),
		sendBurst: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	// The flush callback runs on the timer goroutine; it only
	// enqueues, so group completion never races engine state.
	e.asm = assembler.New(func(groupID string, items []assembler.Item) {
		e.queue.Enqueue(Event{
			Type:  EventGroupReady,
			Group: &GroupReady{GroupID: groupID, Items: items},
		})
	}, e.asmOpts...)
	return e
}

// Enqueue submits an event for processing. Thread-safe.
// Returns false once the engine has stopped.
func (e *Engine) Enqueue(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// QueueLen returns the number of pending events. For tests and
// diagnostics.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Run starts the single-writer loop and blocks until ctx is cancelled.
// Groups still inside their quiet period at shutdown are discarded.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("relay engine starting")

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			if err := e.process(ctx, event); err != nil {
				slog.Error("event processing failed",
					"event_type", event.Type, "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("relay engine stopping")
			e.asm.Close()
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
		}
	}
}

// process routes one event. Called only from the Run goroutine.
func (e *Engine) process(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventSourcePost:
		if ev.Post == nil {
			return fmt.Errorf("source post event missing payload")
		}
		return e.handlePost(ctx, ev.Post)
	case EventGroupReady:
		if ev.Group == nil {
			return fmt.Errorf("group ready event missing payload")
		}
		e.emitGroup(ctx, ev.Group)
		return nil
	case EventTrigger:
		if ev.Trigger == nil {
			return fmt.Errorf("trigger event missing payload")
		}
		return e.handleTrigger(ctx, ev.Trigger)
	case EventBroadcast:
		if ev.Broadcast == nil {
			return fmt.Errorf("broadcast event missing payload")
		}
		return e.handleBroadcast(ctx, ev.Broadcast)
	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

// handlePost routes an inbound source post: album parts into the
// assembler, everything else straight to emission.
func (e *Engine) handlePost(ctx context.Context, p *SourcePost) error {
	if p.GroupID != "" {
		e.asm.Add(p.GroupID, assembler.Item{
			OrderKey: p.MessageID,
			Caption:  p.Caption,
			Payload:  p,
		})
		return nil
	}
	e.emitSingle(ctx, p)
	return nil
}

// emitSingle fans a single post out to every destination. Media posts
// are copied by reference and their caption rewritten in place, the
// way the platform keeps the original formatting; text posts are sent
// rewritten directly.
func (e *Engine) emitSingle(ctx context.Context, p *SourcePost) {
	flow := uuid.NewString()
	dests, err := e.store.Destinations(ctx)
	if err != nil {
		slog.Error("load destinations failed", "flow", flow, "error", err)
		return
	}

	for _, d := range dests {
		if err := e.waitSend(ctx, d.ID); err != nil {
			return
		}
		caption := e.rewriter.Rewrite(p.Caption, offsetsFor(d))

		var itemID int
		if p.Media != nil {
			itemID, err = e.pub.CopyMessage(ctx, d.ID, p.SourceChat, p.MessageID)
			if err == nil && p.Caption != "" && caption != p.Caption {
				if editErr := e.pub.EditCaption(ctx, d.ID, itemID, caption); editErr != nil {
					slog.Warn("edit caption failed",
						"flow", flow, "destination", d.ID,
						"message_id", itemID, "error", editErr)
				}
			}
		} else {
			if p.Caption == "" {
				continue
			}
			itemID, err = e.pub.SendText(ctx, d.ID, caption)
		}
		if err != nil {
			slog.Warn("emit single failed",
				"flow", flow, "destination", d.ID,
				"reason", platform.ClassifyError(err), "error", err)
			continue
		}

		if err := e.store.RecordCaption(ctx, d.ID, caption, []int{itemID}); err != nil {
			slog.Error("record caption failed",
				"flow", flow, "destination", d.ID, "error", err)
		}
		slog.Info("emitted single",
			"flow", flow, "destination", d.ID, "message_id", itemID)
	}
}

// emitGroup fans a completed album out to every destination as one
// atomic multi-item post. Exactly one item carries the rewritten
// caption.
func (e *Engine) emitGroup(ctx context.Context, g *GroupReady) {
	flow := uuid.NewString()
	caption := assembler.Caption(g.Items)

	dests, err := e.store.Destinations(ctx)
	if err != nil {
		slog.Error("load destinations failed", "flow", flow, "error", err)
		return
	}

	for _, d := range dests {
		if err := e.waitSend(ctx, d.ID); err != nil {
			return
		}

		rewritten := e.rewriter.Rewrite(caption, offsetsFor(d))
		items, ok := groupItems(g.Items, rewritten)
		if !ok {
			slog.Error("group has no sendable media, skipping",
				"flow", flow, "group_id", g.GroupID)
			return
		}

		ids, err := e.pub.SendMediaGroup(ctx, d.ID, items)
		if err != nil {
			slog.Warn("emit group failed",
				"flow", flow, "destination", d.ID, "group_id", g.GroupID,
				"reason", platform.ClassifyError(err), "error", err)
			continue
		}

		if err := e.store.RecordCaption(ctx, d.ID, rewritten, ids); err != nil {
			slog.Error("record caption failed",
				"flow", flow, "destination", d.ID, "error", err)
		}
		slog.Info("emitted group",
			"flow", flow, "destination", d.ID,
			"group_id", g.GroupID, "items", len(ids))
	}
}

// groupItems converts assembler items (sorted by ordering key) into
// the publisher's group shape, attaching caption to the first item
// only.
func groupItems(items []assembler.Item, caption string) ([]platform.GroupItem, bool) {
	out := make([]platform.GroupItem, 0, len(items))
	for _, it := range items {
		p, ok := it.Payload.(*SourcePost)
		if !ok || p.Media == nil {
			continue
		}
		gi := platform.GroupItem{Media: *p.Media}
		if len(out) == 0 {
			gi.Caption = caption
		}
		out = append(out, gi)
	}
	return out, len(out) > 0
}

// handleTrigger extracts the retraction phrase and resolves it at
// every destination independently.
func (e *Engine) handleTrigger(ctx context.Context, t *Trigger) error {
	phrase, ok := resolve.ExtractPhrase(e.grammar.TriggerKeyword, t.Text)
	if !ok {
		slog.Debug("trigger keyword absent or phrase empty, ignoring",
			"text", t.Text)
		return nil
	}

	dests, err := e.store.Destinations(ctx)
	if err != nil {
		return fmt.Errorf("load destinations: %w", err)
	}
	for _, d := range dests {
		found, err := e.resolver.ResolveAndDelete(ctx, d.ID, phrase)
		if err != nil {
			slog.Warn("retraction failed",
				"destination", d.ID, "phrase", phrase, "error", err)
			continue
		}
		if !found {
			slog.Info("no album matched retraction phrase",
				"destination", d.ID, "phrase", phrase)
		}
	}
	return nil
}

// handleBroadcast posts operator text to every destination. Exact
// broadcasts are link-checked and sent verbatim; otherwise the text is
// rewritten per destination.
func (e *Engine) handleBroadcast(ctx context.Context, b *Broadcast) error {
	if b.Exact && ContainsLink(b.Text) {
		return ErrLinkInBroadcast
	}

	flow := uuid.NewString()
	dests, err := e.store.Destinations(ctx)
	if err != nil {
		return fmt.Errorf("load destinations: %w", err)
	}
	for _, d := range dests {
		if err := e.waitSend(ctx, d.ID); err != nil {
			return err
		}
		text := b.Text
		if !b.Exact {
			text = e.rewriter.Rewrite(text, offsetsFor(d))
		}
		if _, err := e.pub.SendText(ctx, d.ID, text); err != nil {
			slog.Warn("broadcast failed",
				"flow", flow, "destination", d.ID,
				"reason", platform.ClassifyError(err), "error", err)
			continue
		}
	}
	return nil
}

// waitSend applies the per-destination rate limiter. Returns an error
// only when ctx is cancelled.
func (e *Engine) waitSend(ctx context.Context, destID int64) error {
	lim, ok := e.limiters[destID]
	if !ok {
		lim = rate.NewLimiter(e.sendRate, e.sendBurst)
		e.limiters[destID] = lim
	}
	return lim.Wait(ctx)
}

func offsetsFor(d store.Destination) rewrite.Offsets {
	return rewrite.Offsets{High: d.HighOffset, Low: d.LowOffset}
}
