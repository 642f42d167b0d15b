// Package replay rebuilds a destination from the source channel's full
// history. Where the live path sees posts trickle in and assembles
// albums by timing, replay sees the whole history at once and regroups
// by the platform's grouping key, so albums split across the walk come
// back together before emission.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/pricerelay/internal/platform"
	"github.com/roach88/pricerelay/internal/rewrite"
	"github.com/roach88/pricerelay/internal/store"
)

// Replayer drives a full-history replay into one destination.
type Replayer struct {
	store    *store.Store
	rewriter *rewrite.Engine
	pub      platform.Publisher
	archive  platform.ArchiveReader
	limiter  *rate.Limiter
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithSendRate overrides the emission rate limit. Replay is the
// bulkiest sender in the system, so the default is deliberately slow.
func WithSendRate(r rate.Limit, burst int) Option {
	return func(rp *Replayer) { rp.limiter = rate.NewLimiter(r, burst) }
}

func New(st *store.Store, rw *rewrite.Engine, pub platform.Publisher, archive platform.ArchiveReader, opts ...Option) *Replayer {
	rp := &Replayer{
		store:    st,
		rewriter: rw,
		pub:      pub,
		archive:  archive,
		limiter:  rate.NewLimiter(rate.Limit(0.5), 1),
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp
}

// group is one emission unit: an album keyed by the platform grouping
// key, or a synthetic single-entry group.
type group struct {
	key     string
	entries []platform.ArchiveEntry
}

// Replay walks the source channel's history and re-emits every media
// post into the destination, rewriting captions with the destination's
// offsets. Text-only history is skipped. Groups whose media cannot be
// staged or sent are skipped whole; the walk continues.
//
// Returns the number of individual items successfully replayed (every
// member of an album counts).
func (rp *Replayer) Replay(ctx context.Context, sourceChat int64, destID int64) (int, error) {
	flow := uuid.NewString()

	dest, err := rp.store.Destination(ctx, destID)
	if err != nil {
		return 0, fmt.Errorf("replay destination: %w", err)
	}
	offsets := rewrite.Offsets{High: dest.HighOffset, Low: dest.LowOffset}

	groups, err := rp.collect(ctx, sourceChat)
	if err != nil {
		return 0, fmt.Errorf("walk source history: %w", err)
	}
	slog.Info("replay collected history",
		"flow", flow, "destination", destID, "groups", len(groups))

	staging, err := os.MkdirTemp("", "relay-replay-*")
	if err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	emitted := 0
	skipped := 0
	for _, g := range groups {
		if err := rp.limiter.Wait(ctx); err != nil {
			return emitted, err
		}
		n, err := rp.emit(ctx, flow, g, destID, offsets, staging)
		if err != nil {
			slog.Warn("replay group skipped",
				"flow", flow, "destination", destID, "group", g.key,
				"reason", platform.ClassifyError(err), "error", err)
			skipped++
			continue
		}
		emitted += n
	}

	slog.Info("replay finished",
		"flow", flow, "destination", destID,
		"items_emitted", emitted, "groups_skipped", skipped)
	return emitted, nil
}

// collect walks the full history and regroups it. Grouped entries with
// the same key merge even when interleaved with other posts; each
// group takes its chronological position from its earliest entry.
func (rp *Replayer) collect(ctx context.Context, sourceChat int64) ([]group, error) {
	byKey := make(map[string]*group)
	var order []*group

	err := rp.archive.WalkHistory(ctx, sourceChat, func(e platform.ArchiveEntry) error {
		if !e.HasMedia() {
			return nil
		}
		key := e.GroupID
		if key == "" {
			key = fmt.Sprintf("single-%d", e.ID)
		}
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			order = append(order, g)
		}
		g.entries = append(g.entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]group, len(order))
	for i, g := range order {
		sort.Slice(g.entries, func(a, b int) bool {
			return g.entries[a].ID < g.entries[b].ID
		})
		out[i] = *g
	}
	return out, nil
}

// emit stages one group's media and posts it, returning the number of
// items sent. Singles go out as one media message; larger groups as an
// atomic multi-item post with the caption on the first item.
func (rp *Replayer) emit(ctx context.Context, flow string, g group, destID int64, off rewrite.Offsets, staging string) (int, error) {
	caption := ""
	for _, e := range g.entries {
		if e.Caption != "" {
			caption = e.Caption
			break
		}
	}
	rewritten := rp.rewriter.Rewrite(caption, off)

	staged := make([]platform.MediaRef, 0, len(g.entries))
	for _, e := range g.entries {
		path, err := rp.archive.Download(ctx, e, staging)
		if err != nil {
			return 0, fmt.Errorf("stage entry %d: %w", e.ID, err)
		}
		staged = append(staged, platform.MediaRef{Kind: e.Media.Kind, Path: path})
	}

	var ids []int
	var err error
	if len(staged) == 1 {
		var id int
		id, err = rp.pub.SendMedia(ctx, destID, staged[0], rewritten)
		ids = []int{id}
	} else {
		items := make([]platform.GroupItem, len(staged))
		for i, m := range staged {
			items[i] = platform.GroupItem{Media: m}
		}
		items[0].Caption = rewritten
		ids, err = rp.pub.SendMediaGroup(ctx, destID, items)
	}
	if err != nil {
		return 0, err
	}

	if err := rp.store.RecordCaption(ctx, destID, rewritten, ids); err != nil {
		slog.Error("record replayed caption failed",
			"flow", flow, "destination", destID, "error", err)
	}
	slog.Debug("replayed group",
		"flow", flow, "destination", destID, "group", g.key, "items", len(ids))
	return len(ids), nil
}
