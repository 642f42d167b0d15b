// Package resolve retracts previously published albums by caption
// content.
//
// A retraction trigger carries no message ids: the phrase preceding the
// trigger keyword is all there is. Resolution is index-first (the
// caption index remembers what was emitted where), with a bounded scan
// of the destination's own history as fallback for emissions the index
// no longer holds. The fallback needs the archive-reading identity;
// without it, resolution stops after the index.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/pricerelay/internal/platform"
	"github.com/roach88/pricerelay/internal/store"
)

// DefaultFallbackWindow is how many recent media entries of the
// destination the fallback scan considers.
const DefaultFallbackWindow = 800

// Resolver locates and deletes published albums by caption phrase.
type Resolver struct {
	store        *store.Store
	pub          platform.Publisher
	archive      platform.ArchiveReader
	window       int
	strictPrefix bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithArchive enables the history-scan fallback. The archive identity
// must be able to read the destination.
func WithArchive(a platform.ArchiveReader) Option {
	return func(r *Resolver) { r.archive = a }
}

// WithWindow overrides the fallback scan window.
func WithWindow(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithStrictPrefix switches index lookup to prefix matching.
func WithStrictPrefix(strict bool) Option {
	return func(r *Resolver) { r.strictPrefix = strict }
}

// New creates a Resolver over the caption index and publisher.
func New(st *store.Store, pub platform.Publisher, opts ...Option) *Resolver {
	r := &Resolver{
		store:  st,
		pub:    pub,
		window: DefaultFallbackWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExtractPhrase pulls the match phrase out of a trigger text: the
// (trimmed) text preceding the first occurrence of keyword,
// case-insensitively. Returns false when the keyword is absent or
// nothing precedes it; no deletion is attempted in that case.
func ExtractPhrase(keyword, text string) (string, bool) {
	if keyword == "" {
		return "", false
	}
	idx := strings.Index(strings.ToLower(text), strings.ToLower(keyword))
	if idx < 0 {
		return "", false
	}
	phrase := strings.TrimSpace(text[:idx])
	if phrase == "" {
		return "", false
	}
	return phrase, true
}

// ResolveAndDelete finds the album matching phrase at the destination
// and deletes it. Index first; bounded history scan second. Item
// deletes are best-effort: one failure does not block the rest.
// Returns true if at least one delete succeeded.
func (r *Resolver) ResolveAndDelete(ctx context.Context, destID int64, phrase string) (bool, error) {
	rec, err := r.store.FindLatestMatching(ctx, destID, phrase, r.strictPrefix)
	if err != nil {
		return false, fmt.Errorf("resolve phrase %q: %w", phrase, err)
	}
	if rec != nil {
		deleted := r.deleteItems(ctx, destID, rec.ItemIDs)
		if err := r.store.RemoveCaptionRecord(ctx, rec.ID); err != nil {
			slog.Error("remove caption record failed",
				"record_id", rec.ID, "destination", destID, "error", err)
		}
		slog.Info("retracted album via caption index",
			"destination", destID, "phrase", phrase,
			"items", len(rec.ItemIDs), "deleted", deleted)
		return deleted > 0, nil
	}

	if r.archive == nil {
		slog.Debug("no index match and no archive identity configured",
			"destination", destID, "phrase", phrase)
		return false, nil
	}
	return r.fallbackScan(ctx, destID, phrase)
}

// fallbackScan searches a bounded window of the destination's own
// history for the newest album whose caption contains the phrase.
func (r *Resolver) fallbackScan(ctx context.Context, destID int64, phrase string) (bool, error) {
	entries, err := r.archive.Recent(ctx, destID, r.window)
	if err != nil {
		return false, fmt.Errorf("scan destination %d history: %w", destID, err)
	}

	needle := store.NormalizeCaption(phrase)
	if needle == "" {
		return false, nil
	}

	// Regroup the window by group id, newest group first. Entries
	// arrive newest first (media only, per the Recent contract), so a
	// group's position is that of its newest member. Singletons stand
	// alone under a synthetic key.
	type histGroup struct {
		entries []platform.ArchiveEntry
	}
	var order []string
	groups := make(map[string]*histGroup)
	for _, e := range entries {
		key := e.GroupID
		if key == "" {
			key = fmt.Sprintf("single-%d", e.ID)
		}
		g, ok := groups[key]
		if !ok {
			g = &histGroup{}
			groups[key] = g
			order = append(order, key)
		}
		g.entries = append(g.entries, e)
	}

	for _, key := range order {
		g := groups[key]
		sort.Slice(g.entries, func(i, j int) bool {
			return g.entries[i].ID < g.entries[j].ID
		})

		caption := ""
		for _, e := range g.entries {
			if e.Caption != "" {
				caption = e.Caption
				break
			}
		}
		if caption == "" || !strings.Contains(store.NormalizeCaption(caption), needle) {
			continue
		}

		ids := make([]int, len(g.entries))
		for i, e := range g.entries {
			ids[i] = e.ID
		}
		deleted := r.deleteItems(ctx, destID, ids)
		slog.Info("retracted album via history scan",
			"destination", destID, "phrase", phrase,
			"items", len(ids), "deleted", deleted)
		return deleted > 0, nil
	}

	slog.Debug("no album matched phrase",
		"destination", destID, "phrase", phrase)
	return false, nil
}

// deleteItems deletes each id, best-effort, and returns the success
// count.
func (r *Resolver) deleteItems(ctx context.Context, destID int64, ids []int) int {
	deleted := 0
	for _, id := range ids {
		if err := r.pub.Delete(ctx, destID, id); err != nil {
			slog.Warn("delete item failed",
				"destination", destID, "message_id", id,
				"reason", platform.ClassifyError(err), "error", err)
			continue
		}
		deleted++
	}
	return deleted
}
