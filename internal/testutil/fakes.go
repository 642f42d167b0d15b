package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/pricerelay/internal/platform"
)

// Sent is one recorded publisher call.
type Sent struct {
	ChatID     int64
	Kind       string // "text" | "media" | "group" | "copy"
	Text       string
	Caption    string
	GroupItems []platform.GroupItem
	MessageIDs []int
}

// FakePublisher records every send and hands out increasing message
// ids. Failures can be injected per chat id.
type FakePublisher struct {
	mu      sync.Mutex
	nextID  int
	sent    []Sent
	deleted map[int64][]int
	edited  map[int]string
	FailFor map[int64]error // chat id -> error returned by every call
}

// NewFakePublisher creates an empty fake publisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{
		nextID:  1000,
		deleted: make(map[int64][]int),
		edited:  make(map[int]string),
		FailFor: make(map[int64]error),
	}
}

func (p *FakePublisher) fail(chatID int64) error {
	if err, ok := p.FailFor[chatID]; ok {
		return err
	}
	return nil
}

func (p *FakePublisher) SendText(_ context.Context, chatID int64, text string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(chatID); err != nil {
		return 0, err
	}
	p.nextID++
	p.sent = append(p.sent, Sent{ChatID: chatID, Kind: "text", Text: text, MessageIDs: []int{p.nextID}})
	return p.nextID, nil
}

func (p *FakePublisher) SendMedia(_ context.Context, chatID int64, _ platform.MediaRef, caption string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(chatID); err != nil {
		return 0, err
	}
	p.nextID++
	p.sent = append(p.sent, Sent{ChatID: chatID, Kind: "media", Caption: caption, MessageIDs: []int{p.nextID}})
	return p.nextID, nil
}

func (p *FakePublisher) SendMediaGroup(_ context.Context, chatID int64, items []platform.GroupItem) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(chatID); err != nil {
		return nil, err
	}
	ids := make([]int, len(items))
	for i := range items {
		p.nextID++
		ids[i] = p.nextID
	}
	rec := Sent{ChatID: chatID, Kind: "group", GroupItems: append([]platform.GroupItem(nil), items...), MessageIDs: ids}
	for _, it := range items {
		if it.Caption != "" {
			rec.Caption = it.Caption
			break
		}
	}
	p.sent = append(p.sent, rec)
	return ids, nil
}

func (p *FakePublisher) CopyMessage(_ context.Context, toChat, _ int64, _ int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(toChat); err != nil {
		return 0, err
	}
	p.nextID++
	p.sent = append(p.sent, Sent{ChatID: toChat, Kind: "copy", MessageIDs: []int{p.nextID}})
	return p.nextID, nil
}

func (p *FakePublisher) EditCaption(_ context.Context, chatID int64, messageID int, caption string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(chatID); err != nil {
		return err
	}
	p.edited[messageID] = caption
	return nil
}

func (p *FakePublisher) Delete(_ context.Context, chatID int64, messageID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(chatID); err != nil {
		return err
	}
	p.deleted[chatID] = append(p.deleted[chatID], messageID)
	return nil
}

func (p *FakePublisher) Probe(_ context.Context, chatID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail(chatID)
}

// SentTo returns the recorded sends for one chat, in order.
func (p *FakePublisher) SentTo(chatID int64) []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Sent
	for _, s := range p.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

// AllSent returns every recorded send in order.
func (p *FakePublisher) AllSent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

// Deleted returns the message ids deleted in one chat, in order.
func (p *FakePublisher) Deleted(chatID int64) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.deleted[chatID]...)
}

// Edited returns the caption set by EditCaption for a message id.
func (p *FakePublisher) Edited(messageID int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.edited[messageID]
	return c, ok
}

// FakeArchive is an in-memory archive reader. Entries are held in
// chronological order per chat.
type FakeArchive struct {
	mu       sync.Mutex
	Entries  map[int64][]platform.ArchiveEntry
	Handles  map[string]int64
	FailWalk map[int]error // entry id -> error injected during Download
}

// NewFakeArchive creates an empty fake archive.
func NewFakeArchive() *FakeArchive {
	return &FakeArchive{
		Entries:  make(map[int64][]platform.ArchiveEntry),
		Handles:  make(map[string]int64),
		FailWalk: make(map[int]error),
	}
}

func (a *FakeArchive) ResolveChannel(_ context.Context, ref string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.Handles[ref]
	if !ok {
		return 0, fmt.Errorf("resolve %q: %w", ref, platform.ErrNotFound)
	}
	return id, nil
}

func (a *FakeArchive) WalkHistory(_ context.Context, chatID int64, fn func(platform.ArchiveEntry) error) error {
	a.mu.Lock()
	entries := append([]platform.ArchiveEntry(nil), a.Entries[chatID]...)
	a.mu.Unlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (a *FakeArchive) Recent(_ context.Context, chatID int64, limit int) ([]platform.ArchiveEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.Entries[chatID]
	// Newest first; only media entries count against the limit.
	out := make([]platform.ArchiveEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if entries[i].HasMedia() {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

func (a *FakeArchive) Download(_ context.Context, entry platform.ArchiveEntry, dir string) (string, error) {
	a.mu.Lock()
	err := a.FailWalk[entry.ID]
	a.mu.Unlock()
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("entry-%d.bin", entry.ID))
	if writeErr := os.WriteFile(path, []byte("media"), 0o644); writeErr != nil {
		return "", writeErr
	}
	return path, nil
}
