// Package export reads a channel history export (the desktop client's
// "Export chat history" JSON format) as an archive source. It stands in
// for a live archive-reading identity: the operator exports the source
// channel and points replay at the export directory.
//
// The export format carries no album grouping key, so grouped posts
// come back as individual entries.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/pricerelay/internal/platform"
)

// Archive implements platform.ArchiveReader over one export directory.
type Archive struct {
	dir     string
	chatID  int64
	name    string
	entries []platform.ArchiveEntry // chronological
}

// resultFile is the fixed name the desktop client writes.
const resultFile = "result.json"

type exportDoc struct {
	Name     string          `json:"name"`
	ID       int64           `json:"id"`
	Messages []exportMessage `json:"messages"`
}

type exportMessage struct {
	ID        int             `json:"id"`
	Type      string          `json:"type"`
	Date      string          `json:"date"`
	Text      json.RawMessage `json:"text"`
	Photo     string          `json:"photo"`
	File      string          `json:"file"`
	MediaType string          `json:"media_type"`
}

// Open parses the export in dir.
func Open(dir string) (*Archive, error) {
	data, err := os.ReadFile(filepath.Join(dir, resultFile))
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse export %s: %w", resultFile, err)
	}

	a := &Archive{
		dir:    dir,
		chatID: canonicalChatID(doc.ID),
		name:   doc.Name,
	}
	for _, m := range doc.Messages {
		if m.Type != "message" {
			continue
		}
		entry := platform.ArchiveEntry{
			ID:      m.ID,
			Caption: flattenText(m.Text),
			Media:   exportMedia(dir, m),
		}
		if ts, err := time.Parse("2006-01-02T15:04:05", m.Date); err == nil {
			entry.Date = ts
		}
		a.entries = append(a.entries, entry)
	}
	return a, nil
}

// ChatID returns the exported channel's canonical chat id.
func (a *Archive) ChatID() int64 { return a.chatID }

// canonicalChatID maps the export's raw channel id onto the id the
// publishing identity sees (-100 prefixed).
func canonicalChatID(raw int64) int64 {
	if raw > 0 {
		id, err := strconv.ParseInt("-100"+strconv.FormatInt(raw, 10), 10, 64)
		if err == nil {
			return id
		}
	}
	return raw
}

func (a *Archive) ResolveChannel(_ context.Context, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if id == a.chatID {
			return a.chatID, nil
		}
		return 0, fmt.Errorf("export covers chat %d, not %d: %w", a.chatID, id, platform.ErrNotFound)
	}
	if strings.EqualFold(strings.TrimPrefix(ref, "@"), a.name) {
		return a.chatID, nil
	}
	return 0, fmt.Errorf("resolve %q: %w", ref, platform.ErrNotFound)
}

func (a *Archive) WalkHistory(ctx context.Context, chatID int64, fn func(platform.ArchiveEntry) error) error {
	if err := a.checkChat(chatID); err != nil {
		return err
	}
	for _, e := range a.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) Recent(_ context.Context, chatID int64, limit int) ([]platform.ArchiveEntry, error) {
	if err := a.checkChat(chatID); err != nil {
		return nil, err
	}
	out := make([]platform.ArchiveEntry, 0, limit)
	for i := len(a.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if a.entries[i].HasMedia() {
			out = append(out, a.entries[i])
		}
	}
	return out, nil
}

// Download copies the entry's exported media file into dir so the
// caller's cleanup never touches the export itself.
func (a *Archive) Download(_ context.Context, entry platform.ArchiveEntry, dir string) (string, error) {
	if entry.Media == nil || !entry.Media.Local() {
		return "", fmt.Errorf("entry %d has no exported media: %w", entry.ID, platform.ErrNotFound)
	}

	src, err := os.Open(entry.Media.Path)
	if err != nil {
		return "", fmt.Errorf("open exported media: %w", err)
	}
	defer src.Close()

	path := filepath.Join(dir, fmt.Sprintf("entry-%d%s", entry.ID, filepath.Ext(entry.Media.Path)))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage media: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("stage media: %w", err)
	}
	return path, nil
}

func (a *Archive) checkChat(chatID int64) error {
	if chatID != a.chatID {
		return fmt.Errorf("export covers chat %d, not %d: %w", a.chatID, chatID, platform.ErrNotFound)
	}
	return nil
}

// exportMedia maps an export message's media fields onto a local
// MediaRef, nil for text-only messages.
func exportMedia(dir string, m exportMessage) *platform.MediaRef {
	switch {
	case m.Photo != "":
		return &platform.MediaRef{Kind: platform.MediaPhoto, Path: filepath.Join(dir, m.Photo)}
	case m.File != "" && m.MediaType == "video_file":
		return &platform.MediaRef{Kind: platform.MediaVideo, Path: filepath.Join(dir, m.File)}
	case m.File != "":
		return &platform.MediaRef{Kind: platform.MediaDocument, Path: filepath.Join(dir, m.File)}
	}
	return nil
}

// flattenText joins the export's text field, which is either a plain
// string or a list of strings and styled spans.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}

	var b strings.Builder
	for _, p := range parts {
		var ps string
		if err := json.Unmarshal(p, &ps); err == nil {
			b.WriteString(ps)
			continue
		}
		var span struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p, &span); err == nil {
			b.WriteString(span.Text)
		}
	}
	return b.String()
}
