// Package platform defines the boundary between the relay core and the
// chat-platform identities it drives.
//
// Two identities exist with different capability sets:
//
//   - The publishing identity (bot credential) can send, copy, edit, and
//     delete messages in destinations it administers. It cannot read
//     channel history.
//   - The archive-reading identity (user credential) can resolve channel
//     references, walk history chronologically, and download media, but
//     may lack delete rights in destinations.
//
// The core consumes both through the interfaces below; concrete adapters
// live in subpackages. Every method that touches the network takes a
// context and is a suspension point for the relay's event loop.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MediaKind identifies the payload type of a media reference.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaRef points at a media payload either by platform file identifier
// (re-send without re-upload) or by local file path (staged download).
// Exactly one of FileID and Path is set.
type MediaRef struct {
	Kind   MediaKind
	FileID string
	Path   string
}

// Local reports whether the reference points at staged local storage.
func (m MediaRef) Local() bool { return m.Path != "" }

// GroupItem is one element of a grouped emission. Caption is non-empty
// on exactly one item of a group; the adapter must attach it to that
// item and no other.
type GroupItem struct {
	Media   MediaRef
	Caption string
}

// Publisher is the capability surface of the publishing identity.
type Publisher interface {
	// SendText posts plain text and returns the new message id.
	SendText(ctx context.Context, chatID int64, text string) (int, error)

	// SendMedia posts a single media item with an optional caption and
	// returns the new message id.
	SendMedia(ctx context.Context, chatID int64, media MediaRef, caption string) (int, error)

	// SendMediaGroup posts items as one atomic multi-item post, in the
	// order given, and returns the new message ids in the same order.
	SendMediaGroup(ctx context.Context, chatID int64, items []GroupItem) ([]int, error)

	// CopyMessage re-posts an existing message by reference without a
	// forward header and returns the new message id.
	CopyMessage(ctx context.Context, toChat, fromChat int64, messageID int) (int, error)

	// EditCaption replaces the caption of a previously sent message.
	EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error

	// Delete removes a message by id.
	Delete(ctx context.Context, chatID int64, messageID int) error

	// Probe checks that the identity can still operate in the chat.
	// Used by the pruning command only.
	Probe(ctx context.Context, chatID int64) error
}

// ArchiveEntry is one historical message as seen by the archive reader.
// GroupID is empty for ungrouped entries. ID doubles as the ordering
// key: the platform assigns ids in chronological order within a chat.
type ArchiveEntry struct {
	ID      int
	GroupID string
	Caption string
	Media   *MediaRef
	Date    time.Time
}

// HasMedia reports whether the entry carries a media payload.
func (e ArchiveEntry) HasMedia() bool { return e.Media != nil }

// ArchiveReader is the capability surface of the archive-reading
// identity.
type ArchiveReader interface {
	// ResolveChannel turns a channel reference (numeric id string or
	// @handle) into a chat id.
	ResolveChannel(ctx context.Context, ref string) (int64, error)

	// WalkHistory iterates the chat's history in chronological order,
	// calling fn for each entry. Returning an error from fn aborts the
	// walk and is returned unchanged.
	WalkHistory(ctx context.Context, chatID int64, fn func(ArchiveEntry) error) error

	// Recent returns up to limit of the newest media-carrying entries,
	// newest first. Text-only history does not count against limit.
	Recent(ctx context.Context, chatID int64, limit int) ([]ArchiveEntry, error)

	// Download stages the entry's media payload into dir and returns
	// the local path. The caller owns dir and its cleanup.
	Download(ctx context.Context, entry ArchiveEntry, dir string) (string, error)
}

// Sentinel errors adapters map platform failures onto. The relay core
// never inspects adapter-specific error types.
var (
	// ErrTransient covers rate limiting, timeouts, and other failures
	// worth nothing more than a log line.
	ErrTransient = errors.New("transient platform error")

	// ErrNoAccess means the identity lacks rights in the chat (kicked,
	// restricted, never joined).
	ErrNoAccess = errors.New("no access")

	// ErrNotFound means the referenced chat or message does not exist.
	ErrNotFound = errors.New("not found")
)

// Reason strings surfaced by the pruning command. These are the only
// consumer-visible form of a classified failure.
const (
	ReasonTransient = "transient error"
	ReasonNoAccess  = "no delete rights"
	ReasonInvisible = "invisible to read identity"
	ReasonUnknown   = "unclassified error"
)

// ClassifyError maps an adapter error onto a pruning reason string.
// Wrapped sentinels win over message sniffing; message sniffing exists
// because the wire library reports most failures as bare strings.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransient):
		return ReasonTransient
	case errors.Is(err, ErrNoAccess):
		return ReasonNoAccess
	case errors.Is(err, ErrNotFound):
		return ReasonInvisible
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "retry after"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ReasonTransient
	case strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "kicked"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "restricted"):
		return ReasonNoAccess
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "chat_id is empty"),
		strings.Contains(msg, "invalid"):
		return ReasonInvisible
	}
	return ReasonUnknown
}
