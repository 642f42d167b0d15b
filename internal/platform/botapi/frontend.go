package botapi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/roach88/pricerelay/internal/platform"
	"github.com/roach88/pricerelay/internal/relay"
	"github.com/roach88/pricerelay/internal/replay"
	"github.com/roach88/pricerelay/internal/store"
)

// Frontend consumes the bot's update stream: source channel posts
// become relay events, private messages become operator commands.
type Frontend struct {
	bot        *tgbotapi.BotAPI
	engine     *relay.Engine
	store      *store.Store
	replayer   *replay.Replayer
	pub        *Publisher
	sourceChat int64
	trigger    string
	operatorID int64
	defHigh    float64
	defLow     float64
}

// FrontendConfig carries the frontend's collaborators.
type FrontendConfig struct {
	Bot      *tgbotapi.BotAPI
	Engine   *relay.Engine
	Store    *store.Store
	Replayer *replay.Replayer
	Pub      *Publisher

	// SourceChat is the resolved id of the watched channel.
	SourceChat int64

	// Trigger is the retraction keyword from the marker grammar.
	Trigger string

	// OperatorID, when non-zero, restricts commands to one user.
	OperatorID int64

	// DefaultHigh and DefaultLow seed offsets for newly registered
	// destinations.
	DefaultHigh float64
	DefaultLow  float64
}

func NewFrontend(cfg FrontendConfig) *Frontend {
	return &Frontend{
		bot:        cfg.Bot,
		engine:     cfg.Engine,
		store:      cfg.Store,
		replayer:   cfg.Replayer,
		pub:        cfg.Pub,
		sourceChat: cfg.SourceChat,
		trigger:    cfg.Trigger,
		operatorID: cfg.OperatorID,
		defHigh:    cfg.DefaultHigh,
		defLow:     cfg.DefaultLow,
	}
}

// ResolveChatRef turns a channel reference (numeric id or @handle)
// into a chat id using the bot credential.
func ResolveChatRef(bot *tgbotapi.BotAPI, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: ref},
	})
	if err != nil {
		return 0, fmt.Errorf("resolve channel %q: %w", ref, mapError(err))
	}
	return chat.ID, nil
}

// Run consumes updates until ctx is cancelled.
func (f *Frontend) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := f.bot.GetUpdatesChan(u)
	defer f.bot.StopReceivingUpdates()

	slog.Info("update frontend started", "source_chat", f.sourceChat)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			f.dispatch(ctx, upd)
		}
	}
}

func (f *Frontend) dispatch(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.ChannelPost != nil && upd.ChannelPost.Chat != nil && upd.ChannelPost.Chat.ID == f.sourceChat:
		f.handleSourcePost(upd.ChannelPost)
	case upd.Message != nil && upd.Message.Chat != nil && upd.Message.Chat.IsPrivate():
		f.handleCommand(ctx, upd.Message)
	}
}

// handleSourcePost turns a watched-channel post into a relay event.
// Posts carrying the retraction keyword act as triggers and are not
// forwarded themselves.
func (f *Frontend) handleSourcePost(msg *tgbotapi.Message) {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if f.trigger != "" && strings.Contains(strings.ToLower(text), strings.ToLower(f.trigger)) {
		f.engine.Enqueue(relay.Event{
			Type:    relay.EventTrigger,
			Trigger: &relay.Trigger{Text: text},
		})
		return
	}

	f.engine.Enqueue(relay.Event{
		Type: relay.EventSourcePost,
		Post: &relay.SourcePost{
			MessageID:  msg.MessageID,
			SourceChat: msg.Chat.ID,
			GroupID:    msg.MediaGroupID,
			Caption:    text,
			Media:      messageMedia(msg),
		},
	})
}

// messageMedia extracts the media payload of an inbound message, if
// any. Photos arrive as a size ladder; the last entry is the largest.
func messageMedia(msg *tgbotapi.Message) *platform.MediaRef {
	switch {
	case len(msg.Photo) > 0:
		return &platform.MediaRef{
			Kind:   platform.MediaPhoto,
			FileID: msg.Photo[len(msg.Photo)-1].FileID,
		}
	case msg.Video != nil:
		return &platform.MediaRef{Kind: platform.MediaVideo, FileID: msg.Video.FileID}
	case msg.Document != nil:
		return &platform.MediaRef{Kind: platform.MediaDocument, FileID: msg.Document.FileID}
	}
	return nil
}

func (f *Frontend) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if f.operatorID != 0 && (msg.From == nil || msg.From.ID != f.operatorID) {
		slog.Warn("command from unauthorized user",
			"user", userID(msg), "command", msg.Command())
		return
	}
	if !msg.IsCommand() {
		return
	}

	var reply string
	switch msg.Command() {
	case "start", "help":
		reply = usageText
	case "register":
		reply = f.cmdRegister(ctx, msg.CommandArguments())
	case "sethigh":
		reply = f.cmdSetOffset(ctx, msg.CommandArguments(), f.store.SetHighOffset)
	case "setlow":
		reply = f.cmdSetOffset(ctx, msg.CommandArguments(), f.store.SetLowOffset)
	case "list":
		reply = f.cmdList(ctx)
	case "replay":
		reply = f.cmdReplay(ctx, msg.CommandArguments())
	case "post":
		reply = f.cmdBroadcast(msg.CommandArguments(), false)
	case "postraw":
		reply = f.cmdBroadcast(msg.CommandArguments(), true)
	case "prune":
		reply = f.cmdPrune(ctx, msg.CommandArguments())
	default:
		reply = "Unknown command.\n\n" + usageText
	}

	if reply != "" {
		if _, err := f.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)); err != nil {
			slog.Warn("command reply failed", "error", err)
		}
	}
}

const usageText = `Commands:
/register <chat_id> [title] - register a destination channel
/sethigh <chat_id> <offset> - set the above-threshold offset
/setlow <chat_id> <offset> - set the at-or-below-threshold offset
/list - list registered destinations
/replay <chat_id> - replay the source history into a destination
/post <text> - broadcast text, prices rewritten per destination
/postraw <text> - broadcast text verbatim (links rejected)
/prune [apply] - report unreachable destinations; apply removes them`

func (f *Frontend) cmdRegister(ctx context.Context, args string) string {
	fields := strings.Fields(args)
	if len(fields) < 1 {
		return "Usage: /register <chat_id> [title]"
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Sprintf("Bad chat id %q.", fields[0])
	}
	title := strings.Join(fields[1:], " ")
	if title == "" {
		title = fields[0]
	}

	if err := f.pub.Probe(ctx, id); err != nil {
		return fmt.Sprintf("Cannot reach chat %d: %s.", id, platform.ClassifyError(err))
	}
	d := store.Destination{ID: id, Title: title, HighOffset: f.defHigh, LowOffset: f.defLow}
	if err := f.store.RegisterDestination(ctx, d); err != nil {
		return fmt.Sprintf("Registration failed: %v.", err)
	}
	return fmt.Sprintf("Registered destination %d (%s).", id, title)
}

func (f *Frontend) cmdSetOffset(ctx context.Context, args string, set func(context.Context, int64, float64) error) string {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "Usage: /sethigh|/setlow <chat_id> <offset>"
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Sprintf("Bad chat id %q.", fields[0])
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Sprintf("Bad offset %q.", fields[1])
	}
	if err := set(ctx, id, v); err != nil {
		return fmt.Sprintf("Update failed: %v.", err)
	}
	return fmt.Sprintf("Offset for %d set to %g.", id, v)
}

func (f *Frontend) cmdList(ctx context.Context) string {
	dests, err := f.store.Destinations(ctx)
	if err != nil {
		return fmt.Sprintf("Listing failed: %v.", err)
	}
	if len(dests) == 0 {
		return "No destinations registered."
	}
	var b strings.Builder
	for _, d := range dests {
		fmt.Fprintf(&b, "%d  %s  high=%g low=%g\n", d.ID, d.Title, d.HighOffset, d.LowOffset)
	}
	return b.String()
}

func (f *Frontend) cmdReplay(ctx context.Context, args string) string {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return "Usage: /replay <chat_id>"
	}
	if f.replayer == nil {
		return "Replay is not available: no archive identity configured."
	}
	// Replay is long-running; report completion asynchronously.
	go func() {
		n, err := f.replayer.Replay(context.WithoutCancel(ctx), f.sourceChat, id)
		text := fmt.Sprintf("Replay into %d finished: %d items emitted.", id, n)
		if err != nil {
			text = fmt.Sprintf("Replay into %d failed after %d items: %v.", id, n, err)
		}
		if f.operatorID != 0 {
			if _, err := f.bot.Send(tgbotapi.NewMessage(f.operatorID, text)); err != nil {
				slog.Warn("replay report failed", "error", err)
			}
		}
		slog.Info("replay command finished", "destination", id, "emitted", n)
	}()
	return fmt.Sprintf("Replay into %d started.", id)
}

func (f *Frontend) cmdBroadcast(text string, exact bool) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "Usage: /post <text> or /postraw <text>"
	}
	if exact && relay.ContainsLink(text) {
		return "Rejected: broadcast text contains a link."
	}
	f.engine.Enqueue(relay.Event{
		Type:      relay.EventBroadcast,
		Broadcast: &relay.Broadcast{Text: text, Exact: exact},
	})
	return "Broadcast queued."
}

// cmdPrune probes every destination and reports the unreachable ones
// with a classified reason. "apply" removes them.
func (f *Frontend) cmdPrune(ctx context.Context, args string) string {
	apply := strings.TrimSpace(args) == "apply"

	dests, err := f.store.Destinations(ctx)
	if err != nil {
		return fmt.Sprintf("Prune failed: %v.", err)
	}

	var b strings.Builder
	stale := 0
	for _, d := range dests {
		err := f.pub.Probe(ctx, d.ID)
		if err == nil {
			continue
		}
		reason := platform.ClassifyError(err)
		if reason == platform.ReasonTransient {
			fmt.Fprintf(&b, "%d  %s  %s (kept)\n", d.ID, d.Title, reason)
			continue
		}
		stale++
		if apply {
			if rmErr := f.store.RemoveDestination(ctx, d.ID); rmErr != nil {
				fmt.Fprintf(&b, "%d  %s  %s (removal failed: %v)\n", d.ID, d.Title, reason, rmErr)
				continue
			}
			fmt.Fprintf(&b, "%d  %s  %s (removed)\n", d.ID, d.Title, reason)
		} else {
			fmt.Fprintf(&b, "%d  %s  %s\n", d.ID, d.Title, reason)
		}
	}

	if stale == 0 && b.Len() == 0 {
		return "All destinations reachable."
	}
	if !apply && stale > 0 {
		fmt.Fprintf(&b, "\nRun /prune apply to remove %d destination(s).", stale)
	}
	return b.String()
}

func userID(msg *tgbotapi.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}
