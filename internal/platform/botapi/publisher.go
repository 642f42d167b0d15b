// Package botapi adapts the Bot API to the relay's platform
// interfaces. The bot credential is the publishing identity: it can
// send, copy, edit, and delete in destinations it administers, but
// cannot read channel history.
package botapi

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/roach88/pricerelay/internal/platform"
)

// Publisher implements platform.Publisher over the Bot API. A global
// limiter spaces outbound calls to stay under the platform's overall
// send budget; per-destination pacing happens upstream.
type Publisher struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

// globalSendRate is the platform's overall messages-per-second budget
// for a bot, kept slightly under the documented 30/s.
const globalSendRate = rate.Limit(25)

// NewPublisher wraps an authorized bot client.
func NewPublisher(bot *tgbotapi.BotAPI) *Publisher {
	return &Publisher{
		bot:     bot,
		limiter: rate.NewLimiter(globalSendRate, 5),
	}
}

// Connect authorizes a bot client from its token.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authorize bot: %w", err)
	}
	return bot, nil
}

func (p *Publisher) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	msg, err := p.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, mapError(err)
	}
	return msg.MessageID, nil
}

func (p *Publisher) SendMedia(ctx context.Context, chatID int64, media platform.MediaRef, caption string) (int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	file := fileData(media)
	var cfg tgbotapi.Chattable
	switch media.Kind {
	case platform.MediaPhoto:
		c := tgbotapi.NewPhoto(chatID, file)
		c.Caption = caption
		cfg = c
	case platform.MediaVideo:
		c := tgbotapi.NewVideo(chatID, file)
		c.Caption = caption
		cfg = c
	case platform.MediaDocument:
		c := tgbotapi.NewDocument(chatID, file)
		c.Caption = caption
		cfg = c
	default:
		return 0, fmt.Errorf("unsupported media kind %q", media.Kind)
	}

	msg, err := p.bot.Send(cfg)
	if err != nil {
		return 0, mapError(err)
	}
	return msg.MessageID, nil
}

func (p *Publisher) SendMediaGroup(ctx context.Context, chatID int64, items []platform.GroupItem) ([]int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	media := make([]interface{}, 0, len(items))
	for _, it := range items {
		m, err := inputMedia(it)
		if err != nil {
			return nil, err
		}
		media = append(media, m)
	}

	msgs, err := p.bot.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media))
	if err != nil {
		return nil, mapError(err)
	}
	ids := make([]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	return ids, nil
}

func (p *Publisher) CopyMessage(ctx context.Context, toChat, fromChat int64, messageID int) (int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	res, err := p.bot.CopyMessage(tgbotapi.NewCopyMessage(toChat, fromChat, messageID))
	if err != nil {
		return 0, mapError(err)
	}
	return res.MessageID, nil
}

func (p *Publisher) EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.bot.Request(tgbotapi.NewEditMessageCaption(chatID, messageID, caption))
	return mapError(err)
}

func (p *Publisher) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return mapError(err)
}

// Probe verifies the bot can still see the chat. GetChat fails for
// chats the bot was removed from.
func (p *Publisher) Probe(ctx context.Context, chatID int64) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := p.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	return mapError(err)
}

func fileData(m platform.MediaRef) tgbotapi.RequestFileData {
	if m.Local() {
		return tgbotapi.FilePath(m.Path)
	}
	return tgbotapi.FileID(m.FileID)
}

func inputMedia(it platform.GroupItem) (interface{}, error) {
	file := fileData(it.Media)
	switch it.Media.Kind {
	case platform.MediaPhoto:
		m := tgbotapi.NewInputMediaPhoto(file)
		m.Caption = it.Caption
		return m, nil
	case platform.MediaVideo:
		m := tgbotapi.NewInputMediaVideo(file)
		m.Caption = it.Caption
		return m, nil
	case platform.MediaDocument:
		m := tgbotapi.NewInputMediaDocument(file)
		m.Caption = it.Caption
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported media kind %q", it.Media.Kind)
	}
}

// mapError folds Bot API failures onto the platform sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.RetryAfter > 0:
			return fmt.Errorf("%s: %w", apiErr.Message, platform.ErrTransient)
		case apiErr.Code == 403:
			return fmt.Errorf("%s: %w", apiErr.Message, platform.ErrNoAccess)
		case apiErr.Code == 400:
			return fmt.Errorf("%s: %w", apiErr.Message, platform.ErrNotFound)
		}
	}
	return err
}
