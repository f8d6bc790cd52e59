package gateway

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"consultbot/internal/util"
	"consultbot/pkg/domain"
)

// Telegram is a Messenger backed by the Bot API with long polling.
type Telegram struct {
	api         *tgbotapi.BotAPI
	pollTimeout int
}

func NewTelegram(token string, pollTimeoutSeconds int, debug bool) (*Telegram, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = debug
	if pollTimeoutSeconds <= 0 {
		pollTimeoutSeconds = 30
	}
	return &Telegram{api: api, pollTimeout: pollTimeoutSeconds}, nil
}

// Username is the bot account name.
func (t *Telegram) Username() string {
	return t.api.Self.UserName
}

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	cfg := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	cfg.ParseMode = tgbotapi.ModeMarkdown
	cfg.DisableWebPagePreview = true
	if kb := inlineKeyboard(msg.Buttons); kb != nil {
		cfg.ReplyMarkup = *kb
	}
	_, err := t.api.Send(cfg)
	if isMarkupError(err) {
		// Generated text may contain unbalanced markdown.
		util.LoggerFromContext(ctx).Warn("markdown rejected, resending as plain text", "chat_id", msg.ChatID)
		cfg.ParseMode = ""
		_, err = t.api.Send(cfg)
	}
	return err
}

func (t *Telegram) Edit(ctx context.Context, messageID int, msg Message) error {
	cfg := tgbotapi.NewEditMessageText(msg.ChatID, messageID, msg.Text)
	cfg.ParseMode = tgbotapi.ModeMarkdown
	cfg.DisableWebPagePreview = true
	cfg.ReplyMarkup = inlineKeyboard(msg.Buttons)
	_, err := t.api.Send(cfg)
	if isMarkupError(err) {
		util.LoggerFromContext(ctx).Warn("markdown rejected, editing as plain text", "chat_id", msg.ChatID)
		cfg.ParseMode = ""
		_, err = t.api.Send(cfg)
	}
	return err
}

func (t *Telegram) Ack(_ context.Context, callbackID string) error {
	if callbackID == "" {
		return nil
	}
	_, err := t.api.Request(tgbotapi.NewCallback(callbackID, ""))
	return err
}

// Events long-polls updates and converts them to events until ctx is done.
func (t *Telegram) Events(ctx context.Context) <-chan Event {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.api.GetUpdatesChan(u)

	out := make(chan Event)
	go func() {
		defer close(out)
		defer t.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				ev, ok := eventFromUpdate(upd)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func eventFromUpdate(upd tgbotapi.Update) (Event, bool) {
	id := strconv.Itoa(upd.UpdateID)
	if cq := upd.CallbackQuery; cq != nil {
		if cq.From == nil {
			return Event{}, false
		}
		ev := Event{
			ID:         id,
			Kind:       EventButton,
			User:       userFrom(cq.From),
			ChatID:     cq.From.ID,
			CallbackID: cq.ID,
			Text:       cq.Data,
		}
		if cq.Message != nil {
			ev.MessageID = cq.Message.MessageID
			if cq.Message.Chat != nil {
				ev.ChatID = cq.Message.Chat.ID
			}
		}
		return ev, true
	}
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return Event{}, false
	}
	ev := Event{
		ID:     id,
		User:   userFrom(msg.From),
		ChatID: msg.Chat.ID,
		Text:   msg.Text,
	}
	if msg.IsCommand() {
		ev.Kind = EventCommand
		ev.Command = msg.Command()
	} else {
		ev.Kind = EventText
	}
	return ev, true
}

func userFrom(u *tgbotapi.User) domain.User {
	return domain.User{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func inlineKeyboard(rows [][]Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, buttons)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &kb
}

func isMarkupError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
