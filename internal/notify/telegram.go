package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the telegram sink.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// TelegramSink sends events to one chat. The bot is send-only; no update
// polling is started.
type TelegramSink struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{
		bot:      b,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
	}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	title, body := Render(ev)
	text := title
	if body != "" {
		text = fmt.Sprintf("%s\n%s", title, body)
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              s.threadID,
	})
	return err
}
