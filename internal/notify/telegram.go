package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramChannel sends notifications to a fixed chat. Send-only; no update
// polling is started.
type TelegramChannel struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramChannel(token string, chatID int64) (*TelegramChannel, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("notify: telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &TelegramChannel{bot: b, chatID: chatID}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Post(ctx context.Context, title, body string, urgent bool) error {
	if urgent {
		title = "🚨 " + title
	}
	text := fmt.Sprintf("*%s*\n\n%s", title, body)

	done := make(chan error, 1)
	go func() {
		_, err := c.bot.Send(tele.ChatID(c.chatID), text, tele.ModeMarkdown)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
