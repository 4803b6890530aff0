package notifier

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Sender delivers one alert line to operators.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Telegram sends alerts to one chat (optionally a forum thread).
type Telegram struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

// NewTelegram builds a send-only bot. No updates are polled and no network
// call is made until the first Send.
func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: chatID}, thread: threadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
			ThreadID:              t.thread,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
