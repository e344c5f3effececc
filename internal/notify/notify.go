// Package notify delivers user-facing notifications (trade alerts, bot
// status changes) for the notification_send job. Telegram is the only
// channel for now; the Sender interface keeps handlers channel-agnostic.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"tradefleet/pkg/logx"
)

// ErrDisabled is returned when no notification channel is configured.
var ErrDisabled = errors.New("notify: disabled")

type Config struct {
	Enabled bool
	Token   string
	// ChatID is the default delivery target when a job does not carry one.
	ChatID int64
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// New returns a Telegram-backed sender, or a disabled one when not
// configured.
func New(cfg Config, log logx.Logger) (Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled {
		return disabled{}, nil
	}
	if cfg.Token == "" {
		return nil, errors.New("notify: telegram token is required when enabled")
	}

	// Send-only: no poller is attached, the bot never consumes updates.
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: false,
		Client:  nil,
		Poller:  nil,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: init telegram: %w", err)
	}
	return &telegram{bot: bot, defaultChat: cfg.ChatID, log: log.With(logx.String("comp", "notify"))}, nil
}

type telegram struct {
	bot         *tele.Bot
	defaultChat int64
	log         logx.Logger
}

func (t *telegram) Send(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		chatID = t.defaultChat
	}
	if chatID == 0 {
		return errors.New("notify: no chat id")
	}

	// telebot's Send has no context support; bound it ourselves.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("notify: telegram send: %w", err)
		}
		t.log.Debug("notification sent", logx.Int64("chat", chatID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("notify: telegram send timed out")
	}
}

type disabled struct{}

func (disabled) Send(context.Context, int64, string) error { return ErrDisabled }
