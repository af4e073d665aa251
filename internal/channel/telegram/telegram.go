// Package telegram implements a long-polling Telegram Bot channel.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nous-labs/engage/pkg/channel"
)

const pollTimeout = 60 // seconds

// Config holds Telegram channel configuration.
type Config struct {
	BotToken string
	// AllowedUsers are numeric Telegram user ids; empty allows everyone.
	AllowedUsers []string
}

// Channel implements channel.Channel over the Telegram Bot API.
type Channel struct {
	config Config

	mu      sync.Mutex
	bot     *tgbotapi.BotAPI
	stopped bool
}

// New creates a Telegram channel. The bot connects on Start.
func New(cfg Config) *Channel {
	return &Channel{config: cfg}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "telegram" }

// Start polls for updates until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	bot, err := tgbotapi.NewBotAPI(c.config.BotToken)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.mu.Lock()
	c.bot = bot
	c.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(u)
	slog.Info("telegram channel ready", "bot", bot.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			c.stopPolling()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, accepted := toMessage(update, bot.Self.ID, c.config.AllowedUsers)
			if !accepted {
				continue
			}
			if err := handler(ctx, msg); err != nil {
				slog.Warn("telegram: message handler failed", "sender", msg.SenderID, "error", err)
			}
		}
	}
}

// Send posts a text message to the chat in resp.RoomID.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram send: channel not started")
	}
	chatID, err := strconv.ParseInt(resp.RoomID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram send: bad chat id %q: %w", resp.RoomID, err)
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, resp.Content)); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	slog.Info("telegram message sent", "chat_id", chatID, "len", len(resp.Content))
	return nil
}

// Stop stops polling.
func (c *Channel) Stop() error {
	c.stopPolling()
	return nil
}

// stopPolling stops the update loop at most once; the library closes a
// channel and panics on a second call.
func (c *Channel) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil && !c.stopped {
		c.bot.StopReceivingUpdates()
		c.stopped = true
	}
}

// toMessage converts text messages from allowed users; everything else is
// dropped.
func toMessage(update tgbotapi.Update, self int64, allowed []string) (channel.Message, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil || m.From.ID == self {
		return channel.Message{}, false
	}
	if strings.TrimSpace(m.Text) == "" {
		return channel.Message{}, false
	}
	sender := strconv.FormatInt(m.From.ID, 10)
	if len(allowed) > 0 && !contains(allowed, sender) {
		return channel.Message{}, false
	}
	return channel.Message{
		Source:    "telegram",
		SenderID:  sender,
		RoomID:    strconv.FormatInt(m.Chat.ID, 10),
		Content:   m.Text,
		Timestamp: int64(m.Date) * 1000,
	}, true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
