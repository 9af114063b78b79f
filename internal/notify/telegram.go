package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSink sends notifications to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram sink.
type TelegramSink struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSink creates Telegram sink; init errors surface on Send.
// Params: Telegram notifier config.
// Returns: initialized sink.
func NewTelegramSink(cfg config.TelegramNotifier) *TelegramSink {
	sink := &TelegramSink{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sink.initErr = errors.New("telegram bot token is required")
		return sink
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sink.initErr = errors.New("telegram chat_id is required")
		return sink
	}

	botClient, err := tgbot.New(cfg.BotToken,
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	)
	if err != nil {
		sink.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sink
	}
	sink.client = botClient
	return sink
}

func (s *TelegramSink) Channel() string { return "telegram" }

// Send posts one HTML message with bold title.
// Params: context and notification payload.
// Returns: transport or API error.
func (s *TelegramSink) Send(ctx context.Context, notification domain.Notification) error {
	if s.initErr != nil {
		return s.initErr
	}
	if s.client == nil {
		return errors.New("telegram client is not initialized")
	}

	text := "<b>" + html.EscapeString(notification.Title) + "</b>\n" + html.EscapeString(notification.Message)
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps @channel names as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
