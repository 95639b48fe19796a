package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/logging"
	"coopwatch/internal/permanent"
	"coopwatch/internal/templatefmt"

	"github.com/go-resty/resty/v2"
	tgbot "github.com/go-telegram/bot"
)

// TelegramSender posts rendered notification text to one Telegram chat.
// Params: bot client, chat id, and message template.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client   *tgbot.Bot
	chatID   any
	template *template.Template
}

// NewTelegramSender creates Telegram sender.
// Params: Telegram notifier config.
// Returns: sender or init error.
func NewTelegramSender(cfg config.TelegramNotifier) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat_id is required")
	}
	body := cfg.Template
	if strings.TrimSpace(body) == "" {
		body = templatefmt.DefaultMessageTemplate
	}
	tmpl, err := templatefmt.ParseNotificationTemplate("telegram", body)
	if err != nil {
		return nil, fmt.Errorf("parse telegram template: %w", err)
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	client, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{
		client:   client,
		chatID:   normalizeChatID(cfg.ChatID),
		template: tmpl,
	}, nil
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return "telegram"
}

// Send renders and posts one message.
// Params: context and notification payload.
// Returns: render (permanent) or transport error.
func (s *TelegramSender) Send(ctx context.Context, notification domain.Notification) error {
	var text strings.Builder
	if err := s.template.Execute(&text, notification); err != nil {
		return permanent.Mark(fmt.Errorf("render telegram message: %w", err))
	}
	_, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: s.chatID,
		Text:   text.String(),
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel names as string.
// Params: configured chat ID value.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// WebhookSender posts notification JSON to configured endpoint.
// Params: resty client, method, and URL.
// Returns: generic HTTP sender.
type WebhookSender struct {
	client *resty.Client
	method string
	url    string
}

// NewWebhookSender creates HTTP webhook sender.
// Params: HTTP notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.HTTPNotifier) *WebhookSender {
	client := resty.New().
		SetTimeout(time.Duration(cfg.TimeoutSec)*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookSender{client: client, method: method, url: cfg.URL}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return "http"
}

// Send delivers JSON payload.
// Params: context and notification payload.
// Returns: transport error, or status error (permanent for 4xx).
func (s *WebhookSender) Send(ctx context.Context, notification domain.Notification) error {
	response, err := s.client.R().
		SetContext(ctx).
		SetBody(notification).
		Execute(s.method, s.url)
	if err != nil {
		return fmt.Errorf("http notify send: %w", err)
	}
	if response.IsSuccess() {
		return nil
	}
	statusErr := fmt.Errorf("http notify status=%d", response.StatusCode())
	if body := strings.TrimSpace(response.String()); body != "" {
		statusErr = fmt.Errorf("http notify status=%d body=%s", response.StatusCode(), body)
	}
	return permanent.FromHTTPStatus(response.StatusCode(), statusErr)
}

// LogSender writes notifications into service log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates log sender.
// Params: parent logger.
// Returns: sender tagged with notify component.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logging.Component(logger, "notify.log")}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *LogSender) Channel() string {
	return "log"
}

// Send logs notification at level matching severity.
// Params: context and notification payload.
// Returns: nil.
func (s *LogSender) Send(ctx context.Context, notification domain.Notification) error {
	level := slog.LevelInfo
	if notification.Severity == domain.SeverityCritical && notification.Kind != domain.NotificationResolved {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, notification.Title,
		"body", notification.Body,
		"kind", string(notification.Kind),
		"alert_id", notification.AlertID,
		"tag", notification.Tag,
	)
	return nil
}
