package notifier

import (
	"context"
	"errors"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// BaseURL prefixes relative action URLs, e.g. "https://crm.example.com".
	BaseURL string
}

// TelegramForwarder posts notifications to a single chat (optionally a forum topic).
type TelegramForwarder struct {
	cfg  TelegramConfig
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegramForwarder(cfg TelegramConfig) (*TelegramForwarder, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Offline skips the getMe round-trip; the forwarder only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramForwarder{cfg: cfg, bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (f *TelegramForwarder) Name() string { return "telegram" }

func (f *TelegramForwarder) Forward(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              f.cfg.ThreadID,
	}
	_, err := f.bot.Send(f.chat, formatTelegram(n, f.cfg.BaseURL), opt)
	return err
}

func formatTelegram(n Notification, baseURL string) string {
	var b strings.Builder
	b.WriteString(iconFor(n.Type))
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>")
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(n.Message))
	}
	if n.SubjectID != "" {
		b.WriteString("\n<code>")
		b.WriteString(html.EscapeString(n.SubjectID))
		b.WriteString("</code>")
	}
	if n.ActionURL != "" {
		url := n.ActionURL
		if strings.HasPrefix(url, "/") && baseURL != "" {
			url = strings.TrimRight(baseURL, "/") + url
		}
		b.WriteString("\n")
		b.WriteString(html.EscapeString(url))
	}
	return b.String()
}

func iconFor(typ string) string {
	switch typ {
	case TypeTaskFailed, TypeSystemAlert:
		return "🚨 "
	case TypeBounce, TypeLimitReached:
		return "⚠️ "
	case TypeLowRating:
		return "⭐ "
	default:
		return ""
	}
}
