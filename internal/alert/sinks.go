package alert

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// LogSink writes alerts to the structured log. Always installed, so alerts
// are visible even when no external sink is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("title", a.Title),
		zap.String("message", a.Message),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	switch a.Severity {
	case SeverityCritical:
		s.logger.Error("alert", fields...)
	case SeverityWarning:
		s.logger.Warn("alert", fields...)
	default:
		s.logger.Info("alert", fields...)
	}
	return nil
}

// TelegramSink pushes alerts to a chat via the Bot API.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates the bot token up front so a bad token fails
// at startup, not on the first alert.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (s *TelegramSink) Send(a Alert) error {
	text := fmt.Sprintf("[%s] %s\n%s", a.Severity, a.Title, a.Message)
	if f := FormatFields(a.Fields); f != "" {
		text += "\n" + f
	}
	msg := tgbotapi.NewMessage(s.chatID, text)
	_, err := s.bot.Send(msg)
	return err
}
