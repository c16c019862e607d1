package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

// TelegramNotifier реализует domain.Notifier поверх Bot API. Таймаутом
// отправки владеет HTTP-клиент, настроенный в main.
type TelegramNotifier struct {
	bot *tgbotapi.BotAPI
}

func NewNotifier(bot *tgbotapi.BotAPI) *TelegramNotifier {
	return &TelegramNotifier{bot: bot}
}

func (n *TelegramNotifier) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	if _, err := n.bot.Send(msg); err != nil {
		if isChatGone(err) {
			return fmt.Errorf("chat %d: %w", chatID, domain.ErrChatGone)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// isChatGone распознает ошибки API, после которых до чата уже не достучаться,
// в отличие от временных сбоев доставки.
func isChatGone(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == 403 {
		// "Forbidden: bot was blocked by the user" и подобные
		return true
	}
	return apiErr.Code == 400 && strings.Contains(apiErr.Message, "chat not found")
}
