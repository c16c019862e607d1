package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

const helpText = `Welcome! I fetch crypto prices from CoinGecko.

Commands:
/price <coin_id> [currency] - Get current price (e.g. /price bitcoin usd)
/coins [n] - List top N coins by market cap
/subscribe <coin_id> [interval_seconds] [currency] - Subscribe to periodic updates
/unsubscribe <coin_id> - Unsubscribe
/list - Show your subscriptions
/alert <coin_id> <above|below> <price> [currency] - Create price alert
/alerts - List alerts
/delalert <alert_id> - Delete an alert`

// Handler реагирует на команды в чате. Каждая команда - тонкая прослойка
// над репозиториями; планировщик подхватит мутации на следующем цикле.
type Handler struct {
	bot    *tgbotapi.BotAPI
	chats  domain.ChatRepository
	subs   domain.SubscriptionRepository
	alerts domain.AlertRepository
	source domain.PriceSource
	logger *slog.Logger

	defaultInterval time.Duration
}

func NewHandler(
	bot *tgbotapi.BotAPI,
	chats domain.ChatRepository,
	subs domain.SubscriptionRepository,
	alerts domain.AlertRepository,
	source domain.PriceSource,
	defaultInterval time.Duration,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		bot:             bot,
		chats:           chats,
		subs:            subs,
		alerts:          alerts,
		source:          source,
		defaultInterval: defaultInterval,
		logger:          logger,
	}
}

func (h *Handler) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := h.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			h.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				go h.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		h.send(msg.Chat.ID, "Unknown command. Send /start for help.")
		return
	}

	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())

	if err := h.chats.Ensure(ctx, chatID); err != nil {
		h.logger.Error("failed to register chat",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
	}

	switch msg.Command() {
	case "start", "help":
		h.send(chatID, helpText)
	case "price":
		h.cmdPrice(ctx, chatID, args)
	case "coins":
		h.cmdCoins(ctx, chatID, args)
	case "subscribe":
		h.cmdSubscribe(ctx, chatID, args)
	case "unsubscribe":
		h.cmdUnsubscribe(ctx, chatID, args)
	case "list":
		h.cmdList(ctx, chatID)
	case "alert":
		h.cmdAlert(ctx, chatID, args)
	case "alerts":
		h.cmdAlerts(ctx, chatID)
	case "delalert":
		h.cmdDelAlert(ctx, chatID, args)
	default:
		h.send(chatID, "Unknown command. Send /start for help.")
	}
}

// --- Commands ---

func (h *Handler) cmdPrice(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		h.send(chatID, "Usage: /price <coin_id> [currency]")
		return
	}
	coin := strings.ToLower(args[0])
	currency := domain.DefaultCurrency
	if len(args) > 1 {
		currency = strings.ToLower(args[1])
	}

	info, err := h.source.GetMarketInfo(ctx, coin, currency)
	if err != nil {
		h.logger.Warn("price lookup failed",
			slog.String("coin", coin),
			slog.String("error", err.Error()))
		h.send(chatID, fmt.Sprintf("Could not fetch data for '%s'. Make sure coin id is correct.", coin))
		return
	}

	h.send(chatID, FormatPriceLine(coin, info.CurrentPrice, info, currency))
}

func (h *Handler) cmdCoins(ctx context.Context, chatID int64, args []string) {
	n := 10
	if len(args) > 0 {
		if parsed, err := strconv.Atoi(args[0]); err == nil {
			n = min(50, max(1, parsed))
		}
	}

	infos, err := h.source.ListTopCoins(ctx, n, domain.DefaultCurrency)
	if err != nil || len(infos) == 0 {
		h.send(chatID, "Could not fetch coins list.")
		return
	}

	var lines []string
	for _, info := range infos {
		lines = append(lines, fmt.Sprintf("%s — %s: $%s", info.CoinID, info.Name, FormatPrice(info.CurrentPrice)))
	}
	h.send(chatID, strings.Join(lines, "\n"))
}

func (h *Handler) cmdSubscribe(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		h.send(chatID, "Usage: /subscribe <coin_id> [interval_seconds] [currency]")
		return
	}
	coin := strings.ToLower(args[0])

	interval := h.defaultInterval
	if len(args) > 1 {
		if secs, err := strconv.Atoi(args[1]); err == nil {
			interval = time.Duration(secs) * time.Second
			if interval < domain.MinInterval {
				interval = domain.MinInterval
			}
		}
	}

	currency := domain.DefaultCurrency
	if len(args) > 2 {
		currency = strings.ToLower(args[2])
	}

	// Проверяем, что монета существует, чтобы не сохранить правило,
	// на котором планировщик будет падать каждый цикл.
	info, err := h.source.GetMarketInfo(ctx, coin, currency)
	if err != nil {
		h.send(chatID, fmt.Sprintf("Could not find coin '%s' in %s.", coin, strings.ToUpper(currency)))
		return
	}

	sub := &domain.Subscription{
		ChatID:   chatID,
		Coin:     coin,
		Currency: currency,
		Interval: interval,
	}
	if err := h.subs.Upsert(ctx, sub); err != nil {
		h.logger.Error("failed to save subscription",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		h.send(chatID, "Internal error while handling your command.")
		return
	}

	h.send(chatID, fmt.Sprintf("Subscribed to %s updates every %ds (%s). Current: $%s",
		coin, int(interval.Seconds()), strings.ToUpper(currency), FormatPrice(info.CurrentPrice)))
}

func (h *Handler) cmdUnsubscribe(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		h.send(chatID, "Usage: /unsubscribe <coin_id>")
		return
	}
	coin := strings.ToLower(args[0])

	deleted, err := h.subs.Delete(ctx, chatID, coin)
	if err != nil {
		h.logger.Error("failed to delete subscription",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		h.send(chatID, "Internal error while handling your command.")
		return
	}

	if deleted > 0 {
		h.send(chatID, fmt.Sprintf("Unsubscribed from %s.", coin))
	} else {
		h.send(chatID, fmt.Sprintf("You were not subscribed to %s.", coin))
	}
}

func (h *Handler) cmdList(ctx context.Context, chatID int64) {
	subs, err := h.subs.ListByChat(ctx, chatID)
	if err != nil {
		h.logger.Error("failed to list subscriptions",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		h.send(chatID, "Internal error while handling your command.")
		return
	}
	if len(subs) == 0 {
		h.send(chatID, "No subscriptions.")
		return
	}

	var lines []string
	for _, s := range subs {
		lines = append(lines, fmt.Sprintf("%s — every %ds (%s)",
			s.Coin, int(s.Interval.Seconds()), strings.ToUpper(s.Currency)))
	}
	h.send(chatID, "Subscriptions:\n"+strings.Join(lines, "\n"))
}

func (h *Handler) cmdAlert(ctx context.Context, chatID int64, args []string) {
	if len(args) < 3 {
		h.send(chatID, "Usage: /alert <coin_id> <above|below> <price> [currency]")
		return
	}
	coin := strings.ToLower(args[0])

	direction := domain.Direction(strings.ToLower(args[1]))
	if !direction.Valid() {
		h.send(chatID, "Direction must be 'above' or 'below'")
		return
	}

	threshold, err := decimal.NewFromString(args[2])
	if err != nil {
		h.send(chatID, "Invalid price value")
		return
	}

	currency := domain.DefaultCurrency
	if len(args) > 3 {
		currency = strings.ToLower(args[3])
	}

	if _, err := h.source.GetMarketInfo(ctx, coin, currency); err != nil {
		h.send(chatID, fmt.Sprintf("Could not find coin '%s' in %s.", coin, strings.ToUpper(currency)))
		return
	}

	rule := &domain.AlertRule{
		ChatID:    chatID,
		Coin:      coin,
		Currency:  currency,
		Threshold: threshold,
		Direction: direction,
	}
	if err := h.alerts.Create(ctx, rule); err != nil {
		h.logger.Error("failed to create alert",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		h.send(chatID, "Internal error while handling your command.")
		return
	}

	h.send(chatID, fmt.Sprintf("Alert created: %s %s %s %s",
		coin, direction, FormatPrice(threshold), strings.ToUpper(currency)))
}

func (h *Handler) cmdAlerts(ctx context.Context, chatID int64) {
	rules, err := h.alerts.ListByChat(ctx, chatID)
	if err != nil {
		h.logger.Error("failed to list alerts",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		h.send(chatID, "Internal error while handling your command.")
		return
	}
	if len(rules) == 0 {
		h.send(chatID, "No alerts.")
		return
	}

	var lines []string
	for _, r := range rules {
		status := "armed"
		if !r.Armed {
			status = "fired"
		}
		lines = append(lines, fmt.Sprintf("#%d %s %s %s %s (%s)",
			r.ID, r.Coin, r.Direction, FormatPrice(r.Threshold), strings.ToUpper(r.Currency), status))
	}
	h.send(chatID, "Your alerts:\n"+strings.Join(lines, "\n"))
}

func (h *Handler) cmdDelAlert(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		h.send(chatID, "Usage: /delalert <alert_id>")
		return
	}
	alertID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		h.send(chatID, "Invalid alert id")
		return
	}

	deleted, err := h.alerts.Delete(ctx, chatID, alertID)
	if err != nil {
		h.logger.Error("failed to delete alert",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		h.send(chatID, "Internal error while handling your command.")
		return
	}

	if deleted > 0 {
		h.send(chatID, fmt.Sprintf("Alert #%d deleted.", alertID))
	} else {
		h.send(chatID, fmt.Sprintf("Alert #%d not found.", alertID))
	}
}

func (h *Handler) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := h.bot.Send(msg); err != nil {
		h.logger.Warn("failed to send reply",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
	}
}
