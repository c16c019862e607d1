package bot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

// FormatPriceLine собирает однострочную котировку для /price и рассылок.
// info может быть nil, когда известна только голая цена.
func FormatPriceLine(coin string, price decimal.Decimal, info *domain.MarketInfo, currency string) string {
	cur := strings.ToUpper(currency)
	line := fmt.Sprintf("*%s* — %s %s", coin, FormatPrice(price), cur)
	if info == nil {
		return line
	}

	change := "N/A"
	if info.Change24hPct != nil {
		change = fmt.Sprintf("%+.2f%%", *info.Change24hPct)
	}
	cap := "N/A"
	if info.MarketCap != nil {
		cap = "$" + groupThousands(info.MarketCap.Round(0).String())
	}
	return fmt.Sprintf("%s\n24h: %s • Mkt cap: %s", line, change, cap)
}

// FormatScheduledUpdate - текст периодического обновления по подписке.
func FormatScheduledUpdate(sub domain.Subscription, quote domain.PriceQuote, info *domain.MarketInfo) string {
	return "Scheduled update:\n" + FormatPriceLine(sub.Coin, quote.Price, info, sub.Currency)
}

// FormatAlertTriggered - текст сработавшего алерта. Строка котировки с
// рыночными данными идет в конце, через пустую строку.
func FormatAlertTriggered(rule domain.AlertRule, quote domain.PriceQuote, info *domain.MarketInfo) string {
	return fmt.Sprintf(
		"Alert triggered for *%s* (%s):\nCondition: %s %s\nCurrent: %s\n\n%s",
		rule.Coin,
		strings.ToUpper(rule.Currency),
		rule.Direction,
		FormatPrice(rule.Threshold),
		FormatPrice(quote.Price),
		FormatPriceLine(rule.Coin, quote.Price, info, rule.Currency),
	)
}

// FormatPrice печатает цену: два знака с разделителями тысяч для значений
// от единицы, шесть значащих цифр для дешевых монет.
func FormatPrice(p decimal.Decimal) string {
	if p.Abs().GreaterThanOrEqual(decimal.New(1, 0)) {
		s := p.StringFixed(2)
		intPart, frac, _ := strings.Cut(s, ".")
		return groupThousands(intPart) + "." + frac
	}
	if p.IsZero() {
		return "0"
	}

	// Округляем по значащим цифрам, а не по знакам после запятой:
	// у микро-цен вроде 0.00000012 иначе не останется ни одной.
	places := int32(5)
	for abs := p.Abs(); abs.LessThan(decimal.New(1, 0)); abs = abs.Shift(1) {
		places++
	}
	return p.RoundBank(places).String()
}

func groupThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
