package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// --- Enums & Constants ---

type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

const (
	DefaultCurrency = "usd"
	MinInterval     = 10 * time.Second
)

// --- Entities ---

// Chat - известный боту Telegram-диалог
type Chat struct {
	ID        int64
	ChatID    int64 // идентификатор чата в Telegram
	CreatedAt time.Time
}

// Subscription - постоянный запрос на периодические обновления цены.
// Не больше одной активной строки на (chat, coin, currency).
type Subscription struct {
	ID       int64
	ChatID   int64
	Coin     string // id монеты в CoinGecko ("bitcoin", "ethereum")
	Currency string // код фиатной валюты ("usd")
	Interval time.Duration

	// LastSent равен nil, пока не ушло первое обновление.
	LastSent *time.Time

	CreatedAt time.Time
}

// Due сообщает, пора ли отправлять очередное обновление в момент now.
func (s Subscription) Due(now time.Time) bool {
	if s.LastSent == nil {
		return true
	}
	return now.Sub(*s.LastSent) >= s.Interval
}

// AlertRule - постоянный запрос на одно уведомление, когда цена пересекает
// Threshold в направлении Direction. Срабатывание по фронту: после выстрела
// правило остается разряженным, пока цена не окажется по другую сторону
// порога.
type AlertRule struct {
	ID        int64
	ChatID    int64
	Coin      string
	Currency  string
	Threshold decimal.Decimal
	Direction Direction

	// Armed - готовность к срабатыванию. Мутирует только планировщик.
	Armed     bool
	LastFired *time.Time

	CreatedAt time.Time
}

// Crossed сообщает, выполняет ли price условие триггера.
// Равенство считается пересечением.
func (r AlertRule) Crossed(price decimal.Decimal) bool {
	switch r.Direction {
	case DirectionAbove:
		return price.GreaterThanOrEqual(r.Threshold)
	case DirectionBelow:
		return price.LessThanOrEqual(r.Threshold)
	}
	return false
}

// OppositeSide сообщает, находится ли price строго на стороне взвода.
func (r AlertRule) OppositeSide(price decimal.Decimal) bool {
	switch r.Direction {
	case DirectionAbove:
		return price.LessThan(r.Threshold)
	case DirectionBelow:
		return price.GreaterThan(r.Threshold)
	}
	return false
}

// --- Value Objects ---

// Pair - ключ группировки для батчевых запросов цен.
type Pair struct {
	Coin     string
	Currency string
}

// PriceQuote - одно наблюдение цены. Не персистится; живет внутри цикла,
// который его получил.
type PriceQuote struct {
	Coin      string
	Currency  string
	Price     decimal.Decimal
	FetchedAt time.Time
}

// MarketInfo - расширенные рыночные данные монеты (/price, /coins).
type MarketInfo struct {
	CoinID       string
	Name         string
	Symbol       string
	CurrentPrice decimal.Decimal
	Change24hPct *float64
	MarketCap    *decimal.Decimal
}
