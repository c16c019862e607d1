package domain

import (
	"context"
	"time"
)

// ChatRepository - регистрация чатов, общающихся с ботом
type ChatRepository interface {
	// Ensure создает строку чата, если её ещё нет.
	Ensure(ctx context.Context, chatID int64) error

	// Delete удаляет чат; подписки и алерты уходят каскадом.
	Delete(ctx context.Context, chatID int64) error
}

// SubscriptionRepository - durable CRUD для подписок
type SubscriptionRepository interface {
	// Upsert создает подписку или, если тройка (chat, coin, currency)
	// уже существует, обновляет её интервал.
	Upsert(ctx context.Context, sub *Subscription) error

	Delete(ctx context.Context, chatID int64, coin string) (int64, error)

	ListByChat(ctx context.Context, chatID int64) ([]Subscription, error)

	// ListActive возвращает полный набор правил для одного цикла оценки.
	ListActive(ctx context.Context) ([]Subscription, error)

	// MarkSent сдвигает last_sent. Этим полем владеет планировщик.
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
}

// AlertRepository - durable CRUD для правил алертов
type AlertRepository interface {
	Create(ctx context.Context, rule *AlertRule) error

	// Delete удаляет алерт по id в пределах своего чата.
	Delete(ctx context.Context, chatID int64, alertID int64) (int64, error)

	ListByChat(ctx context.Context, chatID int64) ([]AlertRule, error)

	// ListAll возвращает все правила, взведенные и нет: разряженные
	// тоже проверяются на взвод.
	ListAll(ctx context.Context) ([]AlertRule, error)

	// MarkFired разряжает правило и атомарно пишет время срабатывания.
	MarkFired(ctx context.Context, id int64, firedAt time.Time) error

	// Rearm возвращает armed в true.
	Rearm(ctx context.Context, id int64) error
}

// PriceSource - адаптер к провайдеру рыночных данных
type PriceSource interface {
	// GetPrice возвращает текущую цену одной монеты в одной валюте.
	GetPrice(ctx context.Context, coin, currency string) (PriceQuote, error)

	// GetMarketInfo возвращает расширенные данные одной монеты.
	GetMarketInfo(ctx context.Context, coin, currency string) (*MarketInfo, error)

	// ListTopCoins возвращает топ n монет по капитализации.
	ListTopCoins(ctx context.Context, n int, currency string) ([]MarketInfo, error)
}

// Notifier - доставка готового сообщения в чат
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}
