package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

// CachedSource оборачивает PriceSource коротким Redis-кэшем. Обслуживает
// интерактивные команды (/price, /coins), чтобы трафик чата не сжигал рейт-
// лимит провайдера; планировщик ходит во внутренний источник напрямую,
// циклам нужны свежие котировки.
type CachedSource struct {
	source domain.PriceSource
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSource(ctx context.Context, source domain.PriceSource, addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*CachedSource, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &CachedSource{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func (c *CachedSource) Close() error {
	return c.rdb.Close()
}

func (c *CachedSource) GetPrice(ctx context.Context, coin, currency string) (domain.PriceQuote, error) {
	key := "quote:" + coin + ":" + currency

	var quote domain.PriceQuote
	if c.lookup(ctx, key, &quote) {
		return quote, nil
	}

	quote, err := c.source.GetPrice(ctx, coin, currency)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	c.store(ctx, key, quote)
	return quote, nil
}

func (c *CachedSource) GetMarketInfo(ctx context.Context, coin, currency string) (*domain.MarketInfo, error) {
	key := "market:" + coin + ":" + currency

	var info domain.MarketInfo
	if c.lookup(ctx, key, &info) {
		return &info, nil
	}

	fresh, err := c.source.GetMarketInfo(ctx, coin, currency)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh)
	return fresh, nil
}

func (c *CachedSource) ListTopCoins(ctx context.Context, n int, currency string) ([]domain.MarketInfo, error) {
	key := fmt.Sprintf("top:%s:%d", currency, n)

	var infos []domain.MarketInfo
	if c.lookup(ctx, key, &infos) {
		return infos, nil
	}

	fresh, err := c.source.ListTopCoins(ctx, n, currency)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh)
	return fresh, nil
}

// lookup наполняет dst из кэша. Ошибки кэша считаются промахом.
func (c *CachedSource) lookup(ctx context.Context, key string, dst any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache entry malformed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

// store пишет best-effort: неудачная запись стоит лишь будущего промаха.
func (c *CachedSource) store(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
