package coingecko

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/romanzzaa/coinwatch-bot/internal/domain"
)

const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Client реализует domain.PriceSource поверх REST API CoinGecko.
type Client struct {
	client *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")

	return &Client{client: client}
}

func (c *Client) GetPrice(ctx context.Context, coin, currency string) (domain.PriceQuote, error) {
	coin = strings.ToLower(coin)
	currency = strings.ToLower(currency)

	var result simplePriceResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           coin,
			"vs_currencies": currency,
		}).
		SetResult(&result).
		Get("/simple/price")

	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return domain.PriceQuote{}, fmt.Errorf("%w: simple/price returned %s", domain.ErrSourceUnavailable, resp.Status())
	}

	price, ok := result[coin][currency]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("%w: no quote for %s/%s", domain.ErrSourceUnavailable, coin, currency)
	}

	return domain.PriceQuote{
		Coin:      coin,
		Currency:  currency,
		Price:     price,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) GetMarketInfo(ctx context.Context, coin, currency string) (*domain.MarketInfo, error) {
	coin = strings.ToLower(coin)
	currency = strings.ToLower(currency)

	entries, err := c.fetchMarkets(ctx, map[string]string{
		"vs_currency":             currency,
		"ids":                     coin,
		"order":                   "market_cap_desc",
		"per_page":                "1",
		"page":                    "1",
		"price_change_percentage": "24h",
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: coin %s not listed in %s", domain.ErrSourceUnavailable, coin, currency)
	}

	info := toMarketInfo(entries[0])
	return &info, nil
}

func (c *Client) ListTopCoins(ctx context.Context, n int, currency string) ([]domain.MarketInfo, error) {
	entries, err := c.fetchMarkets(ctx, map[string]string{
		"vs_currency":             strings.ToLower(currency),
		"order":                   "market_cap_desc",
		"per_page":                strconv.Itoa(n),
		"page":                    "1",
		"price_change_percentage": "24h",
	})
	if err != nil {
		return nil, err
	}

	infos := make([]domain.MarketInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, toMarketInfo(e))
	}
	return infos, nil
}

func (c *Client) fetchMarkets(ctx context.Context, params map[string]string) ([]marketEntry, error) {
	var result []marketEntry
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result).
		Get("/coins/markets")

	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: coins/markets returned %s", domain.ErrSourceUnavailable, resp.Status())
	}
	return result, nil
}

func toMarketInfo(e marketEntry) domain.MarketInfo {
	return domain.MarketInfo{
		CoinID:       e.ID,
		Name:         e.Name,
		Symbol:       e.Symbol,
		CurrentPrice: e.CurrentPrice,
		Change24hPct: e.PriceChangePercentage24h,
		MarketCap:    e.MarketCap,
	}
}
