package coingecko

import "github.com/shopspring/decimal"

// simplePriceResponse - ответ /simple/price, ключи: id монеты, затем валюта:
// {"bitcoin": {"usd": 43250.12, "usd_24h_change": 2.1}}
type simplePriceResponse map[string]map[string]decimal.Decimal

// marketEntry - один элемент массива /coins/markets
type marketEntry struct {
	ID                       string           `json:"id"`
	Symbol                   string           `json:"symbol"`
	Name                     string           `json:"name"`
	CurrentPrice             decimal.Decimal  `json:"current_price"`
	MarketCap                *decimal.Decimal `json:"market_cap"`
	PriceChangePercentage24h *float64         `json:"price_change_percentage_24h"`
}
