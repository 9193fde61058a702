package marketdata

import (
	"fmt"
	"strconv"
)

// Kind identifies what a cache entry holds. TTLs are resolved per kind.
type Kind string

const (
	KindTicker   Kind = "ticker"
	KindCandles  Kind = "candles"
	KindAccounts Kind = "accounts"
	KindBalance  Kind = "balance"
)

// Key addresses one cacheable upstream request.
type Key struct {
	Kind        Kind
	Pair        string
	Granularity int // seconds, candles only
	Limit       int // candles only
	Currency    string // balance only
}

// TickerKey builds the key for a pair's latest ticker.
func TickerKey(pair string) Key {
	return Key{Kind: KindTicker, Pair: pair}
}

// CandlesKey builds the key for a candle series.
func CandlesKey(pair string, granularitySec, limit int) Key {
	return Key{Kind: KindCandles, Pair: pair, Granularity: granularitySec, Limit: limit}
}

// AccountsKey builds the singleton accounts key.
func AccountsKey() Key {
	return Key{Kind: KindAccounts}
}

// BalanceKey builds the key for a currency balance.
func BalanceKey(currency string) Key {
	return Key{Kind: KindBalance, Currency: currency}
}

// String renders the structured cache key, e.g. "candles:BTC-USD:300:120".
func (k Key) String() string {
	switch k.Kind {
	case KindTicker:
		return "ticker:" + k.Pair
	case KindCandles:
		return fmt.Sprintf("candles:%s:%d:%d", k.Pair, k.Granularity, k.Limit)
	case KindAccounts:
		return "accounts"
	case KindBalance:
		return "balance:" + k.Currency
	default:
		return string(k.Kind) + ":" + k.Pair + ":" + strconv.Itoa(k.Granularity)
	}
}
