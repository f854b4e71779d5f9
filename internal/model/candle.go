package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Interval constants for the 15-minute bucket.
const (
	IntervalName = "15m"
	IntervalMs   = int64(15 * 60 * 1000) // 900_000
)

// Market identifies the upstream market segment an instrument trades on.
type Market string

const (
	MarketSpot    Market = "SPOT"
	MarketFutures Market = "FUTURES"
)

// ParseMarket normalizes a market string. ok is false for anything other
// than SPOT or FUTURES.
func ParseMarket(s string) (Market, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SPOT":
		return MarketSpot, true
	case "FUTURES":
		return MarketFutures, true
	default:
		return "", false
	}
}

// Key identifies one candle partition: a symbol on a market segment.
type Key struct {
	Symbol string `json:"symbol"`
	Market Market `json:"market"`
}

// String returns "MARKET:SYMBOL", e.g. "FUTURES:BTCUSDT".
func (k Key) String() string {
	return string(k.Market) + ":" + k.Symbol
}

// Candle represents a 15-minute OHLCV candle for a single instrument.
// All prices and volumes are in 1e-8 minor units (int64) to avoid
// floating-point drift.
type Candle struct {
	Symbol        string `json:"symbol"`
	Market        Market `json:"market"`
	OpenTime      int64  `json:"open_time"`  // ms since epoch, 15m-aligned
	CloseTime     int64  `json:"close_time"` // open_time + 899_999
	Open          int64  `json:"open"`       // 1e-8 units
	High          int64  `json:"high"`
	Low           int64  `json:"low"`
	Close         int64  `json:"close"`
	Volume        int64  `json:"volume"` // base asset, 1e-8 units
	QuoteVolume   int64  `json:"quote_volume"`
	TakerBuyBase  int64  `json:"taker_buy_base"`
	TakerBuyQuote int64  `json:"taker_buy_quote"`
	Trades        int32  `json:"trades"`
	Closed        bool   `json:"closed"` // false while the bucket is still forming
}

// Key returns the partition key for this candle's instrument.
func (c *Candle) Key() Key {
	return Key{Symbol: c.Symbol, Market: c.Market}
}

// OpenedAt returns the bucket open time as a UTC time.Time.
func (c *Candle) OpenedAt() time.Time {
	return time.Unix(0, c.OpenTime*int64(time.Millisecond)).UTC()
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// AlignedOpenTime reports whether ts sits exactly on a 15-minute boundary.
func AlignedOpenTime(ts int64) bool {
	return ts >= 0 && ts%IntervalMs == 0
}
