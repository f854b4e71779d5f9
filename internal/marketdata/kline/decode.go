// Package kline parses upstream kline payloads (WebSocket frames and REST
// rows) into validated model.Candle records. All validation runs before a
// candle is returned; no partial candles escape.
package kline

import (
	"encoding/json"
	"fmt"
	"strings"

	"candlefeedv1/internal/model"
)

// ErrorKind classifies decode failures.
type ErrorKind int

const (
	MissingField ErrorKind = iota
	NonNumeric
	NonPositivePrice
	OhlcInconsistent
	NegativeVolume
	MisalignedOpenTime
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing-field"
	case NonNumeric:
		return "non-numeric"
	case NonPositivePrice:
		return "non-positive-price"
	case OhlcInconsistent:
		return "ohlc-inconsistent"
	case NegativeVolume:
		return "negative-volume"
	case MisalignedOpenTime:
		return "misaligned-open-time"
	default:
		return "unknown"
	}
}

// DecodeError reports why a frame or row was rejected.
type DecodeError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: field %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: field %s", e.Kind, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(kind ErrorKind, field string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Field: field, Err: err}
}

// StreamName returns the upstream stream identifier for a key, e.g.
// "btcusdt@kline_15m".
func StreamName(key model.Key) string {
	return strings.ToLower(key.Symbol) + "@kline_" + model.IntervalName
}

// wsKline mirrors the upstream kline event body. Numeric price/volume fields
// arrive as strings.
type wsKline struct {
	EventType string `json:"e"`
	// EventTime must be declared explicitly: without an exact match the
	// decoder folds "E" onto the "e" tag case-insensitively and fails on
	// the number-into-string mismatch.
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		OpenTime      int64  `json:"t"`
		CloseTime     int64  `json:"T"`
		Interval      string `json:"i"`
		Open          string `json:"o"`
		High          string `json:"h"`
		Low           string `json:"l"`
		Close         string `json:"c"`
		Volume        string `json:"v"`
		QuoteVolume   string `json:"q"`
		Trades        int32  `json:"n"`
		TakerBuyBase  string `json:"V"`
		TakerBuyQuote string `json:"Q"`
		Closed        bool   `json:"x"`
	} `json:"k"`
}

// DecodeFrame converts a kline event body (the "data" object of a combined
// stream frame) into a validated Candle for the given market.
func DecodeFrame(market model.Market, data []byte) (model.Candle, error) {
	var m wsKline
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Candle{}, decodeErr(MissingField, "frame", err)
	}
	if m.Symbol == "" {
		return model.Candle{}, decodeErr(MissingField, "s", nil)
	}
	k := m.K
	if k.OpenTime == 0 {
		return model.Candle{}, decodeErr(MissingField, "k.t", nil)
	}

	c := model.Candle{
		Symbol:   m.Symbol,
		Market:   market,
		OpenTime: k.OpenTime,
		Trades:   k.Trades,
		Closed:   k.Closed,
	}

	var err error
	if c.Open, err = price(k.Open, "k.o"); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = price(k.High, "k.h"); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = price(k.Low, "k.l"); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = price(k.Close, "k.c"); err != nil {
		return model.Candle{}, err
	}
	if c.Volume, err = quantity(k.Volume, "k.v"); err != nil {
		return model.Candle{}, err
	}
	if c.QuoteVolume, err = quantity(k.QuoteVolume, "k.q"); err != nil {
		return model.Candle{}, err
	}
	if c.TakerBuyBase, err = quantity(k.TakerBuyBase, "k.V"); err != nil {
		return model.Candle{}, err
	}
	if c.TakerBuyQuote, err = quantity(k.TakerBuyQuote, "k.Q"); err != nil {
		return model.Candle{}, err
	}

	return finish(c)
}

// DecodeREST converts one REST kline row (the 12-element array) into a
// validated, closed Candle.
func DecodeREST(key model.Key, row []json.RawMessage) (model.Candle, error) {
	if len(row) < 12 {
		return model.Candle{}, decodeErr(MissingField, "row", fmt.Errorf("%d fields, want 12", len(row)))
	}

	c := model.Candle{
		Symbol: key.Symbol,
		Market: key.Market,
		Closed: true,
	}

	var err error
	if c.OpenTime, err = restInt(row[0], "open_time"); err != nil {
		return model.Candle{}, err
	}
	if c.Open, err = restPrice(row[1], "open"); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = restPrice(row[2], "high"); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = restPrice(row[3], "low"); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = restPrice(row[4], "close"); err != nil {
		return model.Candle{}, err
	}
	if c.Volume, err = restQuantity(row[5], "volume"); err != nil {
		return model.Candle{}, err
	}
	if c.QuoteVolume, err = restQuantity(row[7], "quote_volume"); err != nil {
		return model.Candle{}, err
	}
	trades, err := restInt(row[8], "trades")
	if err != nil {
		return model.Candle{}, err
	}
	c.Trades = int32(trades)
	if c.TakerBuyBase, err = restQuantity(row[9], "taker_buy_base"); err != nil {
		return model.Candle{}, err
	}
	if c.TakerBuyQuote, err = restQuantity(row[10], "taker_buy_quote"); err != nil {
		return model.Candle{}, err
	}

	return finish(c)
}

// finish runs cross-field validation and derives close_time.
func finish(c model.Candle) (model.Candle, error) {
	if !model.AlignedOpenTime(c.OpenTime) {
		return model.Candle{}, decodeErr(MisalignedOpenTime, "open_time", fmt.Errorf("%d", c.OpenTime))
	}
	c.CloseTime = c.OpenTime + model.IntervalMs - 1

	lo, hi := c.Open, c.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	if c.Low > lo || c.High < hi {
		return model.Candle{}, decodeErr(OhlcInconsistent, "ohlc", nil)
	}
	if c.Trades < 0 {
		return model.Candle{}, decodeErr(NegativeVolume, "trades", nil)
	}
	return c, nil
}

func price(s, field string) (int64, error) {
	if s == "" {
		return 0, decodeErr(MissingField, field, nil)
	}
	v, err := model.ParseDecimal(s)
	if err != nil {
		return 0, decodeErr(NonNumeric, field, err)
	}
	if v <= 0 {
		return 0, decodeErr(NonPositivePrice, field, nil)
	}
	return v, nil
}

func quantity(s, field string) (int64, error) {
	if s == "" {
		return 0, decodeErr(MissingField, field, nil)
	}
	v, err := model.ParseDecimal(s)
	if err != nil {
		return 0, decodeErr(NonNumeric, field, err)
	}
	if v < 0 {
		return 0, decodeErr(NegativeVolume, field, nil)
	}
	return v, nil
}

func restInt(raw json.RawMessage, field string) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, decodeErr(NonNumeric, field, err)
	}
	return n, nil
}

func restString(raw json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", decodeErr(NonNumeric, field, err)
	}
	return s, nil
}

func restPrice(raw json.RawMessage, field string) (int64, error) {
	s, err := restString(raw, field)
	if err != nil {
		return 0, err
	}
	return price(s, field)
}

func restQuantity(raw json.RawMessage, field string) (int64, error) {
	s, err := restString(raw, field)
	if err != nil {
		return 0, err
	}
	return quantity(s, field)
}
