package kline

import (
	"encoding/json"

	"candlefeedv1/internal/model"
)

// EncodeFrame renders a candle back into the upstream kline event body.
// DecodeFrame(market, EncodeFrame(c)) yields c for any valid candle.
func EncodeFrame(c model.Candle) []byte {
	type k struct {
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
	}
	frame := struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		K         k      `json:"k"`
	}{
		EventType: "kline",
		Symbol:    c.Symbol,
		K: k{
			OpenTime:      c.OpenTime,
			CloseTime:     c.CloseTime,
			Interval:      model.IntervalName,
			Open:          model.FormatDecimal(c.Open),
			High:          model.FormatDecimal(c.High),
			Low:           model.FormatDecimal(c.Low),
			Close:         model.FormatDecimal(c.Close),
			Volume:        model.FormatDecimal(c.Volume),
			QuoteVolume:   model.FormatDecimal(c.QuoteVolume),
			Trades:        c.Trades,
			TakerBuyBase:  model.FormatDecimal(c.TakerBuyBase),
			TakerBuyQuote: model.FormatDecimal(c.TakerBuyQuote),
			Closed:        c.Closed,
		},
	}
	b, _ := json.Marshal(frame)
	return b
}
