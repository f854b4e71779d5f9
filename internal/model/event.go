package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topic names a typed event stream on the bus.
type Topic string

const (
	TopicCandleCompleted     Topic = "candle.completed"
	TopicCandleSaved         Topic = "candle.saved"
	TopicCandleSaveFailed    Topic = "candle.save-failed"
	TopicHighVolume          Topic = "candle.high-volume"
	TopicPriceSpike          Topic = "candle.price-spike"
	TopicGapDetected         Topic = "candle.gap-detected"
	TopicAggregatorHealth    Topic = "aggregator.health"
	TopicAggregatorDestroyed Topic = "aggregator.destroyed"
	TopicReconnectFailed     Topic = "stream.reconnect-failed"
	TopicBackfillGap         Topic = "backfill.gap"
)

// Event is the common envelope carried on the bus. Payload is one of the
// typed payload structs below, keyed by Topic.
type Event struct {
	ID        string    `json:"event_id"`
	Topic     Topic     `json:"topic"`
	EmittedAt time.Time `json:"emitted_at"`
	Service   string    `json:"service"`
	Payload   any       `json:"payload"`
}

// NewEvent builds an envelope with a fresh UUID and the current time.
func NewEvent(topic Topic, service string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		EmittedAt: time.Now().UTC(),
		Service:   service,
		Payload:   payload,
	}
}

// JSON returns the JSON-encoded event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Direction of a price move.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// CandleCompleted is published when a bucket closes, before the durable save
// completes.
type CandleCompleted struct {
	Key       Key    `json:"key"`
	Candle    Candle `json:"candle"`
	Timeframe string `json:"timeframe"`
}

// CandleSaved is published after the candle is durably persisted.
type CandleSaved struct {
	Key    Key    `json:"key"`
	Candle Candle `json:"candle"`
}

// CandleSaveFailed is published when a durable save fails. The cache copy
// remains authoritative until a later write succeeds.
type CandleSaveFailed struct {
	Key      Key    `json:"key"`
	OpenTime int64  `json:"open_time"`
	Error    string `json:"error"`
}

// HighVolume flags a completed candle whose volume exceeds 3x the trailing
// average.
type HighVolume struct {
	Key           Key     `json:"key"`
	OpenTime      int64   `json:"open_time"`
	CurrentVolume string  `json:"current_volume"`
	AverageVolume string  `json:"average_volume"`
	Ratio         float64 `json:"ratio"`
}

// PriceSpike flags a completed candle with |close-open|/open >= 3%.
type PriceSpike struct {
	Key       Key       `json:"key"`
	OpenTime  int64     `json:"open_time"`
	Percent   float64   `json:"percent"`
	Direction Direction `json:"direction"`
}

// GapDetected flags a completed candle whose open deviates >= 1% from the
// previous close.
type GapDetected struct {
	Key         Key       `json:"key"`
	OpenTime    int64     `json:"open_time"`
	Percent     float64   `json:"percent"`
	Direction   Direction `json:"direction"`
	PrevClose   string    `json:"prev_close"`
	CurrentOpen string    `json:"current_open"`
}

// ReconnectFailed is published when a market connection exhausts its
// reconnect budget. Admin intervention (re-subscribe) is required.
type ReconnectFailed struct {
	Market   Market `json:"market"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// BackfillGap records a window skipped after retry exhaustion so downstream
// reconciliation can find it.
type BackfillGap struct {
	Key   Key    `json:"key"`
	From  int64  `json:"from"`
	To    int64  `json:"to"`
	Error string `json:"error"`
}
