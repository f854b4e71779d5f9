// Package redis mirrors completed candles into Redis for downstream
// consumers: a latest-value key, a capped stream, and a pub/sub fan-out per
// key. The mirror is best-effort; sqlite remains the source of truth. A
// circuit breaker guards against a dead Redis, buffering writes locally and
// replaying them once the server recovers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"candlefeedv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// ~10 days of 15m candles per key.
	streamMaxLen = 1000
	latestTTL    = 30 * time.Minute
)

// Config configures the mirror.
type Config struct {
	Addr        string // e.g. "localhost:6379"
	Password    string
	DB          int
	MaxFailures int           // breaker trip threshold (default 5)
	Cooldown    time.Duration // breaker cooldown (default 10s)
	MaxBuffered int           // writes held while the breaker is open (default 10000)
}

// Mirror writes completed candles to Redis.
type Mirror struct {
	client  *goredis.Client
	breaker *Breaker

	mu      sync.Mutex
	pending []model.CandleCompleted
	maxBuf  int

	// OnBuffer / OnFlush / OnBreakerChange are optional metrics hooks.
	OnBuffer        func()
	OnFlush         func(count int)
	OnBreakerChange func(from, to BreakerState)
}

// New connects and pings the server.
func New(cfg Config) (*Mirror, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxBuf := cfg.MaxBuffered
	if maxBuf <= 0 {
		maxBuf = 10000
	}
	m := &Mirror{
		client:  client,
		breaker: NewBreaker(cfg.MaxFailures, cfg.Cooldown),
		pending: make([]model.CandleCompleted, 0, 64),
		maxBuf:  maxBuf,
	}
	m.breaker.OnStateChange = func(from, to BreakerState) {
		log.Printf("[redis] breaker %s -> %s", from, to)
		if m.OnBreakerChange != nil {
			m.OnBreakerChange(from, to)
		}
		if to == BreakerClosed {
			go m.flush(context.Background())
		}
	}
	log.Printf("[redis] connected to %s", cfg.Addr)
	return m, nil
}

// Breaker exposes breaker state for health reporting.
func (m *Mirror) Breaker() *Breaker { return m.breaker }

// PendingCount returns writes held while the breaker is open.
func (m *Mirror) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Write mirrors one completed candle, buffering it if the breaker is open.
func (m *Mirror) Write(ctx context.Context, cc model.CandleCompleted) {
	err := m.breaker.Do(func() error {
		return m.write(ctx, cc)
	})
	if err == ErrBreakerOpen {
		m.buffer(cc)
		return
	}
	if err != nil {
		log.Printf("[redis] mirror write for %s failed: %v", cc.Key, err)
	}
}

// candleDoc is the wire form consumers see. Prices and volumes are decimal
// strings, not minor units.
type candleDoc struct {
	Symbol      string `json:"symbol"`
	Market      string `json:"market"`
	Timeframe   string `json:"timeframe"`
	OpenTime    int64  `json:"open_time"`
	CloseTime   int64  `json:"close_time"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quote_volume"`
	Trades      int32  `json:"trades"`
}

func encodeDoc(cc model.CandleCompleted) string {
	c := cc.Candle
	data, _ := json.Marshal(candleDoc{
		Symbol:      cc.Key.Symbol,
		Market:      string(cc.Key.Market),
		Timeframe:   model.IntervalName,
		OpenTime:    c.OpenTime,
		CloseTime:   c.CloseTime,
		Open:        model.FormatDecimal(c.Open),
		High:        model.FormatDecimal(c.High),
		Low:         model.FormatDecimal(c.Low),
		Close:       model.FormatDecimal(c.Close),
		Volume:      model.FormatDecimal(c.Volume),
		QuoteVolume: model.FormatDecimal(c.QuoteVolume),
		Trades:      c.Trades,
	})
	return string(data)
}

// write performs the SET + XADD + PUBLISH pipeline for one candle.
func (m *Mirror) write(ctx context.Context, cc model.CandleCompleted) error {
	suffix := string(cc.Key.Market) + ":" + cc.Key.Symbol
	latestKey := "candle:15m:latest:" + suffix
	streamKey := "candle:15m:" + suffix
	pubsubCh := "pub:candle:15m:" + suffix
	doc := encodeDoc(cc)

	pipe := m.client.Pipeline()
	pipe.Set(ctx, latestKey, doc, latestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": doc},
	})
	pipe.Publish(ctx, pubsubCh, doc)

	_, err := pipe.Exec(ctx)
	return err
}

func (m *Mirror) buffer(cc model.CandleCompleted) {
	m.mu.Lock()
	if len(m.pending) >= m.maxBuf {
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, cc)
	m.mu.Unlock()
	if m.OnBuffer != nil {
		m.OnBuffer()
	}
}

// flush replays buffered writes after the breaker closes.
func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	toFlush := m.pending
	m.pending = make([]model.CandleCompleted, 0, 64)
	m.mu.Unlock()

	for _, cc := range toFlush {
		if err := m.write(ctx, cc); err != nil {
			log.Printf("[redis] flush write for %s failed: %v", cc.Key, err)
		}
	}
	log.Printf("[redis] flushed %d buffered writes", len(toFlush))
	if m.OnFlush != nil {
		m.OnFlush(len(toFlush))
	}
}

// Latest reads back the latest mirrored candle for a key, nil when absent.
func (m *Mirror) Latest(ctx context.Context, key model.Key) ([]byte, error) {
	data, err := m.client.Get(ctx, "candle:15m:latest:"+string(key.Market)+":"+key.Symbol).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	return data, err
}

// HealthCheck pings the server.
func (m *Mirror) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
