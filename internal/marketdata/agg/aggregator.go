// Package agg orchestrates the live ingestion path: frames from the stream
// transport are decoded, merged into the candle cache, and on bucket close
// written through to the durable store and announced on the event bus.
//
// Frame processing is strictly serial per key — every frame for a key lands
// in that key's bounded channel and is handled by a single goroutine, which
// upholds the cache's monotonic open-time invariant without locking.
package agg

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"candlefeedv1/internal/marketdata/cache"
	"candlefeedv1/internal/marketdata/kline"
	"candlefeedv1/internal/marketdata/stream"
	"candlefeedv1/internal/model"
)

const serviceName = "candle-aggregator"

// Config tunes the aggregator.
type Config struct {
	MaxMemoryCandles int  // cache window per key (default 200)
	PersistForming   bool // also write non-closed upserts to the store
	FrameBuffer      int  // per-key frame queue (default 512)
	SaveQueue        int  // pending durable writes (default 1024)
	AnomalyLookback  int  // prior closed candles for anomaly checks (default 10)
	DrainTimeout     time.Duration
}

func (c *Config) defaults() {
	if c.MaxMemoryCandles <= 0 {
		c.MaxMemoryCandles = 200
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 512
	}
	if c.SaveQueue <= 0 {
		c.SaveQueue = 1024
	}
	if c.AnomalyLookback <= 0 {
		c.AnomalyLookback = 10
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

type keyState struct {
	frameCh     chan []byte
	done        chan struct{}
	lastFrameAt atomic.Int64 // unix ms of last received frame (valid or not)
}

type saveReq struct {
	candle model.Candle
	// ready gates the saver's candle.saved / candle.save-failed publish
	// until the producer has published candle.completed. nil means a silent
	// write (forming-candle persistence) with no announcement at all.
	ready chan struct{}
}

// Aggregator owns the candle cache and the stream subscriptions.
type Aggregator struct {
	cfg       Config
	cache     *cache.Cache
	store     model.CandleStore
	transport *stream.Transport
	pub       model.Publisher

	mu        sync.Mutex
	keys      map[model.Key]*keyState
	destroyed bool

	saveCh    chan saveReq
	saverDone chan struct{}

	// Metrics hooks (optional, set externally).
	OnFrame        func()
	OnDecodeError  func(kind kline.ErrorKind)
	OnCompleted    func()
	OnSaved        func(d time.Duration)
	OnSaveError    func()
	OnFrameDropped func()
}

// New creates an Aggregator. Start must be called before frames flow.
func New(cfg Config, store model.CandleStore, transport *stream.Transport, pub model.Publisher) *Aggregator {
	cfg.defaults()
	return &Aggregator{
		cfg:       cfg,
		cache:     cache.New(cfg.MaxMemoryCandles),
		store:     store,
		transport: transport,
		pub:       pub,
		keys:      make(map[model.Key]*keyState),
		saveCh:    make(chan saveReq, cfg.SaveQueue),
		saverDone: make(chan struct{}),
	}
}

// Cache exposes the in-memory window for read-side consumers (admin API,
// health monitor).
func (a *Aggregator) Cache() *cache.Cache { return a.cache }

// Start launches the save worker and subscribes every key.
func (a *Aggregator) Start(ctx context.Context, keys []model.Key) error {
	go a.saver()
	for _, key := range keys {
		if err := a.SubscribeKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeKey hydrates the cache from the store and begins live ingestion
// for one key. Idempotent on the cache and key state; the transport
// subscription is always re-issued, which restarts a connection whose
// reconnect budget was spent.
func (a *Aggregator) SubscribeKey(ctx context.Context, key model.Key) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return fmt.Errorf("aggregator destroyed")
	}
	st, known := a.keys[key]
	if !known {
		st = &keyState{
			frameCh: make(chan []byte, a.cfg.FrameBuffer),
			done:    make(chan struct{}),
		}
		a.keys[key] = st
	}
	a.mu.Unlock()

	if !known {
		// HYDRATING: seed the window from durable state before going live.
		recent, err := a.store.Latest(ctx, key, a.cfg.MaxMemoryCandles)
		if err != nil {
			a.mu.Lock()
			delete(a.keys, key)
			a.mu.Unlock()
			return fmt.Errorf("hydrate %s: %w", key, err)
		}
		for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
			recent[i], recent[j] = recent[j], recent[i]
		}
		a.cache.Load(key, recent)
		log.Printf("[agg] %s hydrated %d candles, going live", key, len(recent))

		go a.runKey(ctx, key, st)
	}

	a.transport.Subscribe(ctx, key.Market, kline.StreamName(key), func(data []byte) {
		select {
		case st.frameCh <- data:
		default:
			log.Printf("[agg] %s frame queue full, dropping frame", key)
			if a.OnFrameDropped != nil {
				a.OnFrameDropped()
			}
		}
	})
	return nil
}

// UnsubscribeKey stops ingestion for one key and drops its cache window.
func (a *Aggregator) UnsubscribeKey(key model.Key) {
	a.mu.Lock()
	st, ok := a.keys[key]
	if ok {
		delete(a.keys, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.transport.Unsubscribe(key.Market, kline.StreamName(key))
	close(st.done)
	a.cache.Drop(key)
	log.Printf("[agg] %s unsubscribed", key)
}

// Keys returns the currently subscribed keys.
func (a *Aggregator) Keys() []model.Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Key, 0, len(a.keys))
	for k := range a.keys {
		out = append(out, k)
	}
	return out
}

// LastFrameAt returns the unix-ms arrival time of the last frame for a key,
// 0 when none has arrived.
func (a *Aggregator) LastFrameAt(key model.Key) int64 {
	a.mu.Lock()
	st := a.keys[key]
	a.mu.Unlock()
	if st == nil {
		return 0
	}
	return st.lastFrameAt.Load()
}

// Latest returns the most recent cached candle (possibly in-progress).
func (a *Aggregator) Latest(key model.Key) (model.Candle, bool) {
	return a.cache.Tail(key)
}

func (a *Aggregator) runKey(ctx context.Context, key model.Key, st *keyState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.done:
			return
		case data := <-st.frameCh:
			a.handleFrame(key, st, data)
		}
	}
}

func (a *Aggregator) handleFrame(key model.Key, st *keyState, data []byte) {
	st.lastFrameAt.Store(time.Now().UnixMilli())
	if a.OnFrame != nil {
		a.OnFrame()
	}

	c, err := kline.DecodeFrame(key.Market, data)
	if err != nil {
		log.Printf("[agg] %s dropping frame: %v", key, err)
		if a.OnDecodeError != nil {
			if de, ok := err.(*kline.DecodeError); ok {
				a.OnDecodeError(de.Kind)
			}
		}
		return
	}

	if !a.cache.Upsert(key, c) {
		return // out-of-order, logged by the cache
	}

	if !c.Closed {
		if a.cfg.PersistForming {
			a.enqueueSave(c, nil)
		}
		return
	}

	// Bucket closed: queue the durable write first, then announce completion
	// and any anomalies derived from it. The saver holds its candle.saved
	// publish on the ready channel, so candle.completed always goes out
	// before candle.saved even when the write finishes instantly.
	ready := make(chan struct{})
	queued := a.enqueueSave(c, ready)
	if a.OnCompleted != nil {
		a.OnCompleted()
	}
	a.pub.Publish(model.NewEvent(model.TopicCandleCompleted, serviceName, model.CandleCompleted{
		Key:       key,
		Candle:    c,
		Timeframe: model.IntervalName,
	}))
	close(ready)
	if !queued {
		a.pub.Publish(model.NewEvent(model.TopicCandleSaveFailed, serviceName, model.CandleSaveFailed{
			Key: c.Key(), OpenTime: c.OpenTime, Error: "save queue full",
		}))
	}
	a.analyze(key, c)
}

func (a *Aggregator) enqueueSave(c model.Candle, ready chan struct{}) bool {
	select {
	case a.saveCh <- saveReq{candle: c, ready: ready}:
		return true
	default:
		log.Printf("[agg] save queue full, dropping write for %s open_time=%d", c.Key(), c.OpenTime)
		if a.OnSaveError != nil {
			a.OnSaveError()
		}
		return false
	}
}

// saver serializes durable writes off the per-key handlers. Failures do not
// roll back the cache; the next completion or a backfill repairs the store.
func (a *Aggregator) saver() {
	defer close(a.saverDone)
	for req := range a.saveCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		started := time.Now()
		_, err := a.store.Save(ctx, req.candle)
		cancel()
		if req.ready != nil {
			// Producer closes ready right after candle.completed goes out.
			<-req.ready
		}
		if err != nil {
			log.Printf("[agg] save failed for %s open_time=%d: %v",
				req.candle.Key(), req.candle.OpenTime, err)
			if a.OnSaveError != nil {
				a.OnSaveError()
			}
			if req.ready != nil {
				a.pub.Publish(model.NewEvent(model.TopicCandleSaveFailed, serviceName, model.CandleSaveFailed{
					Key: req.candle.Key(), OpenTime: req.candle.OpenTime, Error: err.Error(),
				}))
			}
			continue
		}
		if a.OnSaved != nil {
			a.OnSaved(time.Since(started))
		}
		if req.ready != nil {
			a.pub.Publish(model.NewEvent(model.TopicCandleSaved, serviceName, model.CandleSaved{
				Key: req.candle.Key(), Candle: req.candle,
			}))
		}
	}
}

// Shutdown stops all subscriptions, lets queued saves finish within the
// drain timeout, and announces destruction.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	states := make(map[model.Key]*keyState, len(a.keys))
	for k, st := range a.keys {
		states[k] = st
	}
	a.keys = make(map[model.Key]*keyState)
	a.mu.Unlock()

	for key, st := range states {
		a.transport.Unsubscribe(key.Market, kline.StreamName(key))
		close(st.done)
	}
	a.transport.CloseAll()

	close(a.saveCh)
	select {
	case <-a.saverDone:
	case <-time.After(a.cfg.DrainTimeout):
		log.Printf("[agg] shutdown drain timed out after %v", a.cfg.DrainTimeout)
	}

	a.pub.Publish(model.NewEvent(model.TopicAggregatorDestroyed, serviceName, nil))
	log.Println("[agg] destroyed")
}
