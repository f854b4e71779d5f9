package agg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"candlefeedv1/internal/marketdata/kline"
	"candlefeedv1/internal/marketdata/stream"
	"candlefeedv1/internal/model"
)

var testKey = model.Key{Symbol: "BTCUSDT", Market: model.MarketSpot}

// recorder captures published events in order.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) topics() []model.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Topic, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, topic model.Topic) model.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Topic == topic {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s (got %v)", topic, r.topics())
	return model.Event{}
}

// fakeStore records saves in memory.
type fakeStore struct {
	mu      sync.Mutex
	saved   []model.Candle
	recent  []model.Candle // returned by Latest
	saveErr error
}

func (f *fakeStore) Save(ctx context.Context, c model.Candle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return false, f.saveErr
	}
	f.saved = append(f.saved, c)
	return true, nil
}

func (f *fakeStore) SaveBatch(ctx context.Context, candles []model.Candle) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, candles...)
	return len(candles), 0, nil
}

func (f *fakeStore) FindByOpenTime(ctx context.Context, key model.Key, openTime int64) (*model.Candle, error) {
	return nil, nil
}

func (f *fakeStore) Latest(ctx context.Context, key model.Key, n int) ([]model.Candle, error) {
	return f.recent, nil
}

func (f *fakeStore) Earliest(ctx context.Context, key model.Key, n int) ([]model.Candle, error) {
	return nil, nil
}

func (f *fakeStore) Range(ctx context.Context, key model.Key, start, end int64, limit int) ([]model.Candle, error) {
	return nil, nil
}

func (f *fakeStore) Count(ctx context.Context, key model.Key) (int64, error) { return 0, nil }

func (f *fakeStore) Stats(ctx context.Context) ([]model.KeyStats, error) { return nil, nil }

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func newTestAggregator(store *fakeStore, rec *recorder) *Aggregator {
	a := New(Config{
		MaxMemoryCandles: 50,
		AnomalyLookback:  10,
		DrainTimeout:     200 * time.Millisecond,
	}, store, stream.New(stream.Config{}, rec), rec)
	go a.saver()
	return a
}

func newKeyState() *keyState {
	return &keyState{
		frameCh: make(chan []byte, 8),
		done:    make(chan struct{}),
	}
}

func candle(bucket int64, open, close, volume int64, closed bool) model.Candle {
	ot := bucket * model.IntervalMs
	lo, hi := open, close
	if lo > hi {
		lo, hi = hi, lo
	}
	return model.Candle{
		Symbol: testKey.Symbol, Market: testKey.Market,
		OpenTime: ot, CloseTime: ot + model.IntervalMs - 1,
		Open: open, High: hi, Low: lo, Close: close,
		Volume: volume, QuoteVolume: volume, TakerBuyBase: volume, TakerBuyQuote: volume,
		Trades: 10, Closed: closed,
	}
}

const unit = int64(100_000_000) // 1.0 in minor units

func TestFormingUpdateStaysInMemory(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 101*unit, 5*unit, false)))
	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 102*unit, 6*unit, false)))

	got, ok := a.Latest(testKey)
	if !ok || got.Close != 102*unit || got.Closed {
		t.Fatalf("unexpected cached candle %+v", got)
	}
	if a.cache.Len(testKey) != 1 {
		t.Errorf("cache len = %d, want 1", a.cache.Len(testKey))
	}
	if store.savedCount() != 0 {
		t.Errorf("forming update reached the store (%d saves)", store.savedCount())
	}
	if topics := rec.topics(); len(topics) != 0 {
		t.Errorf("forming update published %v", topics)
	}
}

func TestClosedCandleCompletesThenSaves(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 101*unit, 5*unit, false)))
	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 101*unit, 7*unit, true)))

	completed := rec.waitFor(t, model.TopicCandleCompleted)
	cc := completed.Payload.(model.CandleCompleted)
	if cc.Key != testKey || !cc.Candle.Closed || cc.Timeframe != model.IntervalName {
		t.Errorf("unexpected completed payload %+v", cc)
	}

	rec.waitFor(t, model.TopicCandleSaved)
	if store.savedCount() != 1 {
		t.Errorf("saves = %d, want 1", store.savedCount())
	}

	// candle.completed must precede candle.saved.
	topics := rec.topics()
	ci, si := -1, -1
	for i, topic := range topics {
		if topic == model.TopicCandleCompleted && ci == -1 {
			ci = i
		}
		if topic == model.TopicCandleSaved && si == -1 {
			si = i
		}
	}
	if ci == -1 || si == -1 || ci > si {
		t.Errorf("bad event order %v", topics)
	}
}

func TestSlowCompletionHookKeepsEventOrder(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	// Give the save worker a long head start: even with the write long
	// finished, candle.saved must wait for candle.completed.
	a.OnCompleted = func() { time.Sleep(150 * time.Millisecond) }

	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 101*unit, 5*unit, true)))

	rec.waitFor(t, model.TopicCandleSaved)
	topics := rec.topics()
	ci, si := -1, -1
	for i, topic := range topics {
		if topic == model.TopicCandleCompleted && ci == -1 {
			ci = i
		}
		if topic == model.TopicCandleSaved && si == -1 {
			si = i
		}
	}
	if ci == -1 || si == -1 || si < ci {
		t.Errorf("bad event order %v", topics)
	}
}

func TestSaveFailurePublishesSaveFailed(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("disk full")}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 101*unit, 5*unit, true)))

	ev := rec.waitFor(t, model.TopicCandleSaveFailed)
	p := ev.Payload.(model.CandleSaveFailed)
	if p.Key != testKey || p.Error == "" {
		t.Errorf("unexpected payload %+v", p)
	}

	// The cache copy survives the failed save.
	if _, ok := a.Latest(testKey); !ok {
		t.Error("cache lost the candle after save failure")
	}
}

func TestHighVolumeAnomaly(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	// 10 closed candles with volume 100 each, then one with volume 500.
	var seed []model.Candle
	for b := int64(1); b <= 10; b++ {
		seed = append(seed, candle(b, 100*unit, 100*unit, 100*unit, true))
	}
	a.cache.Load(testKey, seed)

	a.handleFrame(testKey, st, kline.EncodeFrame(candle(11, 100*unit, 100*unit, 500*unit, true)))

	ev := rec.waitFor(t, model.TopicHighVolume)
	p := ev.Payload.(model.HighVolume)
	if p.Ratio < 4.99 || p.Ratio > 5.01 {
		t.Errorf("ratio = %v, want 5.0", p.Ratio)
	}
	if p.CurrentVolume != "500" || p.AverageVolume != "100" {
		t.Errorf("volumes = %s / %s", p.CurrentVolume, p.AverageVolume)
	}
}

func TestNormalVolumeIsQuiet(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	var seed []model.Candle
	for b := int64(1); b <= 10; b++ {
		seed = append(seed, candle(b, 100*unit, 100*unit, 100*unit, true))
	}
	a.cache.Load(testKey, seed)

	// Exactly 3x the average is not a spike (strictly greater required).
	a.handleFrame(testKey, st, kline.EncodeFrame(candle(11, 100*unit, 100*unit, 300*unit, true)))

	rec.waitFor(t, model.TopicCandleSaved)
	for _, topic := range rec.topics() {
		if topic == model.TopicHighVolume {
			t.Fatal("3x average volume must not trigger high-volume")
		}
	}
}

func TestPriceSpikeAnomaly(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	// 4% up move within the candle.
	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 104*unit, 5*unit, true)))

	ev := rec.waitFor(t, model.TopicPriceSpike)
	p := ev.Payload.(model.PriceSpike)
	if p.Direction != model.DirectionUp {
		t.Errorf("direction = %s, want UP", p.Direction)
	}
	if p.Percent < 3.99 || p.Percent > 4.01 {
		t.Errorf("percent = %v, want 4.0", p.Percent)
	}
}

func TestGapAnomaly(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	a.cache.Load(testKey, []model.Candle{candle(1, 100*unit, 100*unit, 5*unit, true)})

	// Next candle opens 2% above the previous close, no intra-candle spike.
	a.handleFrame(testKey, st, kline.EncodeFrame(candle(2, 102*unit, 102*unit+50_000_000, 5*unit, true)))

	ev := rec.waitFor(t, model.TopicGapDetected)
	p := ev.Payload.(model.GapDetected)
	if p.Direction != model.DirectionUp || p.PrevClose != "100" || p.CurrentOpen != "102" {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.Percent < 1.99 || p.Percent > 2.01 {
		t.Errorf("percent = %v, want 2.0", p.Percent)
	}

	for _, topic := range rec.topics() {
		if topic == model.TopicPriceSpike {
			t.Error("0.5% intra-candle move must not be a price spike")
		}
	}
}

func TestDecodeErrorDropsFrame(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	var kinds []kline.ErrorKind
	a.OnDecodeError = func(kind kline.ErrorKind) { kinds = append(kinds, kind) }

	a.handleFrame(testKey, st, []byte(`{"s":"BTCUSDT","k":{"t":123,"o":"1","h":"1","l":"1","c":"1","v":"0","q":"0","V":"0","Q":"0"}}`))

	if len(kinds) != 1 || kinds[0] != kline.MisalignedOpenTime {
		t.Errorf("kinds = %v, want [misaligned-open-time]", kinds)
	}
	if _, ok := a.Latest(testKey); ok {
		t.Error("rejected frame reached the cache")
	}
}

func TestHydrateSeedsCacheFromStore(t *testing.T) {
	store := &fakeStore{recent: []model.Candle{
		// Newest first, as the store returns them.
		candle(3, 100*unit, 101*unit, 5*unit, true),
		candle(2, 100*unit, 100*unit, 5*unit, true),
		candle(1, 100*unit, 100*unit, 5*unit, true),
	}}
	rec := &recorder{}
	a := newTestAggregator(store, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.SubscribeKey(ctx, testKey); err != nil {
		t.Fatalf("SubscribeKey: %v", err)
	}

	window := a.cache.Slice(testKey, 0)
	if len(window) != 3 {
		t.Fatalf("hydrated %d candles, want 3", len(window))
	}
	if window[0].OpenTime != 1*model.IntervalMs || window[2].OpenTime != 3*model.IntervalMs {
		t.Errorf("hydrated window out of order: %d..%d", window[0].OpenTime, window[2].OpenTime)
	}

	// Idempotent.
	if err := a.SubscribeKey(ctx, testKey); err != nil {
		t.Fatalf("second SubscribeKey: %v", err)
	}
	if got := len(a.Keys()); got != 1 {
		t.Errorf("keys = %d, want 1", got)
	}
}

func TestSubscribeKeyRestartsExhaustedConnection(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	tr := stream.New(stream.Config{
		SpotURL:              "ws://127.0.0.1:1", // nothing listens here
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 1,
	}, rec)
	a := New(Config{MaxMemoryCandles: 50, DrainTimeout: 200 * time.Millisecond}, store, tr, rec)
	go a.saver()

	var attempts atomic.Int64
	tr.OnReconnect = func(model.Market) { attempts.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.SubscribeKey(ctx, testKey); err != nil {
		t.Fatalf("SubscribeKey: %v", err)
	}
	rec.waitFor(t, model.TopicReconnectFailed)
	before := attempts.Load()

	// Subscribing an already-known key re-issues the upstream subscription,
	// which revives the dead connection with a fresh reconnect budget.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := a.SubscribeKey(ctx, testKey); err != nil {
			t.Fatalf("repeat SubscribeKey: %v", err)
		}
		if attempts.Load() > before {
			if got := len(a.Keys()); got != 1 {
				t.Errorf("keys = %d, want 1", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection never restarted (attempts stuck at %d)", before)
}

func TestShutdownDrainsAndAnnounces(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	a := newTestAggregator(store, rec)
	st := newKeyState()

	a.mu.Lock()
	a.keys[testKey] = st
	a.mu.Unlock()

	a.handleFrame(testKey, st, kline.EncodeFrame(candle(1, 100*unit, 101*unit, 5*unit, true)))
	a.Shutdown()

	if store.savedCount() != 1 {
		t.Errorf("saves after shutdown = %d, want 1", store.savedCount())
	}
	found := false
	for _, topic := range rec.topics() {
		if topic == model.TopicAggregatorDestroyed {
			found = true
		}
	}
	if !found {
		t.Errorf("no aggregator.destroyed event in %v", rec.topics())
	}

	// Subscribing after shutdown fails.
	if err := a.SubscribeKey(context.Background(), testKey); err == nil {
		t.Error("SubscribeKey succeeded on destroyed aggregator")
	}
}
