// Package health periodically checks liveness across all stream
// subscriptions and publishes aggregate snapshots on the bus. Stale streams
// behind an open socket are re-subscribed.
package health

import (
	"context"
	"log"
	"time"

	"candlefeedv1/internal/marketdata/agg"
	"candlefeedv1/internal/marketdata/kline"
	"candlefeedv1/internal/marketdata/stream"
	"candlefeedv1/internal/model"
)

const serviceName = "health-monitor"

// Liveness thresholds.
const (
	connectedWithin = 5 * time.Minute  // a frame this recent means connected
	staleAfter      = 10 * time.Minute // no frames for this long means stale
)

// KeyStatus classifies one subscription.
type KeyStatus string

const (
	StatusConnected    KeyStatus = "connected"
	StatusStale        KeyStatus = "stale"
	StatusDisconnected KeyStatus = "disconnected"
)

// Snapshot is the aggregator.health payload.
type Snapshot struct {
	At            time.Time                      `json:"at"`
	Keys          map[string]KeyStatus           `json:"keys"`
	Connected     int                            `json:"connected"`
	Stale         int                            `json:"stale"`
	Disconnected  int                            `json:"disconnected"`
	CachedCandles int                            `json:"cached_candles"`
	CacheBytes    int64                          `json:"cache_bytes"`
	StoreOK       bool                           `json:"store_ok"`
	Streams       map[model.Market]stream.Status `json:"streams"`
}

// Monitor runs the periodic liveness check.
type Monitor struct {
	interval  time.Duration
	aggr      *agg.Aggregator
	transport *stream.Transport
	store     model.CandleStore
	pub       model.Publisher

	// now is swapped out in tests.
	now func() time.Time

	// OnSnapshot is an optional hook for metrics gauges.
	OnSnapshot func(s Snapshot)
}

// New creates a Monitor.
func New(interval time.Duration, aggr *agg.Aggregator, transport *stream.Transport, store model.CandleStore, pub model.Publisher) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		interval:  interval,
		aggr:      aggr,
		transport: transport,
		store:     store,
		pub:       pub,
		now:       time.Now,
	}
}

// Run checks every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check computes one snapshot, publishes it, and re-subscribes stale keys.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	now := m.now()
	streams := m.transport.Status()

	snap := Snapshot{
		At:      now,
		Keys:    make(map[string]KeyStatus),
		Streams: streams,
	}

	for _, key := range m.aggr.Keys() {
		status := classifyKey(m.aggr.LastFrameAt(key), streams[key.Market].Open, now)
		snap.Keys[key.String()] = status
		switch status {
		case StatusConnected:
			snap.Connected++
		case StatusStale:
			snap.Stale++
			log.Printf("[health] %s stale, re-subscribing", key)
			m.transport.Resubscribe(key.Market, kline.StreamName(key))
		default:
			snap.Disconnected++
		}
	}

	snap.CachedCandles, snap.CacheBytes = m.aggr.Cache().Stats()

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	snap.StoreOK = m.store.HealthCheck(probeCtx) == nil
	cancel()

	if m.OnSnapshot != nil {
		m.OnSnapshot(snap)
	}
	m.pub.Publish(model.NewEvent(model.TopicAggregatorHealth, serviceName, snap))
	return snap
}

// classifyKey buckets one subscription by frame recency. last is the unix-ms
// arrival time of the newest frame, 0 when none has arrived yet.
func classifyKey(last int64, open bool, now time.Time) KeyStatus {
	age := time.Duration(now.UnixMilli()-last) * time.Millisecond
	switch {
	case open && last > 0 && age < connectedWithin:
		return StatusConnected
	case last > 0 && age > staleAfter:
		return StatusStale
	default:
		return StatusDisconnected
	}
}
