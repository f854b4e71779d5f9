package model

import "context"

// ── Port Interfaces ──
// These decouple the live path and backfill from concrete implementations
// (SQLite store, event bus) so either side can be swapped in tests.

// KeyStats summarizes store coverage for one partition.
type KeyStats struct {
	Key       Key   `json:"key"`
	Count     int64 `json:"count"`
	FirstTime int64 `json:"first_time"` // earliest open_time, 0 when empty
	LastTime  int64 `json:"last_time"`  // latest open_time, 0 when empty
}

// CandleStore is the durable candle repository. Save must be idempotent on
// (symbol, market, open_time); live and backfill writers share one store.
type CandleStore interface {
	// Save upserts one candle. Returns true when a new row was inserted,
	// false when an existing row was replaced.
	Save(ctx context.Context, c Candle) (inserted bool, err error)

	// SaveBatch upserts candles one statement at a time inside a single
	// transaction, returning how many were new vs. already present.
	SaveBatch(ctx context.Context, candles []Candle) (inserted, duplicate int, err error)

	// FindByOpenTime returns the candle at exactly openTime, or nil.
	FindByOpenTime(ctx context.Context, key Key, openTime int64) (*Candle, error)

	// Latest returns up to n candles, newest first.
	Latest(ctx context.Context, key Key, n int) ([]Candle, error)

	// Earliest returns up to n candles, oldest first.
	Earliest(ctx context.Context, key Key, n int) ([]Candle, error)

	// Range returns candles with start <= open_time <= end, newest first,
	// capped at limit. start/end of 0 mean unbounded.
	Range(ctx context.Context, key Key, start, end int64, limit int) ([]Candle, error)

	// Count returns the number of rows for a key.
	Count(ctx context.Context, key Key) (int64, error)

	// Stats returns per-key coverage for every key present in the store.
	Stats(ctx context.Context) ([]KeyStats, error)

	// HealthCheck pings the underlying database.
	HealthCheck(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// Publisher is the write side of the event bus.
type Publisher interface {
	Publish(e Event)
}
