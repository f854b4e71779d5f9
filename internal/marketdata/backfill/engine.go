// Package backfill reconciles historical store coverage against the upstream
// REST API. Jobs run on their own goroutine, independent of live ingestion,
// under a global request-rate budget. Saves are idempotent, so a window that
// overlaps live data only produces duplicate counts, never errors.
package backfill

import (
	"context"
	"fmt"
	"log"
	"time"

	"candlefeedv1/internal/marketdata/rest"
	"candlefeedv1/internal/model"

	"golang.org/x/time/rate"
)

const serviceName = "backfill-engine"

// Config tunes a backfill engine.
type Config struct {
	MaxPerRequest int           // upstream page size cap (default 1500)
	BatchSize     int           // candles buffered before a store commit (default 500)
	MaxRetries    int           // transient retries per request (default 3)
	RequestDelay  time.Duration // minimum inter-request delay (default 200ms)
}

func (c *Config) defaults() {
	if c.MaxPerRequest <= 0 {
		c.MaxPerRequest = 1500
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = 200 * time.Millisecond
	}
}

// Engine drives paginated historical fetches into the candle store.
type Engine struct {
	cfg     Config
	client  *rest.Client
	store   model.CandleStore
	pub     model.Publisher
	limiter *rate.Limiter // global budget shared by all jobs

	// retrySleep is swapped out in tests.
	retrySleep func(ctx context.Context, d time.Duration)

	// OnRequest / OnRetry / OnDone are optional metrics hooks.
	OnRequest func()
	OnRetry   func()
	OnDone    func(res *Result)
}

// New creates an Engine. The limiter enforces the inter-request delay across
// every concurrent job.
func New(cfg Config, client *rest.Client, store model.CandleStore, pub model.Publisher) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:     cfg,
		client:  client,
		store:   store,
		pub:     pub,
		limiter: rate.NewLimiter(rate.Every(cfg.RequestDelay), 1),
		retrySleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// Result reports what a finished job did.
type Result struct {
	Key              model.Key `json:"key"`
	Success          bool      `json:"success"`
	TotalCandles     int       `json:"total_candles"`
	NewCandles       int       `json:"new_candles"`
	DuplicateCandles int       `json:"duplicate_candles"`
	WindowStart      int64     `json:"window_start"`
	WindowEnd        int64     `json:"window_end"`
	DurationMs       int64     `json:"duration_ms"`
	Errors           []string  `json:"errors,omitempty"`
}

// Run reconciles [windowStart, windowEnd] for a key. It inspects existing
// store coverage to pick the starting cursor, then pages forward committing
// batches until the window is covered or a fatal upstream error stops it.
func (e *Engine) Run(ctx context.Context, key model.Key, windowStart, windowEnd int64) (*Result, error) {
	if windowStart < 0 || windowEnd <= windowStart {
		return nil, fmt.Errorf("backfill %s: invalid window [%d, %d)", key, windowStart, windowEnd)
	}
	windowStart = windowStart - windowStart%model.IntervalMs

	started := time.Now()
	res := &Result{Key: key, Success: true, WindowStart: windowStart, WindowEnd: windowEnd}

	cursor, ok, err := e.pickCursor(ctx, key, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("[backfill] %s window [%d, %d] already covered", key, windowStart, windowEnd)
		res.DurationMs = time.Since(started).Milliseconds()
		if e.OnDone != nil {
			e.OnDone(res)
		}
		return res, nil
	}

	log.Printf("[backfill] %s starting at cursor=%d window=[%d, %d]", key, cursor, windowStart, windowEnd)

	var buffer []model.Candle
	flush := func() error {
		ins, dup, err := e.store.SaveBatch(ctx, buffer)
		if err != nil {
			return err
		}
		res.NewCandles += ins
		res.DuplicateCandles += dup
		buffer = buffer[:0]
		return nil
	}

	for cursor < windowEnd {
		if ctx.Err() != nil {
			res.Success = false
			res.Errors = append(res.Errors, ctx.Err().Error())
			break
		}

		batchEnd := cursor + int64(e.cfg.MaxPerRequest)*model.IntervalMs
		if batchEnd > windowEnd {
			batchEnd = windowEnd
		}

		candles, err := e.fetch(ctx, key, cursor, batchEnd)
		if err != nil {
			if !rest.Transient(err) {
				// Fatal upstream error: record and stop the job.
				res.Success = false
				res.Errors = append(res.Errors, fmt.Sprintf("fatal [%d, %d]: %v", cursor, batchEnd, err))
				log.Printf("[backfill] %s fatal error at cursor=%d: %v", key, cursor, err)
				break
			}
			// Retries exhausted: record the window, surface it for later
			// reconciliation, and skip forward one full batch.
			res.Errors = append(res.Errors, fmt.Sprintf("skipped [%d, %d]: %v", cursor, batchEnd, err))
			e.pub.Publish(model.NewEvent(model.TopicBackfillGap, serviceName, model.BackfillGap{
				Key: key, From: cursor, To: batchEnd, Error: err.Error(),
			}))
			log.Printf("[backfill] %s skipping window [%d, %d] after retries: %v", key, cursor, batchEnd, err)
			cursor = batchEnd
			continue
		}

		if len(candles) == 0 {
			// Upstream has nothing in this window (listing gap or before
			// first trade). Move past it.
			cursor = batchEnd
			continue
		}

		res.TotalCandles += len(candles)
		buffer = append(buffer, candles...)
		if len(buffer) >= e.cfg.BatchSize {
			if err := flush(); err != nil {
				res.Success = false
				res.Errors = append(res.Errors, fmt.Sprintf("commit: %v", err))
				break
			}
		}
		cursor = candles[len(candles)-1].OpenTime + model.IntervalMs
	}

	if len(buffer) > 0 {
		if err := flush(); err != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("commit: %v", err))
		}
	}

	res.DurationMs = time.Since(started).Milliseconds()
	log.Printf("[backfill] %s done: success=%v total=%d new=%d dup=%d errors=%d in %dms",
		key, res.Success, res.TotalCandles, res.NewCandles, res.DuplicateCandles,
		len(res.Errors), res.DurationMs)
	if e.OnDone != nil {
		e.OnDone(res)
	}
	return res, nil
}

// RunAll backfills from the upstream listing epoch up to the last closed
// bucket boundary.
func (e *Engine) RunAll(ctx context.Context, key model.Key, epoch int64) (*Result, error) {
	now := time.Now().UnixMilli()
	end := now - now%model.IntervalMs
	return e.Run(ctx, key, epoch, end)
}

// pickCursor decides where fetching starts. Returns ok=false when the window
// is already covered.
func (e *Engine) pickCursor(ctx context.Context, key model.Key, windowStart, windowEnd int64) (int64, bool, error) {
	earliest, err := e.store.Earliest(ctx, key, 1)
	if err != nil {
		return 0, false, fmt.Errorf("backfill %s: read earliest: %w", key, err)
	}
	latest, err := e.store.Latest(ctx, key, 1)
	if err != nil {
		return 0, false, fmt.Errorf("backfill %s: read latest: %w", key, err)
	}

	switch {
	case len(earliest) == 0:
		return windowStart, true, nil
	case earliest[0].OpenTime > windowStart:
		// Backward fill precedes anything present.
		return windowStart, true, nil
	case latest[0].OpenTime+model.IntervalMs < windowEnd:
		// Forward fill from the end of what we have.
		return latest[0].OpenTime + model.IntervalMs, true, nil
	default:
		return 0, false, nil
	}
}

// fetch requests one page under the rate budget, retrying transient failures
// with linear 1s x attempt delays.
func (e *Engine) fetch(ctx context.Context, key model.Key, start, end int64) ([]model.Candle, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if e.OnRequest != nil {
			e.OnRequest()
		}
		candles, err := e.client.Klines(ctx, key, start, end, e.cfg.MaxPerRequest)
		if err == nil {
			return candles, nil
		}
		lastErr = err
		if !rest.Transient(err) || ctx.Err() != nil {
			return nil, err
		}
		if e.OnRetry != nil {
			e.OnRetry()
		}
		log.Printf("[backfill] %s transient error (attempt %d/%d): %v", key, attempt, e.cfg.MaxRetries, err)
		if attempt < e.cfg.MaxRetries {
			e.retrySleep(ctx, time.Duration(attempt)*time.Second)
		}
	}
	return nil, lastErr
}
