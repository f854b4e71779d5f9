// Command backfill reconciles historical candle coverage from the upstream
// REST API into the sqlite store, then exits. With no window flags it fills
// from the listing epoch up to the last closed bucket.
//
// Usage:
//
//	backfill -symbol BTCUSDT -market SPOT
//	backfill -symbol ETHUSDT -market FUTURES -from 2024-01-01 -to 2024-02-01
//	backfill -all
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"candlefeedv1/config"
	"candlefeedv1/internal/bus"
	"candlefeedv1/internal/marketdata/backfill"
	"candlefeedv1/internal/marketdata/rest"
	"candlefeedv1/internal/model"
	sqlitestore "candlefeedv1/internal/store/sqlite"
)

// binanceEpoch predates the first listings on either market segment.
const binanceEpoch = int64(1500004800000) // 2017-07-14 04:00 UTC

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		symbol  = flag.String("symbol", "", "symbol to backfill, e.g. BTCUSDT")
		market  = flag.String("market", "SPOT", "market segment: SPOT or FUTURES")
		fromArg = flag.String("from", "", "window start (2006-01-02, RFC3339, or unix ms); default: listing epoch")
		toArg   = flag.String("to", "", "window end; default: last closed bucket")
		all     = flag.Bool("all", false, "backfill every configured symbol and market")
	)
	flag.Parse()

	cfg := config.Load()

	var keys []model.Key
	switch {
	case *all:
		keys = cfg.Keys()
	case *symbol != "":
		m, ok := model.ParseMarket(*market)
		if !ok {
			log.Fatalf("[backfill] invalid market %q (want SPOT or FUTURES)", *market)
		}
		keys = []model.Key{{Symbol: *symbol, Market: m}}
	default:
		flag.Usage()
		os.Exit(2)
	}

	from := parseTimeArg(*fromArg, binanceEpoch)
	now := time.Now().UnixMilli()
	to := parseTimeArg(*toArg, now-now%model.IntervalMs)
	if to <= from {
		log.Fatalf("[backfill] invalid window: to (%d) must be greater than from (%d)", to, from)
	}

	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[backfill] sqlite init failed: %v", err)
	}
	defer store.Close()

	restClient := rest.New(rest.Config{
		SpotBaseURL:    cfg.SpotRESTURL,
		FuturesBaseURL: cfg.FuturesRESTURL,
	})

	eventBus := bus.New(256)
	defer eventBus.Close()
	eventBus.Subscribe(model.TopicBackfillGap, func(e model.Event) {
		if p, ok := e.Payload.(model.BackfillGap); ok {
			log.Printf("[backfill] WARNING: gap left on %s [%d, %d]: %s", p.Key, p.From, p.To, p.Error)
		}
	})

	engine := backfill.New(backfill.Config{
		MaxPerRequest: cfg.BackfillMaxPerRequest,
		BatchSize:     cfg.BackfillBatchSize,
		MaxRetries:    cfg.BackfillMaxRetries,
		RequestDelay:  cfg.BackfillRequestDelay,
	}, restClient, store, eventBus)

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	failed := 0

	for _, key := range keys {
		res, err := engine.Run(ctx, key, from, to)
		if err != nil {
			log.Printf("[backfill] %s failed: %v", key, err)
			failed++
			continue
		}
		enc.Encode(res)
		if !res.Success {
			failed++
		}
	}

	if failed > 0 {
		log.Printf("[backfill] finished with %d/%d keys failed", failed, len(keys))
		os.Exit(1)
	}
	log.Printf("[backfill] finished: %d keys ok", len(keys))
}

// parseTimeArg accepts a date, an RFC3339 timestamp, or raw unix
// milliseconds.
func parseTimeArg(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	var ms int64
	for _, c := range s {
		if c < '0' || c > '9' {
			log.Fatalf("[backfill] cannot parse time %q", s)
		}
		ms = ms*10 + int64(c-'0')
	}
	return ms
}
