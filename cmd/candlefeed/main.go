package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"candlefeedv1/config"
	"candlefeedv1/internal/api"
	"candlefeedv1/internal/bus"
	healthmon "candlefeedv1/internal/health"
	"candlefeedv1/internal/logger"
	"candlefeedv1/internal/marketdata/agg"
	"candlefeedv1/internal/marketdata/backfill"
	"candlefeedv1/internal/marketdata/kline"
	"candlefeedv1/internal/marketdata/rest"
	"candlefeedv1/internal/marketdata/stream"
	"candlefeedv1/internal/metrics"
	"candlefeedv1/internal/model"
	redisstore "candlefeedv1/internal/store/redis"
	sqlitestore "candlefeedv1/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[candlefeed] starting...")

	cfg := config.Load()
	keys := cfg.Keys()
	log.Printf("[candlefeed] monitoring %d keys (%d symbols x %d markets)",
		len(keys), len(cfg.MonitoredSymbols), len(cfg.MonitoredMarkets))

	slogger := logger.Init("candlefeed", slog.LevelInfo)

	// ---- Metrics & health ----
	prom := metrics.New()
	healthStatus := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, healthStatus)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Durable store ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[candlefeed] sqlite init failed: %v", err)
	}
	defer store.Close()
	healthStatus.SetSQLiteOK(true)
	log.Println("[candlefeed] sqlite store ready")

	// ---- Event bus ----
	eventBus := bus.New(1024)
	eventBus.OnDrop = func(topic model.Topic) {
		prom.BusDropsTotal.WithLabelValues(string(topic)).Inc()
	}

	// ---- Stream transport ----
	transport := stream.New(stream.Config{
		SpotURL:              cfg.SpotWSURL,
		FuturesURL:           cfg.FuturesWSURL,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, eventBus)
	transport.OnReconnect = func(market model.Market) {
		prom.WSReconnects.WithLabelValues(string(market)).Inc()
	}

	// ---- Redis mirror (optional) ----
	var mirror *redisstore.Mirror
	if cfg.RedisAddr != "" {
		mirror, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[candlefeed] WARNING: redis init failed: %v (continuing without mirror)", err)
			healthStatus.SetRedis(true, false)
			mirror = nil
		} else {
			healthStatus.SetRedis(true, true)
			mirror.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
			mirror.OnBreakerChange = func(from, to redisstore.BreakerState) {
				prom.RedisBreakerState.Set(float64(to))
				if to == redisstore.BreakerOpen {
					prom.RedisBreakerTrips.Inc()
				}
			}
			log.Println("[candlefeed] redis mirror ready")
		}
	}

	// ---- Aggregator ----
	aggregator := agg.New(agg.Config{
		MaxMemoryCandles: cfg.MaxMemoryCandles,
		PersistForming:   cfg.PersistForming,
	}, store, transport, eventBus)
	aggregator.OnFrame = func() { prom.FramesTotal.Inc() }
	aggregator.OnFrameDropped = func() { prom.FramesDropped.Inc() }
	aggregator.OnDecodeError = func(kind kline.ErrorKind) {
		prom.DecodeErrors.WithLabelValues(kind.String()).Inc()
	}
	aggregator.OnCompleted = func() { prom.CandlesClosed.Inc() }
	aggregator.OnSaved = func(d time.Duration) {
		prom.SavesTotal.Inc()
		prom.SaveDur.Observe(d.Seconds())
	}
	aggregator.OnSaveError = func() { prom.SaveFailures.Inc() }

	// ---- Event subscribers ----
	if mirror != nil {
		eventBus.Subscribe(model.TopicCandleCompleted, func(e model.Event) {
			if cc, ok := e.Payload.(model.CandleCompleted); ok {
				mirror.Write(ctx, cc)
			}
		})
	}
	eventBus.Subscribe(model.TopicHighVolume, func(e model.Event) {
		if p, ok := e.Payload.(model.HighVolume); ok {
			log.Printf("[anomaly] high volume on %s: current=%s avg=%s ratio=%.2f",
				p.Key, p.CurrentVolume, p.AverageVolume, p.Ratio)
		}
	})
	eventBus.Subscribe(model.TopicPriceSpike, func(e model.Event) {
		if p, ok := e.Payload.(model.PriceSpike); ok {
			log.Printf("[anomaly] price spike on %s: %.2f%% %s", p.Key, p.Percent, p.Direction)
		}
	})
	eventBus.Subscribe(model.TopicGapDetected, func(e model.Event) {
		if p, ok := e.Payload.(model.GapDetected); ok {
			log.Printf("[anomaly] gap on %s: %.2f%% %s (prev close %s, open %s)",
				p.Key, p.Percent, p.Direction, p.PrevClose, p.CurrentOpen)
		}
	})
	eventBus.Subscribe(model.TopicReconnectFailed, func(e model.Event) {
		if p, ok := e.Payload.(model.ReconnectFailed); ok {
			log.Printf("[candlefeed] ALERT: %s stream gave up after %d attempts: %s",
				p.Market, p.Attempts, p.Error)
		}
	})
	eventBus.Subscribe(model.TopicBackfillGap, func(e model.Event) {
		prom.BackfillGaps.Inc()
	})

	// ---- Start live ingestion ----
	if err := aggregator.Start(ctx, keys); err != nil {
		log.Fatalf("[candlefeed] aggregator start failed: %v", err)
	}

	// ---- Backfill engine (driven via the admin API) ----
	restClient := rest.New(rest.Config{
		SpotBaseURL:    cfg.SpotRESTURL,
		FuturesBaseURL: cfg.FuturesRESTURL,
	})
	engine := backfill.New(backfill.Config{
		MaxPerRequest: cfg.BackfillMaxPerRequest,
		BatchSize:     cfg.BackfillBatchSize,
		MaxRetries:    cfg.BackfillMaxRetries,
		RequestDelay:  cfg.BackfillRequestDelay,
	}, restClient, store, eventBus)
	engine.OnRequest = func() { prom.BackfillRequests.Inc() }
	engine.OnRetry = func() { prom.BackfillRetries.Inc() }
	engine.OnDone = func(res *backfill.Result) {
		prom.BackfillDur.Observe(float64(res.DurationMs) / 1000)
	}

	// ---- Health monitor ----
	monitor := healthmon.New(cfg.HealthCheckInterval, aggregator, transport, store, eventBus)
	monitor.OnSnapshot = func(snap healthmon.Snapshot) {
		prom.CachedCandles.Set(float64(snap.CachedCandles))
		prom.CacheBytes.Set(float64(snap.CacheBytes))
		prom.KeysConnected.Set(float64(snap.Connected))
		prom.KeysStale.Set(float64(snap.Stale))
		prom.KeysDisconnected.Set(float64(snap.Disconnected))

		anyOpen := false
		for _, st := range snap.Streams {
			if st.Open {
				anyOpen = true
			}
		}
		healthStatus.SetStreamsOpen(anyOpen)
		healthStatus.SetSQLiteOK(snap.StoreOK)
		healthStatus.SetKeyCounts(snap.Connected, snap.Stale, snap.Disconnected)
		if mirror != nil {
			probeCtx, probeCancel := context.WithTimeout(ctx, 3*time.Second)
			healthStatus.SetRedis(true, mirror.HealthCheck(probeCtx) == nil)
			probeCancel()
		}

		var lastFrame int64
		for _, key := range aggregator.Keys() {
			if at := aggregator.LastFrameAt(key); at > lastFrame {
				lastFrame = at
			}
		}
		if lastFrame > 0 {
			healthStatus.SetLastFrameTime(time.UnixMilli(lastFrame))
		}
	}
	go monitor.Run(ctx)

	// ---- Admin API ----
	apiSrv := api.NewServer(cfg.APIAddr, aggregator, store, engine, transport, slogger)
	apiSrv.Start()

	log.Printf("[candlefeed] pipeline ready: %s klines -> cache -> sqlite (markets: %s)",
		model.IntervalName, marketList(cfg.MonitoredMarkets))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[candlefeed] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	apiSrv.Stop(shutdownCtx)
	aggregator.Shutdown()
	eventBus.Close()
	metricsSrv.Stop(shutdownCtx)
	if mirror != nil {
		mirror.Close()
	}

	log.Println("[candlefeed] shutdown complete.")
}

func marketList(markets []model.Market) string {
	names := make([]string, len(markets))
	for i, m := range markets {
		names[i] = string(m)
	}
	return strings.Join(names, ",")
}
