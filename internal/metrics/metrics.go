package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the candle feed.
type Metrics struct {
	FramesTotal      prometheus.Counter
	FramesDropped    prometheus.Counter
	DecodeErrors     *prometheus.CounterVec // labels: kind
	WSReconnects     *prometheus.CounterVec // labels: market
	CandlesClosed    prometheus.Counter
	SavesTotal       prometheus.Counter
	SaveFailures     prometheus.Counter
	SaveDur          prometheus.Histogram
	BusDropsTotal    *prometheus.CounterVec // labels: topic
	CachedCandles    prometheus.Gauge
	CacheBytes       prometheus.Gauge
	KeysConnected    prometheus.Gauge
	KeysStale        prometheus.Gauge
	KeysDisconnected prometheus.Gauge

	BackfillRequests prometheus.Counter
	BackfillRetries  prometheus.Counter
	BackfillGaps     prometheus.Counter
	BackfillDur      prometheus.Histogram

	RedisBreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips   prometheus.Counter
	RedisBufferedWrites prometheus.Counter
}

// New registers and returns all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_frames_total",
			Help: "Kline frames received from the stream transport",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_frames_dropped_total",
			Help: "Frames dropped because a key's queue was full",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlefeed_decode_errors_total",
			Help: "Frames rejected by the kline decoder (by error kind)",
		}, []string{"kind"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlefeed_ws_reconnects_total",
			Help: "WebSocket reconnection attempts (by market)",
		}, []string{"market"}),
		CandlesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_candles_closed_total",
			Help: "Completed 15m candles",
		}),
		SavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_saves_total",
			Help: "Durable candle writes attempted",
		}),
		SaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_save_failures_total",
			Help: "Durable candle writes that failed or were dropped",
		}),
		SaveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlefeed_save_duration_seconds",
			Help:    "SQLite save latency",
			Buckets: prometheus.DefBuckets,
		}),
		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlefeed_bus_drops_total",
			Help: "Events dropped by the bus per topic",
		}, []string{"topic"}),
		CachedCandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_cached_candles",
			Help: "Candles held in the in-memory cache across all keys",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_cache_bytes",
			Help: "Estimated cache memory footprint",
		}),
		KeysConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_keys_connected",
			Help: "Keys receiving frames within the liveness window",
		}),
		KeysStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_keys_stale",
			Help: "Keys with no frames past the staleness threshold",
		}),
		KeysDisconnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_keys_disconnected",
			Help: "Keys behind a closed or failed connection",
		}),

		BackfillRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_backfill_requests_total",
			Help: "REST kline page requests issued by backfill jobs",
		}),
		BackfillRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_backfill_retries_total",
			Help: "Transient backfill request retries",
		}),
		BackfillGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_backfill_gaps_total",
			Help: "Backfill windows skipped after exhausting retries",
		}),
		BackfillDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlefeed_backfill_duration_seconds",
			Help:    "Backfill job duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		}),

		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlefeed_redis_breaker_state",
			Help: "Redis mirror circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_redis_breaker_trips_total",
			Help: "Times the Redis mirror breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlefeed_redis_buffered_writes_total",
			Help: "Mirror writes buffered locally while the breaker was open",
		}),
	}

	prometheus.MustRegister(
		m.FramesTotal,
		m.FramesDropped,
		m.DecodeErrors,
		m.WSReconnects,
		m.CandlesClosed,
		m.SavesTotal,
		m.SaveFailures,
		m.SaveDur,
		m.BusDropsTotal,
		m.CachedCandles,
		m.CacheBytes,
		m.KeysConnected,
		m.KeysStale,
		m.KeysDisconnected,
		m.BackfillRequests,
		m.BackfillRetries,
		m.BackfillGaps,
		m.BackfillDur,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// HealthStatus is the /healthz view of the system.
type HealthStatus struct {
	mu sync.RWMutex

	StreamsOpen   bool
	LastFrameTime time.Time
	SQLiteOK      bool
	RedisOK       bool
	RedisEnabled  bool

	Connected    int
	Stale        int
	Disconnected int

	StartedAt time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetStreamsOpen(v bool) {
	h.mu.Lock()
	h.StreamsOpen = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFrameTime(t time.Time) {
	h.mu.Lock()
	h.LastFrameTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedis(enabled, ok bool) {
	h.mu.Lock()
	h.RedisEnabled = enabled
	h.RedisOK = ok
	h.mu.Unlock()
}

func (h *HealthStatus) SetKeyCounts(connected, stale, disconnected int) {
	h.mu.Lock()
	h.Connected = connected
	h.Stale = stale
	h.Disconnected = disconnected
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.StreamsOpen || !h.SQLiteOK || (h.RedisEnabled && !h.RedisOK) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && !h.StreamsOpen {
		overallStatus = "unhealthy"
	}

	frameAge := ""
	if !h.LastFrameTime.IsZero() {
		frameAge = time.Since(h.LastFrameTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status        string `json:"status"`
		Uptime        string `json:"uptime"`
		StreamsOpen   bool   `json:"streams_open"`
		LastFrameTime string `json:"last_frame_time"`
		FrameAge      string `json:"frame_age"`
		SQLiteOK      bool   `json:"sqlite_ok"`
		RedisEnabled  bool   `json:"redis_enabled"`
		RedisOK       bool   `json:"redis_ok"`
		Connected     int    `json:"keys_connected"`
		Stale         int    `json:"keys_stale"`
		Disconnected  int    `json:"keys_disconnected"`
	}{
		Status:        overallStatus,
		Uptime:        time.Since(h.StartedAt).Round(time.Second).String(),
		StreamsOpen:   h.StreamsOpen,
		LastFrameTime: h.LastFrameTime.Format(time.RFC3339),
		FrameAge:      frameAge,
		SQLiteOK:      h.SQLiteOK,
		RedisEnabled:  h.RedisEnabled,
		RedisOK:       h.RedisOK,
		Connected:     h.Connected,
		Stale:         h.Stale,
		Disconnected:  h.Disconnected,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
