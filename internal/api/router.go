// Package api exposes the admin HTTP surface: cached and stored candle
// reads, subscription management, and backfill job control.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"candlefeedv1/internal/logger"
	"candlefeedv1/internal/marketdata/agg"
	"candlefeedv1/internal/marketdata/backfill"
	"candlefeedv1/internal/marketdata/stream"
	"candlefeedv1/internal/model"
)

// binanceEpoch predates the first listings on either market segment; used
// when a backfill request carries no explicit window.
const binanceEpoch = int64(1500004800000) // 2017-07-14 04:00 UTC

// Server is the admin API server.
type Server struct {
	aggr      *agg.Aggregator
	store     model.CandleStore
	engine    *backfill.Engine
	transport *stream.Transport
	log       *slog.Logger
	srv       *http.Server
}

// NewServer wires the admin routes.
func NewServer(addr string, aggr *agg.Aggregator, store model.CandleStore, engine *backfill.Engine, transport *stream.Transport, log *slog.Logger) *Server {
	s := &Server{
		aggr:      aggr,
		store:     store,
		engine:    engine,
		transport: transport,
		log:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/candles/latest", s.handleLatest)
	mux.HandleFunc("GET /api/v1/candles", s.handleHistory)
	mux.HandleFunc("GET /api/v1/candles/range", s.handleRange)
	mux.HandleFunc("GET /api/v1/statistics", s.handleStatistics)
	mux.HandleFunc("GET /api/v1/datastats", s.handleDataStats)
	mux.HandleFunc("GET /api/v1/streams", s.handleStreams)
	mux.HandleFunc("POST /api/v1/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/v1/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("POST /api/v1/backfill", s.handleBackfill)

	s.srv = &http.Server{Addr: addr, Handler: s.withRequestID(mux)}
	return s
}

// Start launches the server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("api server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("api server error", slog.Any("err", err))
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithRequestID(r.Context(), logger.NewRequestID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// candleDTO is the external candle representation: decimal strings, not
// minor units.
type candleDTO struct {
	Symbol      string `json:"symbol"`
	Market      string `json:"market"`
	OpenTime    int64  `json:"open_time"`
	CloseTime   int64  `json:"close_time"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quote_volume"`
	Trades      int32  `json:"trades"`
	Closed      bool   `json:"closed"`
}

func toDTO(c model.Candle) candleDTO {
	return candleDTO{
		Symbol:      c.Symbol,
		Market:      string(c.Market),
		OpenTime:    c.OpenTime,
		CloseTime:   c.CloseTime,
		Open:        model.FormatDecimal(c.Open),
		High:        model.FormatDecimal(c.High),
		Low:         model.FormatDecimal(c.Low),
		Close:       model.FormatDecimal(c.Close),
		Volume:      model.FormatDecimal(c.Volume),
		QuoteVolume: model.FormatDecimal(c.QuoteVolume),
		Trades:      c.Trades,
		Closed:      c.Closed,
	}
}

func toDTOs(candles []model.Candle) []candleDTO {
	out := make([]candleDTO, len(candles))
	for i, c := range candles {
		out[i] = toDTO(c)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// keyFromQuery validates symbol and market query params.
func keyFromQuery(r *http.Request) (model.Key, string) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		return model.Key{}, "missing symbol"
	}
	market, ok := model.ParseMarket(r.URL.Query().Get("market"))
	if !ok {
		return model.Key{}, "market must be SPOT or FUTURES"
	}
	return model.Key{Symbol: symbol, Market: market}, ""
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	key, errMsg := keyFromQuery(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	c, ok := s.aggr.Latest(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no candle for "+key.String())
		return
	}
	writeJSON(w, http.StatusOK, toDTO(c))
}

// handleHistory serves the in-memory window, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, errMsg := keyFromQuery(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	limit := queryInt(r, "limit", 100)
	candles := s.aggr.Cache().Slice(key, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"count":   len(candles),
		"candles": toDTOs(candles),
	})
}

// handleRange serves the durable store for an explicit [from, to] window,
// oldest first.
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	key, errMsg := keyFromQuery(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	from := queryInt64(r, "from", 0)
	to := queryInt64(r, "to", time.Now().UnixMilli())
	if to <= from {
		writeError(w, http.StatusBadRequest, "to must be greater than from")
		return
	}
	limit := queryInt(r, "limit", 1000)

	candles, err := s.store.Range(r.Context(), key, from, to, limit)
	if err != nil {
		s.log.Error("range query failed", append(logger.WithRequest(r.Context()),
			slog.String("key", key.String()), slog.Any("err", err))...)
		writeError(w, http.StatusInternalServerError, "store query failed")
		return
	}
	// Range returns newest first; the API contract is oldest first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"count":   len(candles),
		"candles": toDTOs(candles),
	})
}

// handleStatistics summarizes the cached closed candles for a key.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	key, errMsg := keyFromQuery(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	candles := s.aggr.Cache().Slice(key, 0)

	var closed []model.Candle
	for _, c := range candles {
		if c.Closed {
			closed = append(closed, c)
		}
	}
	if len(closed) == 0 {
		writeError(w, http.StatusNotFound, "no closed candles for "+key.String())
		return
	}

	high, low := closed[0].High, closed[0].Low
	var volSum int64
	for _, c := range closed {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
		volSum += c.Volume
	}
	writeJSON(w, http.StatusOK, statisticsDTO{
		Key:           key,
		Candles:       len(closed),
		FromOpenTime:  closed[0].OpenTime,
		ToOpenTime:    closed[len(closed)-1].OpenTime,
		High:          model.FormatDecimal(high),
		Low:           model.FormatDecimal(low),
		AverageVolume: model.FormatDecimal(volSum / int64(len(closed))),
		LastClose:     model.FormatDecimal(closed[len(closed)-1].Close),
	})
}

type statisticsDTO struct {
	Key           model.Key `json:"key"`
	Candles       int       `json:"candles"`
	FromOpenTime  int64     `json:"from_open_time"`
	ToOpenTime    int64     `json:"to_open_time"`
	High          string    `json:"high"`
	Low           string    `json:"low"`
	AverageVolume string    `json:"average_volume"`
	LastClose     string    `json:"last_close"`
}

func (s *Server) handleDataStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": stats})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.transport.Status())
}

type keyRequest struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
}

func (s *Server) parseKeyBody(r *http.Request) (model.Key, string) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.Key{}, "invalid JSON body"
	}
	if req.Symbol == "" {
		return model.Key{}, "missing symbol"
	}
	market, ok := model.ParseMarket(req.Market)
	if !ok {
		return model.Key{}, "market must be SPOT or FUTURES"
	}
	return model.Key{Symbol: req.Symbol, Market: market}, ""
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	key, errMsg := s.parseKeyBody(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.aggr.SubscribeKey(context.Background(), key); err != nil {
		s.log.Error("subscribe failed", append(logger.WithRequest(r.Context()),
			slog.String("key", key.String()), slog.Any("err", err))...)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("subscribed", append(logger.WithRequest(r.Context()),
		slog.String("key", key.String()))...)
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": key})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	key, errMsg := s.parseKeyBody(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	s.aggr.UnsubscribeKey(key)
	s.log.Info("unsubscribed", append(logger.WithRequest(r.Context()),
		slog.String("key", key.String()))...)
	writeJSON(w, http.StatusOK, map[string]any{"unsubscribed": key})
}

type backfillRequest struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
	From   int64  `json:"from,omitempty"` // ms; 0 means from the listing epoch
	To     int64  `json:"to,omitempty"`   // ms; 0 means the last closed bucket
}

// handleBackfill starts an asynchronous backfill job and returns 202 with
// the job's request ID.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	market, ok := model.ParseMarket(req.Market)
	if !ok || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol or market")
		return
	}
	key := model.Key{Symbol: req.Symbol, Market: market}

	from := req.From
	if from <= 0 {
		from = binanceEpoch
	}
	to := req.To
	if to <= 0 {
		now := time.Now().UnixMilli()
		to = now - now%model.IntervalMs
	}
	if to <= from {
		writeError(w, http.StatusBadRequest, "to must be greater than from")
		return
	}

	jobID := logger.RequestID(r.Context())
	go func() {
		res, err := s.engine.Run(context.Background(), key, from, to)
		if err != nil {
			s.log.Error("backfill job failed",
				slog.String("job_id", jobID), slog.String("key", key.String()), slog.Any("err", err))
			return
		}
		s.log.Info("backfill job finished",
			slog.String("job_id", jobID), slog.String("key", key.String()),
			slog.Bool("success", res.Success), slog.Int("new", res.NewCandles),
			slog.Int("duplicate", res.DuplicateCandles), slog.Int64("duration_ms", res.DurationMs))
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"key":    key,
		"from":   from,
		"to":     to,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryInt64(r *http.Request, name string, fallback int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
