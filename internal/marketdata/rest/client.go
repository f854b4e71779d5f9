// Package rest fetches historical klines from the upstream paginated REST
// API. Spot and futures differ only by base URL.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candlefeedv1/internal/marketdata/kline"
	"candlefeedv1/internal/model"
)

const requestTimeout = 10 * time.Second

// Config holds the upstream REST endpoints.
type Config struct {
	SpotBaseURL    string // e.g. "https://api.binance.com"
	FuturesBaseURL string // e.g. "https://fapi.binance.com"
}

// Client issues kline requests against the upstream REST API.
type Client struct {
	cfg   Config
	httpc *http.Client
}

// New creates a Client with the standard 10s request timeout.
func New(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: requestTimeout},
	}
}

// APIError is a non-200 upstream response. Status 429 and 5xx are transient;
// any other 4xx is fatal for the request.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream status %d (code %d): %s", e.Status, e.Code, e.Msg)
}

// Transient reports whether the request may be retried.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Transient classifies any error from Klines: API errors by status class,
// everything else (timeouts, connection resets) as retriable.
func Transient(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Transient()
	}
	return true
}

func (c *Client) klinesURL(key model.Key, start, end int64, limit int) (string, error) {
	var base, path string
	switch key.Market {
	case model.MarketSpot:
		base, path = c.cfg.SpotBaseURL, "/api/v3/klines"
	case model.MarketFutures:
		base, path = c.cfg.FuturesBaseURL, "/fapi/v1/klines"
	default:
		return "", fmt.Errorf("unknown market %q", key.Market)
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", key.Symbol)
	q.Set("interval", model.IntervalName)
	q.Set("startTime", strconv.FormatInt(start, 10))
	q.Set("endTime", strconv.FormatInt(end, 10))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Klines fetches one page of candles for [start, end]. Rows that fail
// validation abort the call; the upstream either sends a clean page or the
// page is not trusted.
func (c *Client) Klines(ctx context.Context, key model.Key, start, end int64, limit int) ([]model.Candle, error) {
	u, err := c.klinesURL(key, start, end, limit)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]model.Candle, 0, len(raw))
	for i, row := range raw {
		cd, err := kline.DecodeREST(key, row)
		if err != nil {
			return nil, fmt.Errorf("kline[%d]: %w", i, err)
		}
		out = append(out, cd)
	}
	return out, nil
}

func apiError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Msg = payload.Msg
	}
	if apiErr.Msg == "" {
		apiErr.Msg = resp.Status
	}
	return apiErr
}
