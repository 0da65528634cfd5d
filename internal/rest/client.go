// Package rest is a typed client for the venue's snapshot endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"venuesync/config"
	"venuesync/internal/metrics"
	"venuesync/internal/models"
	"venuesync/logger"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 10
	defaultBurst             = 5
	maxResponseBytes         = 16 << 20
)

var (
	ErrInvalidInterval = errors.New("invalid candle interval")
	ErrInvalidRequest  = errors.New("invalid request")
)

// APIError is a non-2xx response. Code and Message come from the
// {"error": ..., "code": ...} body when the server sends one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond int
	Burst             int
	Transport         http.RoundTripper
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:           cfg.REST.Timeout,
		UserAgent:         cfg.REST.UserAgent,
		RequestsPerSecond: cfg.REST.RateLimit.RequestsPerSecond,
		Burst:             cfg.REST.RateLimit.BurstSize,
	}
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Entry
}

func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: userAgentTransport{agent: opts.UserAgent, base: opts.Transport},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithComponent("rest"),
	}
}

type infoRequest struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id,omitempty"`
	Ticker   string `json:"ticker,omitempty"`
}

func (c *Client) Markets(ctx context.Context) ([]models.Market, error) {
	var resp struct {
		Markets []models.Market `json:"markets"`
	}
	if err := c.post(ctx, "/api/info", infoRequest{Type: "all_markets"}, &resp); err != nil {
		return nil, err
	}
	return resp.Markets, nil
}

func (c *Client) Tokens(ctx context.Context) ([]models.Token, error) {
	var resp struct {
		Tokens []models.Token `json:"tokens"`
	}
	if err := c.post(ctx, "/api/info", infoRequest{Type: "all_tokens"}, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

func (c *Client) Market(ctx context.Context, id string) (models.Market, error) {
	var resp struct {
		Market models.Market `json:"market"`
	}
	if err := c.post(ctx, "/api/info", infoRequest{Type: "market_details", MarketID: id}, &resp); err != nil {
		return models.Market{}, err
	}
	return resp.Market, nil
}

func (c *Client) Token(ctx context.Context, ticker string) (models.Token, error) {
	var resp struct {
		Token models.Token `json:"token"`
	}
	if err := c.post(ctx, "/api/info", infoRequest{Type: "token_details", Ticker: ticker}, &resp); err != nil {
		return models.Token{}, err
	}
	return resp.Token, nil
}

// OrdersQuery filters a user's orders. Empty fields are not sent.
type OrdersQuery struct {
	UserAddress string
	MarketID    string
	Status      models.OrderStatus
	Limit       int
}

// TradesQuery filters a user's trades. Empty fields are not sent.
type TradesQuery struct {
	UserAddress string
	MarketID    string
	Limit       int
}

type userRequest struct {
	Type        string `json:"type"`
	UserAddress string `json:"user_address"`
	MarketID    string `json:"market_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

func (c *Client) Orders(ctx context.Context, q OrdersQuery) ([]models.Order, error) {
	if q.UserAddress == "" {
		return nil, fmt.Errorf("%w: user address is required", ErrInvalidRequest)
	}
	var resp struct {
		Orders []models.Order `json:"orders"`
	}
	req := userRequest{Type: "orders", UserAddress: q.UserAddress, MarketID: q.MarketID, Status: string(q.Status), Limit: q.Limit}
	if err := c.post(ctx, "/api/user", req, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *Client) Balances(ctx context.Context, userAddress string) ([]models.Balance, error) {
	if userAddress == "" {
		return nil, fmt.Errorf("%w: user address is required", ErrInvalidRequest)
	}
	var resp struct {
		Balances []models.Balance `json:"balances"`
	}
	if err := c.post(ctx, "/api/user", userRequest{Type: "balances", UserAddress: userAddress}, &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

func (c *Client) Trades(ctx context.Context, q TradesQuery) ([]models.Trade, error) {
	if q.UserAddress == "" {
		return nil, fmt.Errorf("%w: user address is required", ErrInvalidRequest)
	}
	var resp struct {
		Trades []models.Trade `json:"trades"`
	}
	req := userRequest{Type: "trades", UserAddress: q.UserAddress, MarketID: q.MarketID, Limit: q.Limit}
	if err := c.post(ctx, "/api/user", req, &resp); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

var candleIntervals = map[string]bool{"1m": true, "5m": true, "15m": true, "1h": true, "1d": true}

// CandlesQuery selects OHLCV bars in [From, To]. CountBack, when positive,
// keeps only the most recent bars before To.
type CandlesQuery struct {
	MarketID  string
	Interval  string
	From      time.Time
	To        time.Time
	CountBack int
}

type candlesRequest struct {
	MarketID  string `json:"market_id"`
	Interval  string `json:"interval"`
	From      int64  `json:"from"`
	To        int64  `json:"to"`
	CountBack int    `json:"count_back,omitempty"`
}

// candleWire carries OHLCV as JSON numbers wider than 64 bits.
type candleWire struct {
	Timestamp int64       `json:"timestamp"`
	Open      json.Number `json:"open"`
	High      json.Number `json:"high"`
	Low       json.Number `json:"low"`
	Close     json.Number `json:"close"`
	Volume    json.Number `json:"volume"`
}

func (c *Client) Candles(ctx context.Context, q CandlesQuery) ([]models.Candle, error) {
	if !candleIntervals[q.Interval] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, q.Interval)
	}
	if q.MarketID == "" {
		return nil, fmt.Errorf("%w: market id is required", ErrInvalidRequest)
	}

	var resp struct {
		Candles []candleWire `json:"candles"`
	}
	req := candlesRequest{
		MarketID:  q.MarketID,
		Interval:  q.Interval,
		From:      q.From.Unix(),
		To:        q.To.Unix(),
		CountBack: q.CountBack,
	}
	if err := c.post(ctx, "/api/candles", req, &resp); err != nil {
		return nil, err
	}

	out := make([]models.Candle, 0, len(resp.Candles))
	for _, w := range resp.Candles {
		out = append(out, models.Candle{
			MarketID:  q.MarketID,
			Timestamp: time.Unix(w.Timestamp, 0).UTC(),
			Open:      w.Open.String(),
			High:      w.High.String(),
			Low:       w.Low.String(),
			Close:     w.Close.String(),
			Volume:    w.Volume.String(),
		})
	}
	return out, nil
}

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Message   string `json:"message"`
	Timestamp uint64 `json:"timestamp"`
}

func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &status); err != nil {
		return HealthStatus{}, err
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", path, err)
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.emitRequest(path, "transport_error")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	logger.LogPerformanceEntry(c.log, "rest", path, time.Since(start), logger.Fields{"status": resp.StatusCode})
	c.emitRequest(path, http.StatusText(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Code = payload.Code
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func (c *Client) emitRequest(path, status string) {
	metrics.EmitMetric(logger.GetLogger(), "rest", "requests", 1, metrics.TypeCounter, logger.Fields{
		"path":   path,
		"status": status,
	})
}
