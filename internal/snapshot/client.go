// Package snapshot fetches REST depth snapshots and normalises them into
// exact-decimal form.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

// Snapshot is a normalised full depth snapshot plus the id it represents.
type Snapshot struct {
	Bids        []schema.PriceLevel
	Asks        []schema.PriceLevel
	UpdateID    uint64
	Checksum    int32
	HasChecksum bool
	FetchedAt   time.Time
}

// Fetcher is what the fleet workers consume; tests substitute fakes.
type Fetcher interface {
	Fetch(ctx context.Context, exchange schema.Exchange, marketType schema.MarketType, symbol string, depth int) (*Snapshot, error)
}

// WeightLimiter admits requests against the shared weight budget.
type WeightLimiter interface {
	Acquire(ctx context.Context, exchange schema.Exchange, weight int) error
	ReportHTTPStatus(exchange schema.Exchange, status int)
}

// NativeSymboler maps canonical symbols to venue instrument ids.
type NativeSymboler interface {
	NativeSymbol(symbol string, marketType schema.MarketType) string
}

const (
	defaultTimeout     = 15 * time.Second
	defaultMinInterval = 30 * time.Second
	defaultMaxRetries  = 5

	// Binance depth weight tiers: shallow snapshots cost 50, deep ones 250.
	weightShallow   = 50
	weightDeep      = 250
	deepDepthCutoff = 500
)

// Client fetches snapshots from the venues' public REST endpoints. It is
// shared by all workers; per-symbol pacing and the weight window serialise
// access internally.
type Client struct {
	httpClient *http.Client
	limiter    WeightLimiter
	symbols    map[schema.Exchange]NativeSymboler

	baseURLs    map[schema.Exchange]string
	minInterval time.Duration
	maxRetries  int

	mu       sync.Mutex
	pacers   map[string]*rate.Limiter
	breakers map[schema.Exchange]*gobreaker.CircuitBreaker
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL points one exchange at a different endpoint (tests, proxies).
func WithBaseURL(exchange schema.Exchange, base string) Option {
	return func(c *Client) { c.baseURLs[exchange] = strings.TrimRight(base, "/") }
}

// WithMinInterval overrides the per-symbol pacing interval.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// WithMaxRetries bounds the retry loop per Fetch call.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a snapshot client. symbols maps each exchange to its symbol
// translator (normally the exchange's decoder).
func New(limiter WeightLimiter, symbols map[schema.Exchange]NativeSymboler, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    limiter,
		symbols:    symbols,
		baseURLs: map[schema.Exchange]string{
			schema.ExchangeBinance:        "https://api.binance.com",
			schema.ExchangeBinanceFutures: "https://fapi.binance.com",
			schema.ExchangeOKX:            "https://www.okx.com",
			schema.ExchangeDeribit:        "https://www.deribit.com",
		},
		minInterval: defaultMinInterval,
		maxRetries:  defaultMaxRetries,
		pacers:      make(map[string]*rate.Limiter),
		breakers:    make(map[schema.Exchange]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves and normalises one depth snapshot. Transient failures are
// retried with exponential backoff; exhaustion surfaces snapshot_unavailable.
func (c *Client) Fetch(ctx context.Context, exchange schema.Exchange, marketType schema.MarketType, symbol string, depth int) (*Snapshot, error) {
	if !exchange.Valid() {
		return nil, errs.New(string(exchange), errs.CodeInvalid,
			errs.WithMessage("unknown exchange"))
	}
	if err := c.pacer(exchange, symbol).Wait(ctx); err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	weight := snapshotWeight(depth)
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		// every attempt is a separate HTTP request; charge each one
		if err := c.limiter.Acquire(ctx, exchange, weight); err != nil {
			return nil, err
		}
		result, err := c.breaker(exchange).Execute(func() (any, error) {
			return c.fetchOnce(ctx, exchange, marketType, symbol, depth)
		})
		if err == nil {
			return result.(*Snapshot), nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, errs.New(string(exchange), errs.CodeSnapshotUnavailable,
		errs.WithSymbol(symbol), errs.WithCause(lastErr))
}

func (c *Client) fetchOnce(ctx context.Context, exchange schema.Exchange, marketType schema.MarketType, symbol string, depth int) (*Snapshot, error) {
	endpoint, err := c.endpoint(exchange, marketType, symbol, depth)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create snapshot request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request snapshot: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.limiter.ReportHTTPStatus(exchange, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		code := errs.CodeUnavailable
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			code = errs.CodeRateLimited
		}
		return nil, errs.New(string(exchange), code,
			errs.WithSymbol(symbol), errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(strings.TrimSpace(string(body))))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}

	snap, err := parseSnapshot(exchange, payload)
	if err != nil {
		return nil, err
	}
	snap.FetchedAt = time.Now().UTC()
	return snap, nil
}

func (c *Client) endpoint(exchange schema.Exchange, marketType schema.MarketType, symbol string, depth int) (string, error) {
	base := c.baseURLs[exchange]
	translator, ok := c.symbols[exchange]
	if !ok {
		return "", errs.New(string(exchange), errs.CodeInvalid,
			errs.WithMessage("no symbol translator configured"))
	}
	native := translator.NativeSymbol(symbol, marketType)

	params := url.Values{}
	switch exchange {
	case schema.ExchangeBinance:
		params.Set("symbol", native)
		params.Set("limit", fmt.Sprintf("%d", depth))
		return base + "/api/v3/depth?" + params.Encode(), nil
	case schema.ExchangeBinanceFutures:
		params.Set("symbol", native)
		params.Set("limit", fmt.Sprintf("%d", depth))
		return base + "/fapi/v1/depth?" + params.Encode(), nil
	case schema.ExchangeOKX:
		params.Set("instId", native)
		params.Set("sz", fmt.Sprintf("%d", depth))
		return base + "/api/v5/market/books?" + params.Encode(), nil
	case schema.ExchangeDeribit:
		params.Set("instrument_name", native)
		params.Set("depth", fmt.Sprintf("%d", depth))
		return base + "/api/v2/public/get_order_book?" + params.Encode(), nil
	}
	return "", errs.New(string(exchange), errs.CodeInvalid)
}

func (c *Client) pacer(exchange schema.Exchange, symbol string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(exchange) + "/" + symbol
	p, ok := c.pacers[key]
	if !ok {
		if c.minInterval <= 0 {
			p = rate.NewLimiter(rate.Inf, 1)
		} else {
			p = rate.NewLimiter(rate.Every(c.minInterval), 1)
		}
		c.pacers[key] = p
	}
	return p
}

func (c *Client) breaker(exchange schema.Exchange) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[exchange]
	if !ok {
		st := gobreaker.Settings{Name: "snapshot-" + string(exchange)}
		st.Timeout = 30 * time.Second
		st.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		}
		b = gobreaker.NewCircuitBreaker(st)
		c.breakers[exchange] = b
	}
	return b
}

func snapshotWeight(depth int) int {
	if depth > deepDepthCutoff {
		return weightDeep
	}
	return weightShallow
}

// retryable reports whether a fetch error is worth another attempt: network
// faults, 5xx, and rate-limit statuses are; other 4xx are not.
func retryable(err error) bool {
	var e *errs.E
	if !errors.As(err, &e) {
		return true
	}
	if e.HTTP == 0 {
		return true
	}
	switch {
	case e.HTTP == http.StatusTooManyRequests, e.HTTP == http.StatusTeapot:
		return true
	case e.HTTP >= 500:
		return true
	default:
		return false
	}
}

type binanceDepthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type okxBooksResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
		SeqID    uint64     `json:"seqId"`
		Checksum int32      `json:"checksum"`
		TS       string     `json:"ts"`
	} `json:"data"`
}

type deribitBookResponse struct {
	Result struct {
		ChangeID uint64              `json:"change_id"`
		Bids     [][]json.RawMessage `json:"bids"`
		Asks     [][]json.RawMessage `json:"asks"`
	} `json:"result"`
}

func parseSnapshot(exchange schema.Exchange, payload []byte) (*Snapshot, error) {
	switch exchange {
	case schema.ExchangeBinance, schema.ExchangeBinanceFutures:
		var body binanceDepthResponse
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("decode depth snapshot: %w", err)
		}
		bids, err := parseStringLevels(body.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := parseStringLevels(body.Asks)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Bids: bids, Asks: asks, UpdateID: body.LastUpdateID}, nil

	case schema.ExchangeOKX:
		var body okxBooksResponse
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("decode books snapshot: %w", err)
		}
		if body.Code != "0" || len(body.Data) == 0 {
			return nil, fmt.Errorf("books snapshot error code %s: %s", body.Code, body.Msg)
		}
		entry := body.Data[0]
		bids, err := parseStringLevels(entry.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := parseStringLevels(entry.Asks)
		if err != nil {
			return nil, err
		}
		return &Snapshot{
			Bids: bids, Asks: asks,
			UpdateID: entry.SeqID, Checksum: entry.Checksum, HasChecksum: true,
		}, nil

	case schema.ExchangeDeribit:
		var body deribitBookResponse
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("decode order book snapshot: %w", err)
		}
		bids, err := parseNumberLevels(body.Result.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := parseNumberLevels(body.Result.Asks)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Bids: bids, Asks: asks, UpdateID: body.Result.ChangeID}, nil
	}
	return nil, errs.New(string(exchange), errs.CodeInvalid)
}

// parseStringLevels handles ["price","qty",...] rows (extra OKX columns ignored).
func parseStringLevels(rows [][]string) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("depth row with %d fields", len(row))
		}
		level, err := schema.NewPriceLevel(row[0], row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, level)
	}
	return out, nil
}

// parseNumberLevels handles [price, amount] rows of JSON numbers, parsing the
// raw tokens so no float conversion happens.
func parseNumberLevels(rows [][]json.RawMessage) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("book row with %d fields", len(row))
		}
		level, err := schema.NewPriceLevel(string(row[0]), string(row[1]))
		if err != nil {
			return nil, err
		}
		out = append(out, level)
	}
	return out, nil
}
