package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/pkg/logger"
)

// interval is the only kline granularity this service ingests.
const interval = "15"

// Options configures the Bybit market data client.
type Options struct {
	BaseURL        string
	Category       string
	Timeout        time.Duration
	PageLimit      int
	MaxRetries     int
	RequestsPerSec float64
	Burst          int
}

// Client implements ExchangeClient against the Bybit V5 kline endpoint.
type Client struct {
	baseURL    string
	category   string
	pageLimit  int
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logger.Logger
	metrics    drepo.Metrics
}

// New creates a Bybit kline client.
func New(opts Options, lgr *logger.Logger, metrics drepo.Metrics) drepo.ExchangeClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.bybit.com"
	}
	if opts.Category == "" {
		opts.Category = "linear"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PageLimit <= 0 || opts.PageLimit > 1000 {
		opts.PageLimit = 1000
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		category:   opts.Category,
		pageLimit:  opts.PageLimit,
		maxRetries: opts.MaxRetries,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		logger:     lgr,
		metrics:    metrics,
	}
}

type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string     `json:"category"`
		Symbol   string     `json:"symbol"`
		List     [][]string `json:"list"`
	} `json:"result"`
}

// FetchKlines pulls 15m candles covering [from, to). The range is walked in
// page-sized windows so a long backfill cannot silently truncate: each window
// spans at most pageLimit slots, which Bybit returns in full. Rows come back
// newest-first and string-encoded; the result is ascending, deduplicated, and
// validated, with malformed rows dropped and counted.
func (c *Client) FetchKlines(ctx context.Context, ticker string, from, to time.Time) ([]models.Candle, error) {
	ticker = strings.ToUpper(ticker)
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return nil, nil
	}

	start := time.Now()
	window := time.Duration(c.pageLimit) * models.SourceInterval

	var out []models.Candle
	dropped := 0
	for cursor := from; cursor.Before(to); {
		end := cursor.Add(window)
		if end.After(to) {
			end = to
		}
		list, err := c.fetchPage(ctx, ticker, cursor, end)
		if err != nil {
			c.metrics.RecordFetch("error", len(out), time.Since(start).Seconds())
			return nil, err
		}
		for _, k := range list {
			cd, ok := parseKline(ticker, k)
			if !ok {
				dropped++
				continue
			}
			if cd.Timestamp.Before(from) || !cd.Timestamp.Before(to) {
				continue
			}
			out = append(out, cd)
		}
		cursor = end
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	out = dedupe(out)

	if dropped > 0 {
		c.logger.Warn("dropped malformed klines",
			logger.String("ticker", ticker),
			logger.Int("dropped", dropped),
			logger.Int("kept", len(out)))
		c.metrics.RecordError("kline_integrity")
	}
	c.metrics.RecordFetch("ok", len(out), time.Since(start).Seconds())
	return out, nil
}

// fetchPage requests one bounded kline window with rate limiting and
// exponential backoff. Terminal failures come back as *models.FetchError.
func (c *Client) fetchPage(ctx context.Context, ticker string, from, to time.Time) ([][]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.NewFetchError(ticker, "rate limiter wait", true, err)
	}

	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", ticker)
	q.Set("interval", interval)
	q.Set("start", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(to.Add(-time.Millisecond).UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(c.pageLimit))
	u := fmt.Sprintf("%s/v5/market/kline?%s", c.baseURL, q.Encode())

	var list [][]string
	permanent := false
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			permanent = true
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("bybit status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			permanent = true
			return backoff.Permanent(fmt.Errorf("bybit status %d", resp.StatusCode))
		}

		var kr klineResponse
		if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
			return fmt.Errorf("decode kline response: %w", err)
		}
		if kr.RetCode != 0 {
			// 10006/10018 are Bybit's throttle codes.
			if kr.RetCode == 10006 || kr.RetCode == 10018 {
				return fmt.Errorf("bybit throttled: %s", kr.RetMsg)
			}
			permanent = true
			return backoff.Permanent(fmt.Errorf("bybit api error %d: %s", kr.RetCode, kr.RetMsg))
		}
		list = kr.Result.List
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, models.NewFetchError(ticker, "kline request failed", !permanent, err)
	}
	return list, nil
}

// parseKline converts one Bybit row [startMs, open, high, low, close, volume,
// turnover] into a candle. Returns false for malformed or inconsistent rows.
func parseKline(ticker string, k []string) (models.Candle, bool) {
	if len(k) < 7 {
		return models.Candle{}, false
	}
	ms, err := strconv.ParseInt(k[0], 10, 64)
	if err != nil || ms <= 0 {
		return models.Candle{}, false
	}
	var vals [6]float64
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(k[i+1], 64)
		if err != nil {
			return models.Candle{}, false
		}
		vals[i] = v
	}
	c := models.Candle{
		Ticker:    ticker,
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Turnover:  vals[5],
	}
	if err := c.Validate(); err != nil {
		return models.Candle{}, false
	}
	return c, true
}

func dedupe(candles []models.Candle) []models.Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if c.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, c)
	}
	return out
}
