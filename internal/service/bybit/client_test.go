package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/pkg/logger"
)

type stubMetrics struct {
	fetchRows int32
	errors    int32
}

func (m *stubMetrics) RecordCacheHit(string)         {}
func (m *stubMetrics) RecordCacheMiss(string)        {}
func (m *stubMetrics) RecordCompute(string, float64) {}
func (m *stubMetrics) RecordStoreWrite(int64)        {}
func (m *stubMetrics) RecordRefreshJob(string)       {}
func (m *stubMetrics) RecordFetch(result string, rows int, _ float64) {
	if result == "ok" {
		atomic.AddInt32(&m.fetchRows, int32(rows))
	}
}
func (m *stubMetrics) RecordError(string) { atomic.AddInt32(&m.errors, 1) }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return lgr
}

func newTestClient(t *testing.T, base string, pageLimit int, m *stubMetrics) *Client {
	t.Helper()
	c := New(Options{
		BaseURL:        base,
		PageLimit:      pageLimit,
		MaxRetries:     2,
		RequestsPerSec: 1000,
		Burst:          1000,
	}, testLogger(t), m)
	return c.(*Client)
}

// row builds one Bybit kline row in wire order: startMs, o, h, l, c, vol, turnover.
func row(ts time.Time, open, high, low, close float64) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		strconv.FormatInt(ts.UnixMilli(), 10),
		f(open), f(high), f(low), f(close), "100", "1000000",
	}
}

func serveList(w http.ResponseWriter, list [][]string) {
	resp := map[string]interface{}{
		"retCode": 0,
		"retMsg":  "OK",
		"result":  map[string]interface{}{"category": "linear", "symbol": "BTCUSDT", "list": list},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestFetchKlinesReversesNewestFirst(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "15", r.URL.Query().Get("interval"))
		// Bybit returns newest first.
		serveList(w, [][]string{
			row(base.Add(30*time.Minute), 102, 103, 101, 102.5),
			row(base.Add(15*time.Minute), 101, 102, 100, 101.5),
			row(base, 100, 101, 99, 100.5),
		})
	}))
	defer srv.Close()

	m := &stubMetrics{}
	c := newTestClient(t, srv.URL, 1000, m)
	got, err := c.FetchKlines(context.Background(), "btcusdt", base, base.Add(45*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Equal(base))
	assert.True(t, got[2].Timestamp.Equal(base.Add(30*time.Minute)))
	assert.Equal(t, "BTCUSDT", got[0].Ticker)
	assert.Equal(t, 100.5, got[0].Close)
	assert.Equal(t, 1000000.0, got[0].Turnover)
	assert.Equal(t, int32(3), m.fetchRows)
}

func TestFetchKlinesPaginatesInWindows(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		startMs, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
		require.NoError(t, err)
		endMs, err := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
		require.NoError(t, err)
		var list [][]string
		for ts := time.UnixMilli(startMs).UTC(); ts.UnixMilli() <= endMs; ts = ts.Add(models.SourceInterval) {
			list = append([][]string{row(ts, 100, 101, 99, 100)}, list...)
		}
		serveList(w, list)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 4, &stubMetrics{})
	// Ten slots with a page limit of four means three windows.
	got, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base.Add(10*models.SourceInterval))
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
	for i := 1; i < len(got); i++ {
		assert.Equal(t, models.SourceInterval, got[i].Timestamp.Sub(got[i-1].Timestamp))
	}
}

func TestFetchKlinesDropsMalformedRows(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveList(w, [][]string{
			row(base.Add(30*time.Minute), 102, 103, 101, 102.5),
			{strconv.FormatInt(base.Add(15*time.Minute).UnixMilli(), 10), "not-a-number", "102", "100", "101.5", "100", "0"},
			{"12345"}, // truncated row
			row(base, 100, 101, 99, 100.5),
		})
	}))
	defer srv.Close()

	m := &stubMetrics{}
	c := newTestClient(t, srv.URL, 1000, m)
	got, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base.Add(45*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(base))
	assert.True(t, got[1].Timestamp.Equal(base.Add(30*time.Minute)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&m.errors))
}

func TestFetchKlinesRetriesServerError(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		serveList(w, [][]string{row(base, 100, 101, 99, 100.5)})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1000, &stubMetrics{})
	got, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&requests), int32(2))
}

func TestFetchKlinesRetriesThrottleCode(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"retCode": 10006, "retMsg": "too many visits"})
			return
		}
		serveList(w, [][]string{row(base, 100, 101, 99, 100.5)})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1000, &stubMetrics{})
	got, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestFetchKlinesAPIErrorIsPermanent(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"retCode": 10001, "retMsg": "params error: symbol invalid"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1000, &stubMetrics{})
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := c.FetchKlines(context.Background(), "NOPEUSDT", base, base.Add(15*time.Minute))
	require.Error(t, err)
	var fe *models.FetchError
	require.True(t, errors.As(err, &fe))
	assert.False(t, fe.Retryable)
	assert.Equal(t, "NOPEUSDT", fe.Ticker)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestFetchKlinesNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	srv.Close() // connection refused from here on

	c := newTestClient(t, srv.URL, 1000, &stubMetrics{})
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base.Add(15*time.Minute))
	require.Error(t, err)
	var fe *models.FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Retryable)
}

func TestFetchKlinesClipsToRange(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server over-answers with rows outside the requested range.
		serveList(w, [][]string{
			row(base.Add(30*time.Minute), 102, 103, 101, 102.5), // == to, excluded
			row(base.Add(15*time.Minute), 101, 102, 100, 101.5),
			row(base, 100, 101, 99, 100.5),
			row(base.Add(-15*time.Minute), 99, 100, 98, 99.5), // before from
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1000, &stubMetrics{})
	got, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(base))
	assert.True(t, got[1].Timestamp.Equal(base.Add(15*time.Minute)))
}

func TestFetchKlinesEmptyRange(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		serveList(w, nil)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1000, &stubMetrics{})
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests))
}

func TestFetchKlinesDeduplicatesOverlap(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveList(w, [][]string{
			row(base.Add(15*time.Minute), 101, 102, 100, 101.5),
			row(base, 100, 101, 99, 100.5),
			row(base, 100, 101, 99, 100.5), // duplicate slot
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1000, &stubMetrics{})
	got, err := c.FetchKlines(context.Background(), "BTCUSDT", base, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestParseKlineRejectsInvalidOHLC(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		k    []string
	}{
		{"high below low", row(ts, 100, 99, 101, 100)},
		{"zero timestamp", []string{"0", "100", "101", "99", "100", "1", "1"}},
		{"negative price", row(ts, -1, 101, 99, 100)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := parseKline("BTCUSDT", tc.k)
			assert.False(t, ok)
		})
	}
}
