package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/internal/pivot"
	"github.com/luckshury/whop-web-app/internal/service/analysiscache"
	"github.com/luckshury/whop-web-app/pkg/cache"
	"github.com/luckshury/whop-web-app/pkg/util"
)

// fakeAnalysisStore implements analysiscache.Store in memory.
type fakeAnalysisStore struct {
	mu       sync.Mutex
	data     map[string]string
	tier     string
	patterns []string
}

func newFakeAnalysisStore() *fakeAnalysisStore {
	return &fakeAnalysisStore{data: make(map[string]string), tier: cache.TierMemory}
}

func (f *fakeAnalysisStore) GetWithTier(_ context.Context, key string, dest interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	*dest.(*string) = v
	return f.tier, nil
}

func (f *fakeAnalysisStore) SetTiered(_ context.Context, key string, value interface{}, _, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	return nil
}

func (f *fakeAnalysisStore) DeleteByPattern(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, pattern)
	prefix := strings.TrimSuffix(pattern, "*")
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
		}
	}
	return nil
}

func newTestAnalysis(t *testing.T, store *MockCandleStore, ex *MockExchange, audit *recordAudit) (*AnalysisUseCase, *fakeAnalysisStore) {
	t.Helper()
	fs := newFakeAnalysisStore()
	svc := analysiscache.New(fs, time.Minute, usecaseLogger(t), nopMetrics{})
	resolver := newTestResolver(t, store, ex, audit)
	uc := NewAnalysisUseCase(resolver, pivot.NewEngine(nil), svc, audit, nopMetrics{}, usecaseLogger(t), AnalysisOptions{})
	return uc, fs
}

// analysisWindow mirrors the grid alignment the pipeline applies to a
// days-long request ending now.
func analysisWindow(days int) (time.Time, time.Time) {
	now := time.Now().UTC()
	return util.AlignUp(now.AddDate(0, 0, -days), models.SourceInterval), util.AlignDown(now, models.SourceInterval)
}

// fromOlderThan matches the from argument of history-depth reads, keeping
// the 30-day frequency window distinct from the short snapshot window.
func fromOlderThan(d time.Duration) interface{} {
	cutoff := time.Now().UTC().Add(-d)
	return mock.MatchedBy(func(ts time.Time) bool { return ts.Before(cutoff) })
}

func fromYoungerThan(d time.Duration) interface{} {
	cutoff := time.Now().UTC().Add(-d)
	return mock.MatchedBy(func(ts time.Time) bool { return !ts.Before(cutoff) })
}

func TestGetAnalysisComputesAndCaches(t *testing.T) {
	from, to := analysisWindow(30)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(gridCandles("BTCUSDT", from, to), nil)

	uc, fs := newTestAnalysis(t, store, ex, &recordAudit{})

	res, source, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "btcusdt", Timeframe: drepo.TFDaily})
	require.NoError(t, err)
	assert.Equal(t, analysiscache.SourceComputed, source)
	assert.Equal(t, "BTCUSDT", res.Ticker)
	assert.Equal(t, "daily", res.Timeframe)
	assert.Equal(t, 30, res.DateRangeDays)
	assert.GreaterOrEqual(t, len(res.PivotTable), 28)
	assert.Greater(t, res.Stats.Scored, 0)
	assert.False(t, res.Degraded)
	assert.Contains(t, fs.data, "analysis:BTCUSDT:daily:30:all")

	// Second read is a cache hit; the pipeline is not re-run.
	res2, source2, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily})
	require.NoError(t, err)
	assert.Equal(t, cache.TierMemory, source2)
	assert.Equal(t, res.Stats.Scored, res2.Stats.Scored)
	store.AssertNumberOfCalls(t, "ReadRange", 1)
	ex.AssertNotCalled(t, "FetchKlines")
}

func TestGetAnalysisForceRecomputes(t *testing.T) {
	from, to := analysisWindow(30)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(gridCandles("BTCUSDT", from, to), nil)

	uc, _ := newTestAnalysis(t, store, ex, &recordAudit{})

	_, _, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily})
	require.NoError(t, err)

	_, source, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily, Force: true})
	require.NoError(t, err)
	assert.Equal(t, analysiscache.SourceComputed, source)
	store.AssertNumberOfCalls(t, "ReadRange", 2)
}

func TestGetAnalysisNormalizesParams(t *testing.T) {
	from, to := analysisWindow(30)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "ETHUSDT", mock.Anything, mock.Anything).
		Return(gridCandles("ETHUSDT", from, to), nil)

	uc, fs := newTestAnalysis(t, store, ex, &recordAudit{})

	// Unknown timeframe falls back to daily, zero days to the default.
	res, _, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "ethusdt", Timeframe: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, "daily", res.Timeframe)
	assert.Equal(t, 30, res.DateRangeDays)
	assert.Contains(t, fs.data, "analysis:ETHUSDT:daily:30:all")

	_, _, err = uc.GetAnalysis(context.Background(), AnalysisParams{})
	assert.Error(t, err)
}

func TestGetAnalysisWeekdayFilterKeysSeparately(t *testing.T) {
	from, to := analysisWindow(30)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(gridCandles("BTCUSDT", from, to), nil)

	uc, fs := newTestAnalysis(t, store, ex, &recordAudit{})

	res, _, err := uc.GetAnalysis(context.Background(), AnalysisParams{
		Ticker:    "BTCUSDT",
		Timeframe: drepo.TFDaily,
		Weekdays:  []int{4, 0, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4}, res.Weekdays)
	assert.Contains(t, fs.data, "analysis:BTCUSDT:daily:30:0-4")
	for _, row := range res.PivotTable {
		wd := (int(row.BucketStart.Weekday()) + 6) % 7
		assert.Contains(t, []int{0, 4}, wd)
	}
}

func TestGetAnalysisCarriesDegradedResolve(t *testing.T) {
	from, to := analysisWindow(30)
	gapEnd := from.AddDate(0, 0, 20)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(gridCandles("BTCUSDT", gapEnd, to), nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(nil, models.NewFetchError("BTCUSDT", "upstream down", true, nil))

	uc, _ := newTestAnalysis(t, store, ex, &recordAudit{})

	res, _, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Warning)
	assert.GreaterOrEqual(t, len(res.PivotTable), 8)
}

func TestGetAnalysisPropagatesResolveFailure(t *testing.T) {
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(nil, nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(nil, models.NewFetchError("BTCUSDT", "bad symbol", false, nil))

	audit := &recordAudit{}
	uc, fs := newTestAnalysis(t, store, ex, audit)

	_, _, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily})
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Empty(t, fs.data)

	computes := audit.byOp(models.OpComputeAnalysis)
	require.Len(t, computes, 1)
	assert.False(t, computes[0].Success)
	assert.NotEmpty(t, computes[0].Error)
}

func TestGetAnalysisWritesAuditEntry(t *testing.T) {
	from, to := analysisWindow(30)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(gridCandles("BTCUSDT", from, to), nil)

	audit := &recordAudit{}
	uc, _ := newTestAnalysis(t, store, ex, audit)

	res, _, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily})
	require.NoError(t, err)

	computes := audit.byOp(models.OpComputeAnalysis)
	require.Len(t, computes, 1)
	assert.True(t, computes[0].Success)
	assert.Equal(t, int64(len(res.PivotTable)), computes[0].RowsAffected)
}

func TestInvalidateDropsCachedAnalyses(t *testing.T) {
	from, to := analysisWindow(30)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(gridCandles("BTCUSDT", from, to), nil)

	uc, fs := newTestAnalysis(t, store, ex, &recordAudit{})

	_, _, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily})
	require.NoError(t, err)
	require.NotEmpty(t, fs.data)

	uc.Invalidate(context.Background(), "BTCUSDT")
	assert.Empty(t, fs.data)
	assert.Contains(t, fs.patterns, "analysis:BTCUSDT:*")

	_, source, err := uc.GetAnalysis(context.Background(), AnalysisParams{Ticker: "BTCUSDT", Timeframe: drepo.TFDaily})
	require.NoError(t, err)
	assert.Equal(t, analysiscache.SourceComputed, source)
	store.AssertNumberOfCalls(t, "ReadRange", 2)
}

func TestSnapshotLookbackSpansBucket(t *testing.T) {
	cases := []struct {
		tf   drepo.Timeframe
		want time.Duration
	}{
		{drepo.TFHourly, 3 * time.Hour},
		{drepo.TF4H, 9 * time.Hour},
		{drepo.TFSession, 26 * time.Hour},
		{drepo.TFDaily, 26 * time.Hour},
		{drepo.TFWeekly, 8 * 24 * time.Hour},
		{drepo.TFMonthly, 33 * 24 * time.Hour},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, snapshotLookback(tc.tf), string(tc.tf))
	}
}

func TestGetSnapshotReturnsProvisionalPivots(t *testing.T) {
	histFrom, to := analysisWindow(30)
	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)
	recentFrom := util.AlignUp(now.Add(-26*time.Hour), models.SourceInterval)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", fromOlderThan(20*24*time.Hour), mock.Anything).
		Return(gridCandles("BTCUSDT", histFrom, to), nil)
	// The short window ends at midnight; the slots since then have not
	// closed upstream yet.
	store.On("ReadRange", mock.Anything, "BTCUSDT", fromYoungerThan(20*24*time.Hour), mock.Anything).
		Return(gridCandles("BTCUSDT", recentFrom, dayStart), nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", fromYoungerThan(20*24*time.Hour), mock.Anything).
		Return(nil, nil)

	uc, _ := newTestAnalysis(t, store, ex, &recordAudit{})

	snap, err := uc.GetSnapshot(context.Background(), "btcusdt", drepo.TFDaily)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", snap.Ticker)
	assert.Equal(t, "daily", snap.Timeframe)
	require.NotNil(t, snap.P1)
	require.NotNil(t, snap.P2)
	assert.Equal(t, 99.0, snap.P1.Level)
	assert.Equal(t, 101.0, snap.P2.Level)
	assert.NotNil(t, snap.FlipRisk)
	assert.Equal(t, dayStart, snap.BucketEnd)
	assert.Equal(t, dayStart.Add(-models.SourceInterval), snap.AsOf)
}

func TestGetSnapshotWithoutHistoryOmitsFlipRisk(t *testing.T) {
	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)
	recentFrom := util.AlignUp(now.Add(-26*time.Hour), models.SourceInterval)
	store := new(MockCandleStore)
	ex := new(MockExchange)
	// A new listing: the 30-day window has nothing upstream either.
	store.On("ReadRange", mock.Anything, "NEWUSDT", fromOlderThan(20*24*time.Hour), mock.Anything).
		Return(nil, nil)
	store.On("ReadRange", mock.Anything, "NEWUSDT", fromYoungerThan(20*24*time.Hour), mock.Anything).
		Return(gridCandles("NEWUSDT", recentFrom, dayStart), nil)
	ex.On("FetchKlines", mock.Anything, "NEWUSDT", mock.Anything, mock.Anything).
		Return(nil, nil)

	uc, _ := newTestAnalysis(t, store, ex, &recordAudit{})

	snap, err := uc.GetSnapshot(context.Background(), "NEWUSDT", drepo.TFDaily)
	require.NoError(t, err)
	require.NotNil(t, snap.P1)
	assert.Nil(t, snap.FlipRisk)
}

func TestGetSnapshotPropagatesHistoryFailure(t *testing.T) {
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(nil, nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(nil, models.NewFetchError("BTCUSDT", "upstream down", true, errors.New("dial timeout")))

	uc, _ := newTestAnalysis(t, store, ex, &recordAudit{})

	_, err := uc.GetSnapshot(context.Background(), "BTCUSDT", drepo.TFDaily)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
}
