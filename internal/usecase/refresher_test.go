package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/pkg/queue"
	"github.com/luckshury/whop-web-app/pkg/util"
)

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type publishedMessage struct {
	Type    string
	Payload interface{}
}

type fakeQueue struct {
	mu       sync.Mutex
	err      error
	messages []publishedMessage
}

func (q *fakeQueue) PublishMessage(_ context.Context, msgType string, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, publishedMessage{Type: msgType, Payload: payload})
	return nil
}

func (q *fakeQueue) byType(msgType string) []publishedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []publishedMessage
	for _, m := range q.messages {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newTestRefresher(t *testing.T, store *MockCandleStore, ex *MockExchange, audit *recordAudit, q *fakeQueue, locks *fakeLocker, opts RefresherOptions) (*Refresher, *fakeAnalysisStore) {
	t.Helper()
	analysis, fs := newTestAnalysis(t, store, ex, audit)
	resolver := newTestResolver(t, store, ex, audit)
	r := NewRefresher(resolver, analysis, store, q, locks, audit, nopMetrics{}, usecaseLogger(t), opts)
	return r, fs
}

func TestRefreshTopsUpFromLatestWithOverlap(t *testing.T) {
	now := time.Now().UTC()
	latest := util.AlignDown(now, models.SourceInterval).Add(-2 * time.Hour)
	stored := gridCandles("BTCUSDT", latest.Add(-30*time.Minute), latest.Add(models.SourceInterval))
	gap := gridCandles("BTCUSDT", latest.Add(models.SourceInterval), util.AlignDown(now, models.SourceInterval))

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("LatestTimestamp", mock.Anything, "BTCUSDT").Return(latest, true, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(stored, nil)
	store.On("WriteBatch", mock.Anything, mock.Anything).Return(int64(len(gap)), nil)

	var fetchFrom time.Time
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { fetchFrom = args.Get(2).(time.Time) }).
		Return(gap, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, fs := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.refresh(context.Background(), "btcusdt"))

	// The window starts half an hour before the newest stored slot.
	assert.Equal(t, latest.Add(-30*time.Minute), fetchFrom)
	store.AssertNumberOfCalls(t, "ReadRange", 1)

	entries := audit.byOp(models.OpRefresh)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "BTCUSDT", entries[0].Ticker)
	assert.Equal(t, int64(len(gap)), entries[0].RowsAffected)
	assert.Contains(t, fs.patterns, "analysis:BTCUSDT:*")
}

func TestRefreshColdStartUsesShortWindow(t *testing.T) {
	now := time.Now().UTC()
	window := gridCandles("BTCUSDT", util.AlignUp(now.Add(-2*time.Hour), models.SourceInterval), util.AlignDown(now, models.SourceInterval))

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("LatestTimestamp", mock.Anything, "BTCUSDT").Return(time.Time{}, false, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(nil, nil)
	store.On("WriteBatch", mock.Anything, mock.Anything).Return(int64(len(window)), nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(window, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, fs := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.refresh(context.Background(), "BTCUSDT"))

	entries := audit.byOp(models.OpRefresh)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(len(window)), entries[0].RowsAffected)
	assert.Contains(t, fs.patterns, "analysis:BTCUSDT:*")
}

func TestRefreshSkipsWhenLockHeld(t *testing.T) {
	store := new(MockCandleStore)
	ex := new(MockExchange)
	locks := newFakeLocker()
	locks.held["lock:refresh:BTCUSDT"] = true

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, _ := newTestRefresher(t, store, ex, audit, &fakeQueue{}, locks, opts)

	require.NoError(t, r.refresh(context.Background(), "BTCUSDT"))
	store.AssertNotCalled(t, "ReadRange")
	assert.Empty(t, audit.byOp(models.OpRefresh))
}

func TestRefreshProceedsWhenLockBackendDown(t *testing.T) {
	now := time.Now().UTC()
	latest := util.AlignDown(now, models.SourceInterval).Add(-models.SourceInterval)
	stored := gridCandles("BTCUSDT", latest.Add(-30*time.Minute), latest.Add(models.SourceInterval))

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("LatestTimestamp", mock.Anything, "BTCUSDT").Return(latest, true, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(stored, nil)

	locks := newFakeLocker()
	locks.err = errors.New("redis down")

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, _ := newTestRefresher(t, store, ex, audit, &fakeQueue{}, locks, opts)

	require.NoError(t, r.refresh(context.Background(), "BTCUSDT"))

	entries := audit.byOp(models.OpRefresh)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, int64(0), entries[0].RowsAffected)
}

func TestRefreshFailureAuditsAndPropagates(t *testing.T) {
	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("LatestTimestamp", mock.Anything, "BTCUSDT").Return(time.Time{}, false, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(nil, nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).
		Return(nil, models.NewFetchError("BTCUSDT", "upstream down", true, nil))

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, fs := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	err := r.refresh(context.Background(), "BTCUSDT")
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)

	entries := audit.byOp(models.OpRefresh)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.NotEmpty(t, entries[0].Error)
	assert.Empty(t, fs.patterns)
}

func TestRefreshWarmsPriorityPair(t *testing.T) {
	now := time.Now().UTC()
	latest := util.AlignDown(now, models.SourceInterval).Add(-models.SourceInterval)
	stored := gridCandles("BTCUSDT", latest.Add(-30*time.Minute), latest.Add(models.SourceInterval))
	histFrom, histTo := analysisWindow(30)

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("LatestTimestamp", mock.Anything, "BTCUSDT").Return(latest, true, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", fromYoungerThan(20*24*time.Hour), mock.Anything).
		Return(stored, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", fromOlderThan(20*24*time.Hour), mock.Anything).
		Return(gridCandles("BTCUSDT", histFrom, histTo), nil)

	audit := &recordAudit{}
	opts := RefresherOptions{
		Pairs:          []Pair{{Ticker: "BTCUSDT", Priority: 1}},
		WarmTimeframes: []string{"daily", "weekly"},
	}
	r, fs := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.refresh(context.Background(), "BTCUSDT"))

	assert.Contains(t, fs.data, "analysis:BTCUSDT:daily:30:all")
	assert.Contains(t, fs.data, "analysis:BTCUSDT:weekly:30:all")
	// One top-up read plus one per warmed combination.
	store.AssertNumberOfCalls(t, "ReadRange", 3)
}

func TestBackfillFetchesMissingHistory(t *testing.T) {
	now := time.Now().UTC()
	from := util.AlignUp(now.AddDate(0, 0, -30), models.SourceInterval)
	holeEnd := util.AlignUp(now.AddDate(0, 0, -15), models.SourceInterval)
	stored := gridCandles("BTCUSDT", holeEnd, util.AlignDown(now, models.SourceInterval))
	gap := gridCandles("BTCUSDT", from, holeEnd)

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("EarliestTimestamp", mock.Anything, "BTCUSDT").Return(holeEnd, true, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(stored, nil)
	store.On("WriteBatch", mock.Anything, mock.Anything).Return(int64(len(gap)), nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(gap, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, fs := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.backfill(context.Background(), "BTCUSDT", 30, false))

	entries := audit.byOp(models.OpBackfill)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, int64(len(gap)), entries[0].RowsAffected)
	assert.Contains(t, fs.patterns, "analysis:BTCUSDT:*")
}

func TestBackfillSkipsPreListingChunks(t *testing.T) {
	now := time.Now().UTC()
	listed := util.AlignUp(now.AddDate(0, 0, -30), models.SourceInterval)
	stored := gridCandles("BTCUSDT", listed, util.AlignDown(now, models.SourceInterval))

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("EarliestTimestamp", mock.Anything, "BTCUSDT").Return(listed, true, nil)
	// The chunk before listing has nothing anywhere; the recent chunk is
	// fully stored.
	store.On("ReadRange", mock.Anything, "BTCUSDT", fromOlderThan(45*24*time.Hour), mock.Anything).
		Return(nil, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", fromYoungerThan(45*24*time.Hour), mock.Anything).
		Return(stored, nil)
	ex.On("FetchKlines", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(nil, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, _ := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.backfill(context.Background(), "BTCUSDT", 60, false))

	store.AssertNumberOfCalls(t, "ReadRange", 2)
	entries := audit.byOp(models.OpBackfill)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, int64(0), entries[0].RowsAffected)
}

func TestBackfillSkipsWhenCovered(t *testing.T) {
	now := time.Now().UTC()

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("EarliestTimestamp", mock.Anything, "BTCUSDT").Return(now.AddDate(0, 0, -800), true, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, _ := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.backfill(context.Background(), "BTCUSDT", 730, false))

	store.AssertNotCalled(t, "ReadRange")
	entries := audit.byOp(models.OpBackfill)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, int64(0), entries[0].RowsAffected)
}

func TestBackfillForceIgnoresCoverage(t *testing.T) {
	now := time.Now().UTC()
	stored := gridCandles("BTCUSDT", util.AlignUp(now.AddDate(0, 0, -30), models.SourceInterval), util.AlignDown(now, models.SourceInterval))

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(stored, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2}}}
	r, _ := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.backfill(context.Background(), "BTCUSDT", 30, true))

	store.AssertNotCalled(t, "EarliestTimestamp")
	store.AssertNumberOfCalls(t, "ReadRange", 1)
}

func TestBackfillDefaultsDaysFromPair(t *testing.T) {
	now := time.Now().UTC()
	stored := gridCandles("BTCUSDT", util.AlignUp(now.AddDate(0, 0, -60), models.SourceInterval), util.AlignDown(now, models.SourceInterval))

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("EarliestTimestamp", mock.Anything, "BTCUSDT").Return(time.Time{}, false, nil)
	store.On("ReadRange", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything).Return(stored, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Priority: 2, BackfillDays: 60}}}
	r, _ := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	require.NoError(t, r.backfill(context.Background(), "BTCUSDT", 0, false))

	// 60 days walk in two month-sized chunks.
	store.AssertNumberOfCalls(t, "ReadRange", 2)
}

func TestStartEnqueuesBackfillForShortCoverage(t *testing.T) {
	now := time.Now().UTC()

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("EarliestTimestamp", mock.Anything, "BTCUSDT").Return(now.AddDate(0, 0, -800), true, nil)
	store.On("EarliestTimestamp", mock.Anything, "ETHUSDT").Return(now.AddDate(0, 0, -10), true, nil)

	q := &fakeQueue{}
	opts := RefresherOptions{Pairs: []Pair{
		{Ticker: "BTCUSDT", Priority: 1},
		{Ticker: "ETHUSDT", Priority: 2},
	}}
	r, _ := newTestRefresher(t, store, ex, &recordAudit{}, q, newFakeLocker(), opts)

	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(context.Background()) }()

	assert.Eventually(t, func() bool {
		return len(q.byType(JobTypeBackfill)) == 1
	}, time.Second, 10*time.Millisecond)

	msgs := q.byType(JobTypeBackfill)
	payload, ok := msgs[0].Payload.(BackfillPayload)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", payload.Ticker)
	assert.Equal(t, 730, payload.Days)
}

func TestStartRejectsBadCron(t *testing.T) {
	store := new(MockCandleStore)
	ex := new(MockExchange)
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT", Interval: "not a cron"}}}
	r, _ := newTestRefresher(t, store, ex, &recordAudit{}, &fakeQueue{}, newFakeLocker(), opts)

	assert.Error(t, r.Start(context.Background()))
}

func TestEnqueueRefreshPublishes(t *testing.T) {
	q := &fakeQueue{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "BTCUSDT"}}}
	r, _ := newTestRefresher(t, new(MockCandleStore), new(MockExchange), &recordAudit{}, q, newFakeLocker(), opts)

	require.NoError(t, r.EnqueueRefresh(context.Background(), " btcusdt "))
	msgs := q.byType(JobTypeRefresh)
	require.Len(t, msgs, 1)
	assert.Equal(t, RefreshPayload{Ticker: "BTCUSDT"}, msgs[0].Payload)

	assert.Error(t, r.EnqueueRefresh(context.Background(), "  "))

	q.err = errors.New("queue down")
	assert.Error(t, r.EnqueueRefresh(context.Background(), "BTCUSDT"))
}

func TestJobsParseRawPayloads(t *testing.T) {
	now := time.Now().UTC()
	latest := util.AlignDown(now, models.SourceInterval).Add(-models.SourceInterval)
	stored := gridCandles("ETHUSDT", latest.Add(-30*time.Minute), latest.Add(models.SourceInterval))

	store := new(MockCandleStore)
	ex := new(MockExchange)
	store.On("LatestTimestamp", mock.Anything, "ETHUSDT").Return(latest, true, nil)
	store.On("ReadRange", mock.Anything, "ETHUSDT", mock.Anything, mock.Anything).Return(stored, nil)

	audit := &recordAudit{}
	opts := RefresherOptions{Pairs: []Pair{{Ticker: "ETHUSDT", Priority: 2}}}
	r, _ := newTestRefresher(t, store, ex, audit, &fakeQueue{}, newFakeLocker(), opts)

	jobs := r.Jobs()
	require.Len(t, jobs, 2)
	byType := make(map[string]queue.Job, len(jobs))
	for _, j := range jobs {
		byType[j.Type()] = j
	}
	require.Contains(t, byType, JobTypeRefresh)
	require.Contains(t, byType, JobTypeBackfill)

	// Payloads arrive as raw JSON after a queue round-trip.
	err := byType[JobTypeRefresh].Handle(context.Background(), json.RawMessage(`{"ticker":"ethusdt"}`))
	require.NoError(t, err)
	entries := audit.byOp(models.OpRefresh)
	require.Len(t, entries, 1)
	assert.Equal(t, "ETHUSDT", entries[0].Ticker)

	err = byType[JobTypeRefresh].Handle(context.Background(), json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestPairsOrderedByPriority(t *testing.T) {
	opts := RefresherOptions{Pairs: []Pair{
		{Ticker: "dogeusdt", Priority: 3},
		{Ticker: "btcusdt", Priority: 1},
		{Ticker: "ethusdt", Priority: 1},
	}}
	r, _ := newTestRefresher(t, new(MockCandleStore), new(MockExchange), &recordAudit{}, &fakeQueue{}, newFakeLocker(), opts)

	pairs := r.Pairs()
	require.Len(t, pairs, 3)
	assert.Equal(t, "BTCUSDT", pairs[0].Ticker)
	assert.Equal(t, "ETHUSDT", pairs[1].Ticker)
	assert.Equal(t, "DOGEUSDT", pairs[2].Ticker)
	assert.Equal(t, 730, pairs[0].BackfillDays)
}
