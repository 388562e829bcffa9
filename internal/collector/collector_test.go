package collector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/flowtrack/internal/chain"
	"github.com/rewired-gh/flowtrack/internal/markethours"
	"github.com/rewired-gh/flowtrack/internal/models"
	"github.com/rewired-gh/flowtrack/internal/storage"
)

const exampleDoc = `{
	"underlying": {"mark": 620.125},
	"callExpDateMap": {"2025-07-03:2": {
		"620.0": [{"totalVolume": 100, "delta": 0.6, "openInterest": 1000}],
		"625.0": [{"totalVolume": 50, "delta": 0.4, "openInterest": 500}]
	}},
	"putExpDateMap": {"2025-07-03:2": {
		"615.0": [{"totalVolume": 80, "delta": -0.3, "openInterest": 700}],
		"610.0": [{"totalVolume": 20, "delta": -0.5, "openInterest": 300}]
	}}
}`

type fakeSource struct {
	mu    sync.Mutex
	docs  map[string]string
	errs  map[string]error
	calls []string
}

func (f *fakeSource) FetchChain(ctx context.Context, symbol string, strikeCount int) (chain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol)
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	doc, ok := f.docs[symbol]
	if !ok {
		return nil, chain.ErrNoData
	}
	return chain.Document(doc), nil
}

type fakeStore struct {
	aggregates   []models.FlowAggregate
	contracts    []models.ContractSnapshot
	aggErr       error
	contractsErr error
}

func (f *fakeStore) InsertContracts(ctx context.Context, records []models.ContractSnapshot) (storage.InsertResult, error) {
	if f.contractsErr != nil {
		return storage.InsertResult{}, f.contractsErr
	}
	f.contracts = append(f.contracts, records...)
	return storage.InsertResult{Inserted: len(records)}, nil
}

func (f *fakeStore) InsertOrReplaceAggregate(ctx context.Context, agg *models.FlowAggregate) error {
	if f.aggErr != nil {
		return f.aggErr
	}
	f.aggregates = append(f.aggregates, *agg)
	return nil
}

type fakeNotifier struct {
	errs       []error
	recoveries []int
	summaries  int
}

func (f *fakeNotifier) SendError(_ context.Context, err error) error {
	f.errs = append(f.errs, err)
	return nil
}

func (f *fakeNotifier) SendRecovery(_ context.Context, n int) error {
	f.recoveries = append(f.recoveries, n)
	return nil
}

func (f *fakeNotifier) SendSummary(context.Context, *models.RunSummary) error {
	f.summaries++
	return nil
}

func clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// Tuesday 2025-07-01 10:00 ET
var inSession = time.Date(2025, 7, 1, 10, 0, 0, 0, markethours.Eastern)

func newTestCollector(t *testing.T, src chain.Source, store Store, mutate func(*Options)) *Collector {
	t.Helper()
	opts := Options{
		Source:  src,
		Store:   store,
		Symbols: []string{"SPY"},
		Now:     clock(inSession),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func result(t *testing.T, s *models.RunSummary, symbol string) models.SymbolResult {
	t.Helper()
	for _, r := range s.Results {
		if r.Symbol == symbol {
			return r
		}
	}
	t.Fatalf("no result for %s", symbol)
	return models.SymbolResult{}
}

func TestCollectOnceStoresAggregateAndContracts(t *testing.T) {
	store := &fakeStore{}
	c := newTestCollector(t, &fakeSource{docs: map[string]string{"SPY": exampleDoc}}, store, nil)

	summary := c.CollectOnce(context.Background())
	require.Len(t, summary.Results, 1)
	assert.NotEmpty(t, summary.RunID)
	assert.False(t, summary.Failed())

	res := result(t, summary, "SPY")
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 4, res.Contracts)
	assert.Equal(t, 4, res.Inserted)
	require.NotNil(t, res.Aggregate)
	assert.Equal(t, 2.35, res.Aggregate.DeltaRatio)
	assert.Equal(t, models.Bullish, res.Aggregate.Sentiment)

	require.Len(t, store.aggregates, 1)
	assert.Equal(t, inSession.UnixMilli(), store.aggregates[0].Timestamp)
	assert.Len(t, store.contracts, 4)
	for _, rec := range store.contracts {
		assert.Equal(t, inSession.UnixMilli(), rec.Timestamp)
	}
}

func TestCollectOnceSkipsUnchangedContracts(t *testing.T) {
	store := &fakeStore{}
	c := newTestCollector(t, &fakeSource{docs: map[string]string{"SPY": exampleDoc}}, store, nil)

	c.CollectOnce(context.Background())
	summary := c.CollectOnce(context.Background())

	res := result(t, summary, "SPY")
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 4, res.Unchanged)
	assert.Zero(t, res.Inserted)
	assert.Len(t, store.aggregates, 2, "aggregate is written every pass")
	assert.Len(t, store.contracts, 4, "raw rows only on change")
}

func TestCollectOnceHonorsTradingHours(t *testing.T) {
	src := &fakeSource{docs: map[string]string{"SPY": exampleDoc, "AAPL": exampleDoc}}
	afterClose := time.Date(2025, 7, 1, 16, 10, 0, 0, markethours.Eastern)
	c := newTestCollector(t, src, &fakeStore{}, func(o *Options) {
		o.Symbols = []string{"aapl", "spy"}
		o.Now = clock(afterClose)
	})

	summary := c.CollectOnce(context.Background())
	assert.Equal(t, models.StatusSkippedHours, result(t, summary, "AAPL").Status)
	assert.Contains(t, result(t, summary, "AAPL").Message, "Market Closed")
	assert.Equal(t, models.StatusSuccess, result(t, summary, "SPY").Status)
	assert.Equal(t, []string{"SPY"}, src.calls)

	forced := newTestCollector(t, src, &fakeStore{}, func(o *Options) {
		o.Symbols = []string{"AAPL"}
		o.Now = clock(afterClose)
		o.Force = true
	})
	assert.Equal(t, models.StatusSuccess, result(t, forced.CollectOnce(context.Background()), "AAPL").Status)
}

func TestCollectOnceIsolatesFailures(t *testing.T) {
	src := &fakeSource{
		docs: map[string]string{"SPY": exampleDoc, "IWM": `{"callExpDateMap":{}}`},
		errs: map[string]error{"QQQ": errors.New("connection refused")},
	}
	c := newTestCollector(t, src, &fakeStore{}, func(o *Options) {
		o.Symbols = []string{"QQQ", "DIA", "IWM", "SPY"}
	})

	summary := c.CollectOnce(context.Background())
	require.Len(t, summary.Results, 4)
	assert.Equal(t, models.StatusError, result(t, summary, "QQQ").Status)
	assert.Contains(t, result(t, summary, "QQQ").Message, "connection refused")
	assert.Equal(t, models.StatusNoData, result(t, summary, "DIA").Status)
	assert.Equal(t, models.StatusNoData, result(t, summary, "IWM").Status)
	assert.Equal(t, models.StatusSuccess, result(t, summary, "SPY").Status)
	assert.True(t, summary.Failed())
}

func TestCollectOnceAggregateFailure(t *testing.T) {
	store := &fakeStore{aggErr: storage.ErrStoreBusy}
	c := newTestCollector(t, &fakeSource{docs: map[string]string{"SPY": exampleDoc}}, store, nil)

	res := result(t, c.CollectOnce(context.Background()), "SPY")
	assert.Equal(t, models.StatusError, res.Status)
	assert.Nil(t, res.Aggregate)
	assert.Empty(t, store.contracts)
}

func TestCollectOnceRawFailureRetriesNextPass(t *testing.T) {
	store := &fakeStore{contractsErr: errors.New("disk full")}
	c := newTestCollector(t, &fakeSource{docs: map[string]string{"SPY": exampleDoc}}, store, nil)

	res := result(t, c.CollectOnce(context.Background()), "SPY")
	assert.Equal(t, models.StatusError, res.Status)
	assert.Contains(t, res.Message, "disk full")
	assert.Len(t, store.aggregates, 1)

	store.contractsErr = nil
	res = result(t, c.CollectOnce(context.Background()), "SPY")
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 4, res.Inserted, "contracts forgotten after the failed write")
}

func TestCollectOnceDryRun(t *testing.T) {
	c := newTestCollector(t, &fakeSource{docs: map[string]string{"SPY": exampleDoc}}, nil, func(o *Options) {
		o.DryRun = true
	})
	res := result(t, c.CollectOnce(context.Background()), "SPY")
	assert.Equal(t, models.StatusDryRun, res.Status)
	require.NotNil(t, res.Aggregate)
	assert.Equal(t, 46.0, res.Aggregate.NetDeltaVolume)
}

func TestCollectOnceCancelled(t *testing.T) {
	src := &fakeSource{docs: map[string]string{"SPY": exampleDoc}}
	c := newTestCollector(t, src, &fakeStore{}, func(o *Options) { o.Symbols = []string{"SPY", "QQQ"} })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := c.CollectOnce(ctx)
	require.Len(t, summary.Results, 2)
	for _, r := range summary.Results {
		assert.Equal(t, models.StatusError, r.Status)
	}
	assert.Empty(t, src.calls)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Store: &fakeStore{}, Symbols: []string{"SPY"}})
	assert.Error(t, err)
	_, err = New(Options{Source: &fakeSource{}, Symbols: []string{"SPY"}})
	assert.Error(t, err)
	_, err = New(Options{Source: &fakeSource{}, Store: &fakeStore{}})
	assert.Error(t, err)
}

func TestHandleCycleResultNotifiesOnceAndRecovers(t *testing.T) {
	n := &fakeNotifier{}
	c := newTestCollector(t, &fakeSource{}, &fakeStore{}, func(o *Options) { o.Notifier = n })
	bad := &models.RunSummary{Results: []models.SymbolResult{{Symbol: "SPY", Status: models.StatusError, Message: "boom"}}}
	good := &models.RunSummary{Results: []models.SymbolResult{{Symbol: "SPY", Status: models.StatusSuccess}}}

	ctx := context.Background()
	c.handleCycleResult(ctx, bad)
	c.handleCycleResult(ctx, bad)
	c.handleCycleResult(ctx, good)
	c.handleCycleResult(ctx, good)

	require.Len(t, n.errs, 1)
	assert.Equal(t, "SPY: boom", n.errs[0].Error())
	assert.Equal(t, []int{2}, n.recoveries)
	assert.Zero(t, n.summaries)
}

func TestRunWaitsForOpenAndStopsOnCancel(t *testing.T) {
	src := &fakeSource{docs: map[string]string{"SPY": exampleDoc}}
	saturday := time.Date(2025, 7, 5, 12, 0, 0, 0, markethours.Eastern)
	c := newTestCollector(t, src, &fakeStore{}, func(o *Options) { o.Now = clock(saturday) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
	assert.Empty(t, src.calls)
}

func TestRunCollectsUntilCancelled(t *testing.T) {
	src := &fakeSource{docs: map[string]string{"SPY": exampleDoc}}
	store := &fakeStore{}
	n := &fakeNotifier{}
	c := newTestCollector(t, src, store, func(o *Options) {
		o.Interval = 10 * time.Millisecond
		o.Notifier = n
		o.NotifySummary = true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	src.mu.Lock()
	calls := len(src.calls)
	src.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
	assert.GreaterOrEqual(t, n.summaries, 2)
	assert.Empty(t, n.errs)
}

type cancellingSource struct {
	cancel context.CancelFunc
}

func (s cancellingSource) FetchChain(ctx context.Context, symbol string, strikeCount int) (chain.Document, error) {
	s.cancel()
	return nil, ctx.Err()
}

func TestRunShutdownMidPassDoesNotNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &fakeNotifier{}
	c := newTestCollector(t, cancellingSource{cancel: cancel}, &fakeStore{}, func(o *Options) {
		o.Symbols = []string{"SPY", "QQQ", "IWM"}
		o.Notifier = n
	})

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, n.errs)
	assert.Zero(t, c.consecutiveFailures)
}

func TestCollectorWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.DefaultConfig(filepath.Join(t.TempDir(), "options.db")))
	require.NoError(t, err)
	defer store.Close()

	c := newTestCollector(t, &fakeSource{docs: map[string]string{"SPY": exampleDoc}}, store, nil)
	res := result(t, c.CollectOnce(ctx), "SPY")
	require.Equal(t, models.StatusSuccess, res.Status, res.Message)

	latest, err := store.LatestAggregate(ctx, "SPY")
	require.NoError(t, err)
	assert.Equal(t, *res.Aggregate, latest)

	rows, err := store.ContractsAt(ctx, "SPY", inSession.UnixMilli())
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}
