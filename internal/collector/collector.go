// Package collector runs the per-symbol collection pass: fetch the chain, derive the flow
// aggregate, and persist it along with the contracts that changed since last seen.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/flowtrack/internal/chain"
	"github.com/rewired-gh/flowtrack/internal/changecache"
	"github.com/rewired-gh/flowtrack/internal/flow"
	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/markethours"
	"github.com/rewired-gh/flowtrack/internal/metrics"
	"github.com/rewired-gh/flowtrack/internal/models"
	"github.com/rewired-gh/flowtrack/internal/storage"
)

// Store is the subset of the snapshot store the collector writes to.
type Store interface {
	InsertContracts(ctx context.Context, records []models.ContractSnapshot) (storage.InsertResult, error)
	InsertOrReplaceAggregate(ctx context.Context, agg *models.FlowAggregate) error
}

// Notifier receives run outcomes. *telegram.Client implements it.
type Notifier interface {
	SendError(ctx context.Context, err error) error
	SendRecovery(ctx context.Context, failureCount int) error
	SendSummary(ctx context.Context, summary *models.RunSummary) error
}

// Options configures a Collector. Source, Store and Symbols are required.
type Options struct {
	Source   chain.Source
	Store    Store
	Cache    *changecache.Cache
	Schedule *markethours.Schedule
	Metrics  *metrics.Metrics
	Notifier Notifier

	Symbols      []string
	StrikeCount  int
	MinCallDelay time.Duration // between upstream calls
	Interval     time.Duration // between passes in Run

	Force         bool // ignore trading hours
	DryRun        bool // fetch and calculate, write nothing
	NotifySummary bool // send every pass summary, not only failures

	Now func() time.Time
}

// Collector collects options flow for a fixed set of symbols.
type Collector struct {
	opts    Options
	limiter *rate.Limiter

	consecutiveFailures int
}

// New creates a Collector.
func New(opts Options) (*Collector, error) {
	if opts.Source == nil {
		return nil, errors.New("collector: source is required")
	}
	if opts.Store == nil && !opts.DryRun {
		return nil, errors.New("collector: store is required")
	}
	if len(opts.Symbols) == 0 {
		return nil, errors.New("collector: no symbols")
	}
	if opts.Cache == nil {
		opts.Cache = changecache.New()
	}
	if opts.Schedule == nil {
		opts.Schedule = markethours.Default()
	}
	if opts.StrikeCount <= 0 {
		opts.StrikeCount = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	symbols := make([]string, 0, len(opts.Symbols))
	for _, s := range opts.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
	opts.Symbols = symbols

	limit := rate.Inf
	if opts.MinCallDelay > 0 {
		limit = rate.Every(opts.MinCallDelay)
	}
	return &Collector{opts: opts, limiter: rate.NewLimiter(limit, 1)}, nil
}

// Symbols returns the normalized target symbols.
func (c *Collector) Symbols() []string {
	return c.opts.Symbols
}

// CollectOnce runs one pass over every symbol. A symbol's failure never stops the pass;
// if ctx is cancelled the remaining symbols are reported as errors.
func (c *Collector) CollectOnce(ctx context.Context) *models.RunSummary {
	summary := &models.RunSummary{
		RunID:   uuid.NewString(),
		Started: c.opts.Now(),
	}
	logger.Info("Starting collection run %s for %d symbols", summary.RunID, len(c.opts.Symbols))

	for _, symbol := range c.opts.Symbols {
		var res models.SymbolResult
		if err := ctx.Err(); err != nil {
			res = models.SymbolResult{Symbol: symbol, Status: models.StatusError, Message: err.Error()}
		} else {
			res = c.collectSymbol(ctx, symbol)
		}
		c.opts.Metrics.ObserveCollection(symbol, string(res.Status), res.Duration)
		c.logResult(&res)
		summary.Results = append(summary.Results, res)
	}

	summary.Finished = c.opts.Now()
	logger.Info("Collection run %s finished in %v: %d success, %d no-data, %d skipped, %d errors",
		summary.RunID, summary.Finished.Sub(summary.Started),
		summary.Count(models.StatusSuccess)+summary.Count(models.StatusDryRun),
		summary.Count(models.StatusNoData), summary.Count(models.StatusSkippedHours),
		summary.Count(models.StatusError))
	return summary
}

func (c *Collector) collectSymbol(ctx context.Context, symbol string) (res models.SymbolResult) {
	start := c.opts.Now()
	res.Symbol = symbol
	defer func() { res.Duration = c.opts.Now().Sub(start) }()

	if !c.opts.Force && !c.opts.Schedule.IsEligible(symbol, start) {
		res.Status = models.StatusSkippedHours
		res.Message = c.opts.Schedule.Status(symbol, start)
		return res
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return failed(res, fmt.Errorf("pacing: %w", err))
	}

	doc, err := c.opts.Source.FetchChain(ctx, symbol, c.opts.StrikeCount)
	if errors.Is(err, chain.ErrNoData) {
		res.Status = models.StatusNoData
		res.Message = "upstream returned no chain"
		return res
	}
	if err != nil {
		return failed(res, err)
	}

	ts := c.opts.Now().UnixMilli()
	agg, records := flow.FromDocument(symbol, ts, doc)
	res.Contracts = len(records)
	if len(records) == 0 {
		res.Status = models.StatusNoData
		res.Message = "chain has no contracts"
		return res
	}
	res.Aggregate = &agg

	if c.opts.DryRun {
		res.Status = models.StatusDryRun
		return res
	}

	if err := c.opts.Store.InsertOrReplaceAggregate(ctx, &agg); err != nil {
		res.Aggregate = nil
		return failed(res, err)
	}
	c.opts.Metrics.ObserveAggregate(symbol, agg.NetDeltaVolume)

	changed := make([]models.ContractSnapshot, 0, len(records))
	for i := range records {
		if c.opts.Cache.ShouldStoreSnapshot(&records[i]) {
			changed = append(changed, records[i])
		}
	}
	res.Unchanged = len(records) - len(changed)
	c.opts.Metrics.AddContracts("unchanged", res.Unchanged)

	ins, err := c.opts.Store.InsertContracts(ctx, changed)
	if err != nil {
		// let the next pass try these contracts again
		for i := range changed {
			c.opts.Cache.Forget(&changed[i])
		}
		return failed(res, fmt.Errorf("aggregate stored, raw contracts not: %w", err))
	}
	res.Inserted = ins.Inserted
	res.Duplicates = ins.Duplicates
	c.opts.Metrics.AddContracts("inserted", ins.Inserted)
	c.opts.Metrics.AddContracts("duplicate", ins.Duplicates)
	c.opts.Metrics.AddContracts("failed", ins.Failed)

	res.Status = models.StatusSuccess
	return res
}

func failed(res models.SymbolResult, err error) models.SymbolResult {
	res.Status = models.StatusError
	res.Message = err.Error()
	return res
}

func (c *Collector) logResult(res *models.SymbolResult) {
	switch res.Status {
	case models.StatusSuccess, models.StatusDryRun:
		a := res.Aggregate
		logger.Info("%s %s: net=%.0f call=%.0f put=%.0f ratio=%s %s (%.3f), %d contracts, %d new, %d dup, %d unchanged",
			res.Symbol, res.Status, a.NetDeltaVolume, a.CallDeltaVolume, a.PutDeltaVolume,
			formatRatio(a.DeltaRatio), a.Sentiment, a.SentimentStrength,
			res.Contracts, res.Inserted, res.Duplicates, res.Unchanged)
	case models.StatusError:
		logger.Error("%s: collection failed: %s", res.Symbol, res.Message)
	default:
		logger.Debug("%s %s: %s", res.Symbol, res.Status, res.Message)
	}
}

func formatRatio(v float64) string {
	if flow.IsUndefined(v) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}
