// Package backfill recomputes flow aggregates from raw contract history already in the
// store. Re-running it over an aggregated period is a no-op unless forced.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/flowtrack/internal/flow"
	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/metrics"
	"github.com/rewired-gh/flowtrack/internal/models"
	"github.com/rewired-gh/flowtrack/internal/storage"
)

// errPartialSnapshot marks a timestamp whose raw rows cover fewer contracts than the
// aggregate already stored for it. The collector only writes contracts that changed since
// the previous pass, so later timestamps of a session usually hold a subset of the chain.
var errPartialSnapshot = errors.New("raw rows cover fewer contracts than the stored aggregate")

// Store is the subset of the snapshot store the driver uses.
type Store interface {
	AllSymbols(ctx context.Context) ([]string, error)
	ContractDates(ctx context.Context, symbol string) ([]string, error)
	ContractTimestamps(ctx context.Context, symbol, date string) ([]int64, error)
	AggregateTimestamps(ctx context.Context, symbol, date string) ([]int64, error)
	ContractsAt(ctx context.Context, symbol string, timestamp int64) ([]models.ContractSnapshot, error)
	AggregateAt(ctx context.Context, symbol string, timestamp int64) (models.FlowAggregate, error)
	InsertOrReplaceAggregate(ctx context.Context, agg *models.FlowAggregate) error
}

// Options tunes a Driver.
type Options struct {
	DryRun     bool // report planned work, write nothing
	Force      bool // recompute timestamps that already have an aggregate
	SampleSize int  // aggregates kept per date for display
	Metrics    *metrics.Metrics
}

// Request selects the work. With All set, Symbols is ignored and every symbol with raw
// data is processed. Empty Dates means every date with raw data.
type Request struct {
	Symbols []string
	All     bool
	Dates   []string // YYYY-MM-DD, UTC
}

// DateReport is the outcome for one symbol and date.
type DateReport struct {
	Date       string
	Status     models.Status
	Timestamps int // raw timestamps found
	Existing   int // already aggregated
	Created    int
	Kept       int // forced, but the stored aggregate saw more contracts than the raw rows
	Failed     int
	Message    string
	Samples    []models.FlowAggregate
}

// SymbolReport is the outcome for one symbol.
type SymbolReport struct {
	Symbol  string
	Status  models.Status
	Message string
	Dates   []DateReport
	Created int
	Kept    int
	Failed  int
}

// Report is the outcome of a Run.
type Report struct {
	Symbols      []SymbolReport
	Created      int
	Kept         int
	FailedCount  int
	SkippedDates int
	Duration     time.Duration
}

// Failed reports whether any unit of work failed.
func (r *Report) Failed() bool {
	for _, s := range r.Symbols {
		if s.Status.Failed() {
			return true
		}
	}
	return r.FailedCount > 0
}

// Driver runs backfills against a Store.
type Driver struct {
	store Store
	opts  Options
}

// New creates a Driver.
func New(store Store, opts Options) *Driver {
	if opts.SampleSize < 0 {
		opts.SampleSize = 0
	}
	return &Driver{store: store, opts: opts}
}

// Run processes req. Failures are recorded in the report; the returned error is only
// for failures that prevent any work, such as symbol discovery.
func (d *Driver) Run(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	symbols := req.Symbols
	if req.All {
		var err error
		if symbols, err = d.store.AllSymbols(ctx); err != nil {
			return nil, fmt.Errorf("failed to list symbols: %w", err)
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to backfill")
	}

	report := &Report{}
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if ctx.Err() != nil {
			report.Symbols = append(report.Symbols, SymbolReport{Symbol: sym, Status: models.StatusError, Message: ctx.Err().Error()})
			continue
		}
		sr := d.runSymbol(ctx, sym, req.Dates)
		report.Created += sr.Created
		report.Kept += sr.Kept
		report.FailedCount += sr.Failed
		for _, dr := range sr.Dates {
			if dr.Status == models.StatusSkippedExisting {
				report.SkippedDates++
			}
		}
		report.Symbols = append(report.Symbols, sr)
	}
	report.Duration = time.Since(start)

	logger.Info("Backfill finished in %v: %d aggregates created, %d failed, %d dates already complete",
		report.Duration.Round(time.Millisecond), report.Created, report.FailedCount, report.SkippedDates)
	return report, nil
}

func (d *Driver) runSymbol(ctx context.Context, symbol string, dates []string) SymbolReport {
	sr := SymbolReport{Symbol: symbol, Status: models.StatusSuccess}
	if len(dates) == 0 {
		var err error
		if dates, err = d.store.ContractDates(ctx, symbol); err != nil {
			sr.Status = models.StatusError
			sr.Message = err.Error()
			logger.Error("%s: failed to list dates: %v", symbol, err)
			return sr
		}
		if len(dates) == 0 {
			sr.Status = models.StatusNoData
			sr.Message = "no raw data"
			logger.Warn("%s: no raw data to backfill", symbol)
			return sr
		}
	}

	for _, date := range dates {
		dr := d.runDate(ctx, symbol, date)
		sr.Created += dr.Created
		sr.Kept += dr.Kept
		sr.Failed += dr.Failed
		if dr.Status.Failed() {
			sr.Status = models.StatusError
		}
		sr.Dates = append(sr.Dates, dr)
	}
	logger.With("symbol", symbol, "dates", len(sr.Dates)).Infof("%d aggregates created, %d failed", sr.Created, sr.Failed)
	return sr
}

func (d *Driver) runDate(ctx context.Context, symbol, date string) DateReport {
	dr := DateReport{Date: date}

	timestamps, err := d.store.ContractTimestamps(ctx, symbol, date)
	if err != nil {
		return dateFailed(dr, err)
	}
	dr.Timestamps = len(timestamps)
	if len(timestamps) == 0 {
		dr.Status = models.StatusNoData
		logger.Debug("%s %s: no raw data", symbol, date)
		return dr
	}

	existing, err := d.store.AggregateTimestamps(ctx, symbol, date)
	if err != nil {
		return dateFailed(dr, err)
	}
	dr.Existing = len(existing)

	todo := timestamps
	if !d.opts.Force {
		todo = missing(timestamps, existing)
	}
	if len(todo) == 0 {
		dr.Status = models.StatusSkippedExisting
		logger.Debug("%s %s: all %d timestamps already aggregated", symbol, date, len(timestamps))
		d.opts.Metrics.AddBackfill("skipped", len(timestamps))
		return dr
	}

	if d.opts.DryRun {
		dr.Status = models.StatusDryRun
		dr.Message = fmt.Sprintf("would create %d aggregates", len(todo))
		logger.Info("%s %s: %d raw timestamps, %d aggregated, would create %d", symbol, date, len(timestamps), len(existing), len(todo))
		return dr
	}

	aggregated := make(map[int64]bool, len(existing))
	for _, ts := range existing {
		aggregated[ts] = true
	}
	for _, ts := range todo {
		if ctx.Err() != nil {
			dr.Failed++
			dr.Message = ctx.Err().Error()
			continue
		}
		agg, err := d.recompute(ctx, symbol, ts, aggregated[ts])
		if errors.Is(err, errPartialSnapshot) {
			dr.Kept++
			logger.Debug("%s %s: keeping aggregate at %d: %v", symbol, date, ts, err)
			continue
		}
		if err != nil {
			dr.Failed++
			dr.Message = err.Error()
			logger.Warn("%s %s: timestamp %d failed: %v", symbol, date, ts, err)
			continue
		}
		dr.Created++
		if len(dr.Samples) < d.opts.SampleSize {
			dr.Samples = append(dr.Samples, agg)
		}
	}
	d.opts.Metrics.AddBackfill("created", dr.Created)
	d.opts.Metrics.AddBackfill("kept", dr.Kept)
	d.opts.Metrics.AddBackfill("failed", dr.Failed)

	dr.Status = models.StatusSuccess
	if dr.Failed > 0 {
		dr.Status = models.StatusError
	}
	if dr.Kept > 0 && dr.Failed == 0 {
		dr.Message = fmt.Sprintf("kept %d aggregates with incomplete raw rows", dr.Kept)
	}
	logger.Info("%s %s: created %d, kept %d, failed %d (of %d raw timestamps)", symbol, date, dr.Created, dr.Kept, dr.Failed, len(timestamps))
	return dr
}

// recompute derives the aggregate for one stored timestamp and upserts it. An existing
// aggregate computed from more contracts than the raw rows hold is left in place.
func (d *Driver) recompute(ctx context.Context, symbol string, ts int64, existing bool) (models.FlowAggregate, error) {
	records, err := d.store.ContractsAt(ctx, symbol, ts)
	if err != nil {
		return models.FlowAggregate{}, err
	}
	agg := flow.Calculate(symbol, ts, records)
	if !agg.DataAvailable {
		return agg, fmt.Errorf("no contracts at %d", ts)
	}
	if existing {
		prev, err := d.store.AggregateAt(ctx, symbol, ts)
		switch {
		case err == nil && prev.TotalRecords > len(records):
			return prev, errPartialSnapshot
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return agg, err
		}
	}
	if err := d.store.InsertOrReplaceAggregate(ctx, &agg); err != nil {
		return agg, err
	}
	return agg, nil
}

func dateFailed(dr DateReport, err error) DateReport {
	dr.Status = models.StatusError
	dr.Message = err.Error()
	dr.Failed++
	return dr
}

func missing(all, have []int64) []int64 {
	seen := make(map[int64]bool, len(have))
	for _, ts := range have {
		seen[ts] = true
	}
	var out []int64
	for _, ts := range all {
		if !seen[ts] {
			out = append(out, ts)
		}
	}
	return out
}

// ExpandDates returns every date from start to end inclusive, as YYYY-MM-DD.
func ExpandDates(start, end string) ([]string, error) {
	s, err := time.Parse(models.ExpirationLayout, start)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	e, err := time.Parse(models.ExpirationLayout, end)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if e.Before(s) {
		return nil, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	var out []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(models.ExpirationLayout))
	}
	return out, nil
}
