package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/flowtrack/internal/backfill"
	"github.com/rewired-gh/flowtrack/internal/config"
	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/metrics"
	"github.com/rewired-gh/flowtrack/internal/models"
	"github.com/rewired-gh/flowtrack/internal/storage"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	symbol     = flag.String("symbol", "", "Backfill a single symbol")
	symbols    = flag.String("symbols", "", "Comma-separated symbols to backfill")
	all        = flag.Bool("all", false, "Backfill every symbol with raw data")
	date       = flag.String("date", "", "Backfill a single date (YYYY-MM-DD, UTC)")
	startDate  = flag.String("start-date", "", "First date of a range (YYYY-MM-DD, UTC)")
	endDate    = flag.String("end-date", "", "Last date of a range (YYYY-MM-DD, UTC), defaults to today")
	dryRun     = flag.Bool("dry-run", false, "Report what would be created without writing")
	force      = flag.Bool("force", false, "Recompute timestamps that already have an aggregate")
	samples    = flag.Int("samples", 3, "Aggregates to print per date")
	verbose    = flag.Bool("v", false, "Verbose (debug) logging")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	req, err := buildRequest()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("Metrics listener failed: %v", err)
			}
		}()
	}

	storeCfg := storage.Config{
		Path:           cfg.Storage.DBPath,
		BusyTimeout:    cfg.Storage.BusyTimeout,
		MaxAttempts:    cfg.Storage.MaxAttempts,
		RetryBaseDelay: cfg.Storage.RetryBaseDelay,
		ReadConns:      cfg.Storage.ReadConns,
		OnRetry:        m.StoreRetried,
	}
	store, err := openStore(ctx, storeCfg, *dryRun)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	driver := backfill.New(store, backfill.Options{
		DryRun:     *dryRun,
		Force:      *force,
		SampleSize: *samples,
		Metrics:    m,
	})
	report, err := driver.Run(ctx, req)
	if err != nil {
		logger.Error("Backfill failed: %v", err)
		return 1
	}

	printReport(report)
	if report.Failed() {
		return 1
	}
	return 0
}

// openStore opens the store read-only for dry runs so nothing is created or written.
func openStore(ctx context.Context, cfg storage.Config, dryRun bool) (*storage.Store, error) {
	if dryRun {
		return storage.OpenReadOnly(cfg)
	}
	return storage.Open(ctx, cfg)
}

func buildRequest() (backfill.Request, error) {
	var req backfill.Request
	switch {
	case *all:
		req.All = true
	case *symbol != "":
		req.Symbols = config.MergeSymbols([]string{*symbol})
	case *symbols != "":
		req.Symbols = config.MergeSymbols(strings.Split(*symbols, ","))
	default:
		return req, fmt.Errorf("one of -symbol, -symbols or -all is required")
	}

	switch {
	case *date != "":
		if *startDate != "" || *endDate != "" {
			return req, fmt.Errorf("-date cannot be combined with -start-date or -end-date")
		}
		dates, err := backfill.ExpandDates(*date, *date)
		if err != nil {
			return req, err
		}
		req.Dates = dates
	case *startDate != "":
		end := *endDate
		if end == "" {
			end = time.Now().UTC().Format(models.ExpirationLayout)
		}
		dates, err := backfill.ExpandDates(*startDate, end)
		if err != nil {
			return req, err
		}
		req.Dates = dates
	case *endDate != "":
		return req, fmt.Errorf("-end-date requires -start-date")
	}
	return req, nil
}

func printReport(r *backfill.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, s := range r.Symbols {
		fmt.Fprintf(w, "%s\t%s\t%s created\t%d kept\t%s failed\t%s\n", s.Symbol, s.Status,
			humanize.Comma(int64(s.Created)), s.Kept, humanize.Comma(int64(s.Failed)), s.Message)
		for _, d := range s.Dates {
			fmt.Fprintf(w, "  %s\t%s\t%d raw / %d aggregated\t%d created\t%s\n",
				d.Date, d.Status, d.Timestamps, d.Existing, d.Created, d.Message)
			for _, a := range d.Samples {
				fmt.Fprintf(w, "    %s\t%s\tnet %s\tpcr %s\t%s\n",
					time.UnixMilli(a.Timestamp).UTC().Format("15:04:05"), a.Sentiment,
					humanize.CommafWithDigits(a.NetDeltaVolume, 0), ratio(a.PutCallRatio),
					humanize.Comma(a.TotalVolume)+" contracts traded")
			}
		}
	}
	fmt.Fprintf(w, "\nTotal: %s created, %d kept, %s failed, %d dates already complete (%s)\n",
		humanize.Comma(int64(r.Created)), r.Kept, humanize.Comma(int64(r.FailedCount)), r.SkippedDates,
		r.Duration.Round(time.Millisecond))
	_ = w.Flush()
}

func ratio(v float64) string {
	if models.IsUndefinedRatio(v) {
		return "∞"
	}
	return fmt.Sprintf("%.2f", v)
}
