package main

import (
	"context"
	"errors"
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

	"github.com/rewired-gh/flowtrack/internal/chain"
	"github.com/rewired-gh/flowtrack/internal/changecache"
	"github.com/rewired-gh/flowtrack/internal/collector"
	"github.com/rewired-gh/flowtrack/internal/config"
	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/markethours"
	"github.com/rewired-gh/flowtrack/internal/metrics"
	"github.com/rewired-gh/flowtrack/internal/models"
	"github.com/rewired-gh/flowtrack/internal/storage"
	"github.com/rewired-gh/flowtrack/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	symbol     = flag.String("symbol", "", "Collect a single symbol")
	symbols    = flag.String("symbols", "", "Comma-separated symbols to collect")
	continuous = flag.Bool("continuous", false, "Collect continuously at the configured interval")
	force      = flag.Bool("force", false, "Collect outside trading hours")
	status     = flag.Bool("status", false, "Print stored data statistics and exit")
	dryRun     = flag.Bool("dry-run", false, "Fetch and calculate without writing")
	verbose    = flag.Bool("v", false, "Verbose (debug) logging")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if s := selectedSymbols(); len(s) > 0 {
		cfg.Collector.Symbols = s
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	schedule, err := markethours.New(markethours.Config{
		Location:        cfg.MarketHours.Timezone,
		Open:            cfg.MarketHours.Open,
		Close:           cfg.MarketHours.Close,
		ExtendedClose:   cfg.MarketHours.ExtendedClose,
		ExtendedSymbols: cfg.MarketHours.ExtendedSymbols,
		Holidays:        cfg.MarketHours.Holidays,
	})
	if err != nil {
		logger.Fatal("Invalid market hours: %v", err)
	}

	if *status {
		return printStatus(ctx, cfg, schedule)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("Metrics listener failed: %v", err)
			}
		}()
	}

	var store *storage.Store
	if !*dryRun {
		store, err = storage.Open(ctx, storage.Config{
			Path:           cfg.Storage.DBPath,
			BusyTimeout:    cfg.Storage.BusyTimeout,
			MaxAttempts:    cfg.Storage.MaxAttempts,
			RetryBaseDelay: cfg.Storage.RetryBaseDelay,
			ReadConns:      cfg.Storage.ReadConns,
			OnRetry:        m.StoreRetried,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
		if store != nil && *continuous {
			telegramClient.ListenForCommands(ctx, store.LatestAggregate)
		}
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	opts := collector.Options{
		Source:        newSource(cfg),
		Cache:         changecache.New(),
		Schedule:      schedule,
		Metrics:       m,
		Symbols:       cfg.Collector.Symbols,
		StrikeCount:   cfg.Upstream.StrikeCount,
		MinCallDelay:  cfg.Collector.RateLimit,
		Interval:      cfg.Collector.Interval,
		Force:         *force,
		DryRun:        *dryRun,
		NotifySummary: cfg.Collector.NotifySummary,
	}
	if store != nil {
		opts.Store = store
	}
	if telegramClient != nil {
		opts.Notifier = telegramClient
	}
	c, err := collector.New(opts)
	if err != nil {
		logger.Fatal("Failed to initialize collector: %v", err)
	}

	if *continuous {
		if err := c.Run(ctx); err != nil {
			logger.Error("Collector stopped: %v", err)
			return 1
		}
		return 0
	}

	summary := c.CollectOnce(ctx)
	printSummary(summary)
	if summary.Failed() {
		return 1
	}
	return 0
}

func selectedSymbols() []string {
	if *symbol != "" {
		return config.MergeSymbols([]string{*symbol})
	}
	if *symbols != "" {
		return config.MergeSymbols(strings.Split(*symbols, ","))
	}
	return nil
}

func newSource(cfg *config.Config) chain.Source {
	if cfg.Upstream.Mode == "file" {
		logger.Info("Reading chains from %s", cfg.Upstream.FixtureDir)
		return chain.NewFileSource(cfg.Upstream.FixtureDir)
	}
	return chain.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, chain.ClientConfig{
		Token:               cfg.Upstream.Token,
		MaxRetries:          cfg.Upstream.MaxRetries,
		RetryDelayBase:      cfg.Upstream.RetryDelayBase,
		MaxIdleConns:        cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Upstream.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Upstream.IdleConnTimeout,
	})
}

func printSummary(s *models.RunSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run %s (%s)\n", s.RunID, s.Finished.Sub(s.Started).Round(time.Millisecond))
	fmt.Fprintln(w, "SYMBOL\tSTATUS\tSENTIMENT\tNET Δ·VOL\tΔ RATIO\tCONTRACTS\tNEW\tDETAIL")
	for _, r := range s.Results {
		if r.Aggregate != nil {
			a := r.Aggregate
			fmt.Fprintf(w, "%s\t%s\t%s (%.3f)\t%s\t%s\t%d\t%d\t\n", r.Symbol, r.Status, a.Sentiment, a.SentimentStrength,
				humanize.CommafWithDigits(a.NetDeltaVolume, 0), ratio(a.DeltaRatio), r.Contracts, r.Inserted)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t\t\t\t\t\t%s\n", r.Symbol, r.Status, r.Message)
	}
	_ = w.Flush()
}

func printStatus(ctx context.Context, cfg *config.Config, schedule *markethours.Schedule) int {
	store, err := storage.OpenReadOnly(storage.Config{
		Path:        cfg.Storage.DBPath,
		BusyTimeout: cfg.Storage.BusyTimeout,
		ReadConns:   1,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "No database at %s: %v\n", cfg.Storage.DBPath, err)
		return 1
	}
	defer store.Close()

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSESSION\tRECORDS\tFIRST\tLAST\tEXPIRATIONS\tSTRIKES (C/P)\tLATEST FLOW")
	for _, sym := range cfg.Collector.Symbols {
		session := schedule.Status(sym, now)
		st, err := store.SymbolStats(ctx, sym)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(w, "%s\t%s\t0\t\t\t\t\t\n", sym, session)
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", sym, err)
			return 1
		}
		flowText := "-"
		if a, err := store.LatestAggregate(ctx, sym); err == nil {
			flowText = fmt.Sprintf("%s net %s", a.Sentiment, humanize.CommafWithDigits(a.NetDeltaVolume, 0))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n", sym, session,
			humanize.Comma(st.TotalRecords),
			humanize.Time(time.UnixMilli(st.EarliestTimestamp)),
			humanize.Time(time.UnixMilli(st.LatestTimestamp)),
			st.ExpirationCount, st.CallStrikes, st.PutStrikes, flowText)
	}
	_ = w.Flush()
	return 0
}

func ratio(v float64) string {
	if models.IsUndefinedRatio(v) {
		return "∞"
	}
	return fmt.Sprintf("%.2f", v)
}
