package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"KlineVault/internal/adjust"
	"KlineVault/internal/calendar"
	"KlineVault/internal/config"
	"KlineVault/internal/fetcher"
	"KlineVault/internal/model"
	"KlineVault/internal/notifier"
	"KlineVault/internal/provider"
	"KlineVault/internal/ratelimit"
	"KlineVault/internal/scheduler"
	"KlineVault/internal/store"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	calendar *calendar.Calendar
	store    store.Store
	lister   provider.Lister
	telegram *notifier.Telegram
	sched    *scheduler.Scheduler
}

type appOptions struct {
	dryRun  bool   // keep results in memory
	symbols string // comma-separated override of the configured universe
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func newApp(configPath string, opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if opts.symbols != "" {
		cfg.Universe = strings.Split(opts.symbols, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	cal, err := calendar.Load(cfg.CalendarPath)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"path":  cfg.CalendarPath,
		"dates": cal.Len(),
		"first": cal.First().Format(model.DateLayout),
		"last":  cal.Last().Format(model.DateLayout),
	}).Info("trading calendar loaded")

	a := &app{cfg: cfg, logger: logger, calendar: cal}

	var (
		sources   []fetcher.Source
		eastmoney *provider.Eastmoney
	)
	for _, src := range cfg.Sources {
		if !src.On() {
			continue
		}
		popts := []provider.Option{
			provider.WithLimiter(ratelimit.NewLimiter(src.Name, src.Requests, src.Per)),
			provider.WithProxy(cfg.Proxy),
		}
		if src.PageSize > 0 {
			popts = append(popts, provider.WithPageSize(src.PageSize))
		}
		var p provider.Provider
		switch src.Name {
		case provider.EastmoneyID:
			eastmoney = provider.NewEastmoney(popts...)
			p = eastmoney
		case provider.TencentID:
			p = provider.NewTencent(popts...)
		}
		sources = append(sources, fetcher.Source{Provider: p, Priority: src.Priority, MaxSpan: src.MaxSpan})
		logger.WithFields(logrus.Fields{"source": src.Name, "priority": src.Priority}).Info("provider enabled")
	}
	if eastmoney == nil {
		// Listing and the factor feed still come from Eastmoney.
		eastmoney = provider.NewEastmoney(
			provider.WithLimiter(ratelimit.NewLimiter(provider.EastmoneyID, 2, time.Second)),
			provider.WithProxy(cfg.Proxy),
		)
	}
	a.lister = eastmoney

	retry := ratelimit.NewRetryer(ratelimit.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		Multiplier:     cfg.Retry.Multiplier,
		JitterRange:    cfg.Retry.Jitter,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}, provider.IsTransient, logger)
	f, err := fetcher.New(cal, retry, logger, sources...)
	if err != nil {
		return nil, err
	}

	engine, err := adjust.NewEngine(adjust.Mode(cfg.Adjust.Mode), cfg.Adjust.DropThreshold, eastmoney, logger)
	if err != nil {
		return nil, err
	}

	if opts.dryRun {
		logger.Warn("dry run: results are kept in memory only")
		a.store = store.NewMemory()
	} else {
		sq, err := store.OpenSQLite(cfg.Database.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		a.store = sq
	}

	historyStart, _ := cfg.HistoryStart()
	a.sched = scheduler.New(cal, f, engine, a.store, scheduler.Config{
		MaxInFlight:   cfg.Concurrency.MaxInFlight,
		SymbolTimeout: cfg.Concurrency.SymbolTimeout,
		JobSpan:       cfg.Concurrency.JobSpan,
		HistoryStart:  historyStart,
	}, logger)
	a.sched.Universe = a.universe

	if cfg.TelegramEnabled() {
		a.telegram = notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, logger)
		a.sched.Notifier = a.telegram
	}
	return a, nil
}

// universe is the configured symbol list, or else the tracked securities.
// An empty securities table is filled from the listing first.
func (a *app) universe(ctx context.Context) ([]model.Symbol, error) {
	if len(a.cfg.Universe) > 0 {
		return a.cfg.Symbols()
	}
	syms, err := a.store.TrackedSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracked symbols: %w", err)
	}
	if len(syms) > 0 {
		return syms, nil
	}
	if _, err := a.refreshListing(ctx); err != nil {
		return nil, err
	}
	return a.store.TrackedSymbols(ctx)
}

// refreshListing stores the current listing and returns it.
func (a *app) refreshListing(ctx context.Context) ([]model.Security, error) {
	secs, err := a.lister.ListSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list securities: %w", err)
	}
	if err := a.store.UpsertSecurities(ctx, secs); err != nil {
		return nil, fmt.Errorf("store securities: %w", err)
	}
	a.logger.WithField("securities", len(secs)).Info("listing refreshed")
	return secs, nil
}

// printUniverse writes the symbols a run covers, with names where the
// listing knows them.
func (a *app) printUniverse(ctx context.Context, w io.Writer, refresh bool) error {
	if refresh {
		if _, err := a.refreshListing(ctx); err != nil {
			return err
		}
	}
	syms, err := a.universe(ctx)
	if err != nil {
		return err
	}
	secs, err := a.store.Securities(ctx)
	if err != nil {
		return fmt.Errorf("load securities: %w", err)
	}
	names := make(map[model.Symbol]string, len(secs))
	for _, s := range secs {
		names[s.Symbol] = s.Name
	}
	for _, sym := range syms {
		if name := names[sym]; name != "" {
			fmt.Fprintf(w, "%s\t%s\n", sym.Prefixed(), name)
		} else {
			fmt.Fprintln(w, sym.Prefixed())
		}
	}
	return nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Errorf("close store: %v", err)
	}
}

// summarize logs the outcome of a run.
func (a *app) summarize(report *model.RunReport) {
	if report == nil {
		return
	}
	for _, o := range report.With(model.StateFailed) {
		a.logger.WithField("symbol", o.Symbol.String()).Errorf("failed: %v", o.Err)
	}
	for _, o := range report.With(model.StateGapReported) {
		a.logger.WithField("symbol", o.Symbol.String()).Warnf("gaps: %v", o.Gaps)
	}
	a.logger.WithFields(logrus.Fields{
		"run":          report.ID,
		"persisted":    report.Count(model.StatePersisted),
		"gap_reported": report.Count(model.StateGapReported),
		"failed":       report.Count(model.StateFailed),
		"skipped":      report.Count(model.StateSkipped),
	}).Info("run summary")
}
