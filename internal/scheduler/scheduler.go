// Package scheduler drives initial loads and incremental updates over the
// fetcher, the adjustment engine and the store, and runs the daily update
// on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"KlineVault/internal/adjust"
	"KlineVault/internal/calendar"
	"KlineVault/internal/fetcher"
	"KlineVault/internal/model"
	"KlineVault/internal/store"
)

// Fetcher is the part of *fetcher.Fetcher the scheduler uses.
type Fetcher interface {
	Fetch(ctx context.Context, job model.FetchJob) (*fetcher.Result, error)
}

// Notifier receives the report of every completed run.
type Notifier interface {
	NotifyRun(ctx context.Context, report *model.RunReport) error
}

// UniverseFunc returns the symbols a scheduled run covers.
type UniverseFunc func(ctx context.Context) ([]model.Symbol, error)

// Config bounds a run.
type Config struct {
	MaxInFlight   int           // concurrent symbol tasks
	SymbolTimeout time.Duration // per symbol, 0 for none
	JobSpan       int           // trading days per fetch job, 0 for one job per range
	HistoryStart  time.Time     // where symbols without stored data start
}

// Scheduler manages runs and the cron task.
type Scheduler struct {
	Calendar *calendar.Calendar
	Fetcher  Fetcher
	Engine   *adjust.Engine
	Store    store.Store
	Notifier Notifier // optional
	Universe UniverseFunc
	Config   Config
	Logger   logrus.FieldLogger

	// Now is the wall clock, in the exchange's time zone.
	Now func() time.Time

	cron  *cron.Cron
	locks symbolLocks

	// base bounds the runs the scheduler starts on its own; Stop cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last *model.RunReport
}

// Exchange is the time zone trading dates are reckoned in.
var Exchange = loadExchangeZone()

func loadExchangeZone() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}

// New creates a Scheduler.
func New(cal *calendar.Calendar, f Fetcher, eng *adjust.Engine, st store.Store, cfg Config, logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		Calendar: cal,
		Fetcher:  f,
		Engine:   eng,
		Store:    st,
		Config:   cfg,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().In(Exchange) },
		base:     base,
		cancel:   cancel,
	}
}

func (s *Scheduler) now() time.Time { return s.Now() }

// Today is the current trading-calendar date.
func (s *Scheduler) Today() time.Time { return model.Day(s.Now()) }

// Register adds the daily update task. spec is a cron expression with a
// seconds field, evaluated in the exchange time zone.
func (s *Scheduler) Register(spec string) error {
	if s.Universe == nil {
		return errors.New("register daily task: no universe")
	}
	logger := cron.PrintfLogger(s.Logger)
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLocation(Exchange),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(spec, s.dailyTask); err != nil {
		return fmt.Errorf("register daily task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.Logger.Info("scheduler started")
}

// Stop stops the cron scheduler, cancels the runs it started and waits for
// them to wind down.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.Logger.Info("scheduler stopped")
}

// RunUpdateNow runs the daily update immediately.
func (s *Scheduler) RunUpdateNow(ctx context.Context) (*model.RunReport, error) {
	if s.Universe == nil {
		return nil, errors.New("update: no universe")
	}
	universe, err := s.Universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	today := s.Today()
	if !s.Calendar.IsTradingDay(today) {
		s.Logger.WithField("date", today.Format(model.DateLayout)).Info("not a trading day, catching up only")
	}
	return s.Update(ctx, universe, today)
}

func (s *Scheduler) dailyTask() {
	s.Logger.Info("running daily update")
	if _, err := s.RunUpdateNow(s.base); err != nil {
		s.Logger.Errorf("daily update: %v", err)
	}
}
