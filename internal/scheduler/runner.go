package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"KlineVault/internal/adjust"
	"KlineVault/internal/fetcher"
	"KlineVault/internal/model"
	"KlineVault/internal/store"
)

// InitialLoad fetches [start, end] for every symbol of universe.
func (s *Scheduler) InitialLoad(ctx context.Context, universe []model.Symbol, start, end time.Time) (*model.RunReport, error) {
	window := model.NewDateRange(start, end)
	if !window.Valid() {
		return nil, fmt.Errorf("initial load: invalid window %s", window)
	}
	return s.run(ctx, model.ModeInitial, universe, func(ctx context.Context, sym model.Symbol) (plan, error) {
		p := plan{dates: s.Calendar.Between(window.Start, window.End)}
		gaps, err := s.Store.Gaps(ctx, sym)
		if err != nil {
			return plan{}, storageErr(sym, "read gaps", err)
		}
		p.keep = s.outside(gaps, p.dates)
		if p.pending, err = s.Store.AdjustPending(ctx, sym); err != nil {
			return plan{}, storageErr(sym, "read adjustment state", err)
		}
		return p, nil
	})
}

// Update fetches, for every symbol, the trading dates after its last stored
// date up to today, plus the gaps reported by earlier runs. A symbol without
// stored data is loaded from the configured history start. Adjusted rows left
// pending by an earlier run are computed even when nothing is new.
func (s *Scheduler) Update(ctx context.Context, universe []model.Symbol, today time.Time) (*model.RunReport, error) {
	today = model.Day(today)
	return s.run(ctx, model.ModeUpdate, universe, func(ctx context.Context, sym model.Symbol) (plan, error) {
		last, ok, err := s.Store.LastDate(ctx, sym)
		if err != nil {
			return plan{}, storageErr(sym, "read last date", err)
		}
		if !ok {
			return plan{dates: s.Calendar.Between(s.Config.HistoryStart, today), initial: true}, nil
		}

		gaps, err := s.Store.Gaps(ctx, sym)
		if err != nil {
			return plan{}, storageErr(sym, "read gaps", err)
		}
		seen := make(map[time.Time]bool)
		var dates []time.Time
		for _, d := range s.Calendar.After(last, today) {
			seen[d] = true
			dates = append(dates, d)
		}
		for _, g := range gaps {
			for _, d := range s.Calendar.Between(g.Start, g.End) {
				if !seen[d] {
					seen[d] = true
					dates = append(dates, d)
				}
			}
		}
		pending, err := s.Store.AdjustPending(ctx, sym)
		if err != nil {
			return plan{}, storageErr(sym, "read adjustment state", err)
		}
		return plan{dates: dates, last: last, pending: pending}, nil
	})
}

// plan is the work for one symbol in one run.
type plan struct {
	dates   []time.Time // trading dates to fetch
	keep    []time.Time // earlier gap dates outside this run, still outstanding
	last    time.Time   // last stored date, zero when none
	initial bool
	pending bool // stored bars still lack adjusted rows
}

// jobs groups the planned dates into fetch jobs, new dates first, each at
// most JobSpan trading days long.
func (s *Scheduler) jobs(sym model.Symbol, p plan) []model.FetchJob {
	var jobs []model.FetchJob
	for _, r := range s.Calendar.Ranges(p.dates) {
		prio := model.PriorityUpdate
		switch {
		case p.initial:
			prio = model.PriorityBackfill
		case !p.last.IsZero() && !r.Start.After(p.last):
			prio = model.PriorityGapRetry
		}
		for _, c := range s.Calendar.Chunk(r, s.Config.JobSpan) {
			jobs = append(jobs, model.FetchJob{Symbol: sym, Range: c, Priority: prio})
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Priority < jobs[j].Priority })
	return jobs
}

type planFunc func(ctx context.Context, sym model.Symbol) (plan, error)

// run fans symbols out over at most MaxInFlight tasks. Outcomes flow through
// one channel to a single aggregator. A StorageError stops the run.
func (s *Scheduler) run(ctx context.Context, mode model.RunMode, universe []model.Symbol, planner planFunc) (*model.RunReport, error) {
	report := &model.RunReport{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: s.now(),
	}
	log := s.Logger.WithFields(logrus.Fields{"run": report.ID, "mode": string(mode)})
	log.WithField("symbols", len(universe)).Info("run started")

	limit := s.Config.MaxInFlight
	if limit <= 0 {
		limit = 1
	}
	outcomes := make(chan model.SymbolOutcome, limit)
	collected := make(chan struct{})
	started := make(map[model.Symbol]bool, len(universe))
	go func() {
		defer close(collected)
		for o := range outcomes {
			report.Outcomes = append(report.Outcomes, o)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, sym := range dedup(universe) {
		if gctx.Err() != nil {
			break
		}
		started[sym] = true
		sym := sym
		g.Go(func() error {
			o, err := s.symbolTask(gctx, sym, planner)
			outcomes <- o
			return err
		})
	}
	err := g.Wait()
	close(outcomes)
	<-collected
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("run cancelled: %w", ctx.Err())
	}

	for _, sym := range dedup(universe) {
		if !started[sym] {
			report.Outcomes = append(report.Outcomes, model.SymbolOutcome{
				Symbol: sym, State: model.StateFailed, Err: fmt.Errorf("run aborted: %w", context.Cause(gctx)),
			})
		}
	}
	sort.Slice(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].Symbol.String() < report.Outcomes[j].Symbol.String()
	})
	report.FinishedAt = s.now()
	s.setLast(report)

	fields := logrus.Fields{
		"persisted":    report.Count(model.StatePersisted),
		"gap_reported": report.Count(model.StateGapReported),
		"failed":       report.Count(model.StateFailed),
		"skipped":      report.Count(model.StateSkipped),
		"elapsed":      report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
	}
	if err != nil {
		log.WithFields(fields).Errorf("run aborted: %v", err)
		return report, err
	}

	if err := s.Store.RecordRun(ctx, report); err != nil {
		return report, storageErr(model.Symbol{}, "record run", err)
	}
	log.WithFields(fields).Info("run finished")

	if s.Notifier != nil {
		if err := s.Notifier.NotifyRun(ctx, report); err != nil {
			log.Warnf("run notification failed: %v", err)
		}
	}
	return report, nil
}

// symbolTask runs one symbol through the state machine. Only storage
// failures come back as an error; everything else ends in the outcome.
func (s *Scheduler) symbolTask(ctx context.Context, sym model.Symbol, planner planFunc) (out model.SymbolOutcome, err error) {
	log := s.Logger.WithField("symbol", sym.String())
	out = model.SymbolOutcome{Symbol: sym, State: model.StatePending}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("symbol task panicked: %v\n%s", r, debug.Stack())
			out = model.SymbolOutcome{Symbol: sym, State: model.StateFailed, Err: fmt.Errorf("panic: %v", r)}
			err = nil
		}
	}()

	unlock := s.locks.lock(sym)
	defer unlock()

	p, err := planner(ctx, sym)
	if err != nil {
		out.State, out.Err = model.StateFailed, err
		return out, err
	}
	if len(p.dates) == 0 && !p.pending {
		out.State = model.StateSkipped
		log.Debug("up to date")
		return out, nil
	}

	out, err = s.process(ctx, sym, p)
	entry := log.WithFields(logrus.Fields{"state": string(out.State), "bars": out.Bars})
	switch out.State {
	case model.StatePersisted:
		entry.Info("symbol persisted")
	case model.StateGapReported:
		entry.WithField("gaps", rangesString(out.Gaps)).Warn("symbol has data gaps")
	default:
		entry.Errorf("symbol failed: %v", out.Err)
	}
	return out, err
}

func (s *Scheduler) process(ctx context.Context, sym model.Symbol, p plan) (model.SymbolOutcome, error) {
	out := model.SymbolOutcome{Symbol: sym, State: model.StateFetching}

	fetchCtx := ctx
	if s.Config.SymbolTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.Config.SymbolTimeout)
		defer cancel()
	}

	var (
		fresh   []model.CanonicalBar
		missing []time.Time
		hard    []error
	)
	for _, job := range s.jobs(sym, p) {
		res, err := s.Fetcher.Fetch(fetchCtx, job)
		if res != nil {
			fresh = append(fresh, res.Bars...)
			for _, r := range res.Missing {
				missing = append(missing, s.Calendar.Between(r.Start, r.End)...)
			}
		}
		var gap *fetcher.DataGapError
		switch {
		case err == nil, errors.As(err, &gap):
		case fetchCtx.Err() != nil:
			out.State, out.Err = model.StateFailed, fmt.Errorf("fetch %s: %w", job.Range, err)
			out.Gaps = s.Calendar.Ranges(p.dates)
			return out, nil
		default:
			hard = append(hard, err)
		}
	}

	gaps := s.Calendar.Ranges(append(p.keep, missing...))
	if len(fresh) == 0 && !p.pending {
		out.Gaps = s.Calendar.Ranges(missing)
		if len(hard) > 0 {
			out.State, out.Err = model.StateFailed, errors.Join(hard...)
		} else {
			out.State = model.StateGapReported
		}
		if err := s.Store.Commit(ctx, store.Batch{Symbol: sym, Gaps: gaps}); err != nil {
			return failStorage(out, sym, "commit", err)
		}
		return out, nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Date.Before(fresh[j].Date) })
	out.State = model.StateMerged

	history, err := s.Store.Bars(ctx, sym)
	if err != nil {
		return failStorage(out, sym, "read bars", err)
	}
	history = mergeBars(history, fresh)
	prior, err := s.Store.Factors(ctx, sym)
	if err != nil {
		return failStorage(out, sym, "read factors", err)
	}

	batch := store.Batch{Symbol: sym, Bars: fresh, Gaps: gaps}
	steps, adjErr := s.Engine.Extend(fetchCtx, sym, history, prior)
	switch {
	case adjErr != nil && fetchCtx.Err() != nil:
		out.State, out.Err = model.StateFailed, fmt.Errorf("adjustment factors: %w", adjErr)
		out.Gaps = s.Calendar.Ranges(p.dates)
		return out, nil
	case adjErr != nil:
		// Keep the bars and their raw rows; the adjusted rows wait for the next run.
		s.Logger.WithField("symbol", sym.String()).Warnf("adjustment deferred: %v", adjErr)
		batch.Variants = adjust.Raw(fresh)
		batch.AdjustPending = true
	default:
		factors := append(prior, steps...)
		// New steps move the anchors, and a pending symbol never had adjusted
		// rows, so both recompute every stored variant.
		target := fresh
		if len(steps) > 0 || p.pending {
			target = history
		}
		variants, err := adjust.Variants(target, factors)
		if err != nil {
			out.State, out.Err = model.StateFailed, fmt.Errorf("price variants: %w", err)
			out.Gaps = s.Calendar.Ranges(p.dates)
			return out, nil
		}
		batch.Factors, batch.Variants = steps, variants
	}

	if err := s.Store.Commit(ctx, batch); err != nil {
		return failStorage(out, sym, "commit", err)
	}

	out.Bars = len(fresh)
	out.Gaps = s.Calendar.Ranges(missing)
	switch {
	case len(fresh) == 0 && adjErr != nil:
		out.State, out.Err = model.StateFailed, errors.Join(append(hard, fmt.Errorf("adjustment pending: %w", adjErr))...)
		return out, nil
	case len(fresh) == 0 && len(hard) > 0:
		out.State, out.Err = model.StateFailed, errors.Join(hard...)
		return out, nil
	}
	out.State = model.StatePersisted
	if len(out.Gaps) > 0 {
		out.State = model.StateGapReported
		out.Err = &fetcher.DataGapError{Symbol: sym, Range: model.NewDateRange(p.dates[0], p.dates[len(p.dates)-1]), Missing: out.Gaps}
	}
	if adjErr != nil {
		out.Err = errors.Join(out.Err, fmt.Errorf("adjustment pending: %w", adjErr))
	}
	if len(hard) > 0 && out.Err == nil {
		out.Err = errors.Join(hard...)
	}
	return out, nil
}

func failStorage(out model.SymbolOutcome, sym model.Symbol, op string, err error) (model.SymbolOutcome, error) {
	err = storageErr(sym, op, err)
	out.State, out.Err = model.StateFailed, err
	return out, err
}

// outside returns the dates of gaps not covered by dates.
func (s *Scheduler) outside(gaps []model.DateRange, dates []time.Time) []time.Time {
	in := make(map[time.Time]bool, len(dates))
	for _, d := range dates {
		in[d] = true
	}
	var out []time.Time
	for _, g := range gaps {
		for _, d := range s.Calendar.Between(g.Start, g.End) {
			if !in[d] {
				out = append(out, d)
			}
		}
	}
	return out
}

// mergeBars overlays fresh on stored, keeping one bar per date in ascending order.
func mergeBars(stored, fresh []model.CanonicalBar) []model.CanonicalBar {
	byDate := make(map[time.Time]model.CanonicalBar, len(stored)+len(fresh))
	for _, b := range stored {
		byDate[b.Date] = b
	}
	for _, b := range fresh {
		byDate[b.Date] = b
	}
	out := make([]model.CanonicalBar, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func dedup(symbols []model.Symbol) []model.Symbol {
	seen := make(map[model.Symbol]bool, len(symbols))
	out := make([]model.Symbol, 0, len(symbols))
	for _, sym := range symbols {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

func rangesString(rs []model.DateRange) string {
	s := ""
	for i, r := range rs {
		if i > 0 {
			s += ","
		}
		s += r.String()
	}
	return s
}

// symbolLocks serialises overlapping runs on the same symbol.
type symbolLocks struct {
	mu sync.Mutex
	m  map[model.Symbol]*sync.Mutex
}

func (l *symbolLocks) lock(sym model.Symbol) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[model.Symbol]*sync.Mutex)
	}
	m, ok := l.m[sym]
	if !ok {
		m = &sync.Mutex{}
		l.m[sym] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
