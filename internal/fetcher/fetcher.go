// Package fetcher turns fetch jobs into gap-free canonical series by querying
// providers in priority order and falling back on failures and gaps.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"KlineVault/internal/calendar"
	"KlineVault/internal/model"
	"KlineVault/internal/provider"
	"KlineVault/internal/ratelimit"
)

// ErrAllProvidersFailed means no provider produced a single bar and at least one failed.
var ErrAllProvidersFailed = errors.New("all providers failed")

// DataGapError reports trading dates no provider could supply.
// It is not fatal: the bars that were found come back alongside it.
type DataGapError struct {
	Symbol  model.Symbol
	Range   model.DateRange
	Missing []model.DateRange
}

func (e *DataGapError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		parts[i] = r.String()
	}
	return fmt.Sprintf("data gap for %s in %s: missing %s", e.Symbol, e.Range, strings.Join(parts, ", "))
}

// Source is a provider with its place in the fallback order.
type Source struct {
	Provider provider.Provider
	Priority int // lower is asked first; must be unique
	MaxSpan  int // trading days per request, 0 for no limit
}

// Result is the merged output of one fetch job.
type Result struct {
	Bars    []model.CanonicalBar // strictly ascending, one per date
	Sources map[string]int       // bars contributed per provider
	Missing []model.DateRange    // trading dates nobody supplied
}

// Fetcher merges several providers into one canonical series. Safe for concurrent use.
type Fetcher struct {
	sources []Source
	cal     *calendar.Calendar
	retry   *ratelimit.Retryer
	logger  logrus.FieldLogger
}

// New orders sources by priority. Priorities must form a total order.
func New(cal *calendar.Calendar, retry *ratelimit.Retryer, logger logrus.FieldLogger, sources ...Source) (*Fetcher, error) {
	if cal == nil {
		return nil, errors.New("fetcher: nil calendar")
	}
	if len(sources) == 0 {
		return nil, errors.New("fetcher: no providers")
	}
	sorted := make([]Source, len(sources))
	copy(sorted, sources)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Priority == sorted[i-1].Priority {
			return nil, fmt.Errorf("fetcher: %s and %s share priority %d",
				sorted[i-1].Provider.ID(), sorted[i].Provider.ID(), sorted[i].Priority)
		}
	}
	if retry == nil {
		retry = ratelimit.NewRetryer(ratelimit.DefaultRetryConfig(), provider.IsTransient, logger)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{sources: sorted, cal: cal, retry: retry, logger: logger}, nil
}

// Providers returns the provider ids in fallback order.
func (f *Fetcher) Providers() []string {
	ids := make([]string, len(f.sources))
	for i, s := range f.sources {
		ids[i] = s.Provider.ID()
	}
	return ids
}

// Fetch covers every trading date of job.Range, asking each provider in turn
// only for the dates still missing, so higher-priority data always wins.
//
// Uncovered dates yield a *DataGapError with the partial result. If nothing at
// all was fetched and a provider failed, the error wraps ErrAllProvidersFailed.
func (f *Fetcher) Fetch(ctx context.Context, job model.FetchJob) (*Result, error) {
	res := &Result{Sources: make(map[string]int)}
	expected := f.cal.Between(job.Range.Start, job.Range.End)
	if len(expected) == 0 {
		return res, nil
	}

	missing := make(map[time.Time]bool, len(expected))
	for _, d := range expected {
		missing[d] = true
	}
	got := make(map[time.Time]model.RawBar, len(expected))
	log := f.logger.WithFields(logrus.Fields{"symbol": job.Symbol.String(), "range": job.Range.String()})

	var errs []error
	for i, src := range f.sources {
		if len(missing) == 0 || ctx.Err() != nil {
			break
		}
		ranges := f.cal.Ranges(keys(missing))
		if i > 0 {
			log.WithFields(logrus.Fields{"source": src.Provider.ID(), "missing": joinRanges(ranges)}).
				Warn("falling back to next provider")
		}

		n, err := f.fetchFrom(ctx, src, job.Symbol, ranges, missing, got)
		res.Sources[src.Provider.ID()] += n
		if err != nil {
			errs = append(errs, err)
			log.WithField("source", src.Provider.ID()).Warnf("provider abandoned: %v", err)
		}
	}

	res.Bars = make([]model.CanonicalBar, 0, len(got))
	for _, b := range got {
		res.Bars = append(res.Bars, b.Canonical())
	}
	sort.Slice(res.Bars, func(i, j int) bool { return res.Bars[i].Date.Before(res.Bars[j].Date) })

	if len(missing) == 0 {
		return res, nil
	}
	res.Missing = f.cal.Ranges(keys(missing))

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("fetch %s %s: %w", job.Symbol, job.Range, err)
	}
	if len(got) == 0 && len(errs) > 0 {
		return res, fmt.Errorf("fetch %s %s: %w: %w", job.Symbol, job.Range, ErrAllProvidersFailed, errors.Join(errs...))
	}
	return res, &DataGapError{Symbol: job.Symbol, Range: job.Range, Missing: res.Missing}
}

// fetchFrom asks one provider for each missing range and claims the dates it
// returns. Any error that survives the retry policy abandons the provider for
// this job.
func (f *Fetcher) fetchFrom(ctx context.Context, src Source, sym model.Symbol, ranges []model.DateRange, missing map[time.Time]bool, got map[time.Time]model.RawBar) (int, error) {
	p := src.Provider
	claimed := 0
	for _, r := range ranges {
		for _, chunk := range f.cal.Chunk(r, src.MaxSpan) {
			name := fmt.Sprintf("%s %s %s", p.ID(), sym, chunk)
			err := f.retry.Do(ctx, name, func(actx context.Context) error {
				res, err := p.FetchDaily(actx, sym, chunk.Start, chunk.End)
				if res != nil {
					claimed += claim(res.Bars, chunk, missing, got)
				}
				return err
			})
			if err != nil {
				return claimed, err
			}
		}
	}
	return claimed, nil
}

// claim takes bars for dates that are still missing; anything else is ignored.
func claim(bars []model.RawBar, within model.DateRange, missing map[time.Time]bool, got map[time.Time]model.RawBar) int {
	n := 0
	for _, b := range bars {
		d := model.Day(b.Date)
		if !within.Contains(d) || !missing[d] || b.Close <= 0 {
			continue
		}
		b.Date = d
		got[d] = clean(b)
		delete(missing, d)
		n++
	}
	return n
}

// clean fills what a vendor row left out and keeps high and low around open
// and close. A missing open takes the close.
func clean(b model.RawBar) model.RawBar {
	if b.Open <= 0 {
		b.Open = b.Close
	}
	if b.Low <= 0 {
		b.Low = min(b.Open, b.Close)
	}
	b.High = max(b.High, b.Open, b.Close)
	b.Low = min(b.Low, b.Open, b.Close)
	if b.Volume < 0 {
		b.Volume = 0
	}
	if b.Amount < 0 {
		b.Amount = 0
	}
	return b
}

func keys(m map[time.Time]bool) []time.Time {
	out := make([]time.Time, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	return out
}

func joinRanges(rs []model.DateRange) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
