package adjust

import (
	"errors"
	"sort"
	"time"

	"KlineVault/internal/model"
)

// ErrInferenceDisabled is returned when inference is asked for without a drop threshold.
var ErrInferenceDisabled = errors.New("factor inference disabled: no drop threshold configured")

// Feed factors are ratios of two prices quoted to priceTick, so a factor
// jitters by up to about priceTick/close from rounding alone. feedEpsilon is
// the floor of that tolerance for high-priced stocks.
const (
	priceTick   = 0.01
	feedEpsilon = 5e-4
)

// tolerance is the relative change a feed factor can show on a bar closing at
// close without any corporate action.
func tolerance(close float64) float64 {
	if close <= 0 {
		return feedEpsilon
	}
	return max(feedEpsilon, priceTick/close)
}

// Series is a factor step series sorted by date.
type Series []model.AdjustmentFactor

// NewSeries sorts a copy of factors.
func NewSeries(factors []model.AdjustmentFactor) Series {
	s := make(Series, len(factors))
	copy(s, factors)
	sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
	return s
}

// At returns the factor in effect on d. Dates before the first step take the first step's value.
func (s Series) At(d time.Time) float64 {
	if len(s) == 0 {
		return 1
	}
	i := sort.Search(len(s), func(i int) bool { return s[i].Date.After(d) })
	if i == 0 {
		return s[0].Cumulative
	}
	return s[i-1].Cumulative
}

// Earliest is the factor of the first step.
func (s Series) Earliest() float64 {
	if len(s) == 0 {
		return 1
	}
	return s[0].Cumulative
}

// Latest is the factor of the most recent step.
func (s Series) Latest() float64 {
	if len(s) == 0 {
		return 1
	}
	return s[len(s)-1].Cumulative
}

// Infer scans bars for corporate-action discontinuities after the last prior step
// and returns only the new steps.
//
// A close below (1 - dropThreshold) times the previous close is read as an
// ex-rights date, and the cumulative factor is divided by that ratio from that
// date on. Upward jumps never create a step, so limit-up runs and IPO debuts
// pass through untouched. Without prior steps the series starts at 1.0 on the
// first bar.
func Infer(sym model.Symbol, bars []model.CanonicalBar, prior []model.AdjustmentFactor, dropThreshold float64) ([]model.AdjustmentFactor, error) {
	if dropThreshold <= 0 || dropThreshold >= 1 {
		return nil, ErrInferenceDisabled
	}
	if len(bars) == 0 {
		return nil, nil
	}

	var (
		steps []model.AdjustmentFactor
		cur   float64
		from  time.Time
	)
	if len(prior) == 0 {
		cur = 1
		from = bars[0].Date
		steps = append(steps, model.AdjustmentFactor{Symbol: sym, Date: from, Cumulative: cur})
	} else {
		last := NewSeries(prior)[len(prior)-1]
		cur, from = last.Cumulative, last.Date
	}

	floor := 1 - dropThreshold
	for i := 1; i < len(bars); i++ {
		if !bars[i].Date.After(from) {
			continue
		}
		prev := bars[i-1].Close
		if prev <= 0 || bars[i].Close <= 0 {
			continue
		}
		ratio := bars[i].Close / prev
		if ratio < floor {
			cur /= ratio
			steps = append(steps, model.AdjustmentFactor{Symbol: sym, Date: bars[i].Date, Cumulative: cur})
		}
	}
	return steps, nil
}

// FromFeed turns per-date feed factors into the steps that follow prior.
// A value within tolerance of the current step, at the close of the latest bar
// on or before its date, is rounding noise. So is a decrease, since a
// cumulative factor never falls.
func FromFeed(sym model.Symbol, feed []model.AdjustmentFactor, prior []model.AdjustmentFactor, bars []model.CanonicalBar) []model.AdjustmentFactor {
	var (
		steps []model.AdjustmentFactor
		cur   float64
		after time.Time
	)
	if len(prior) > 0 {
		last := NewSeries(prior)[len(prior)-1]
		cur, after = last.Cumulative, last.Date
	}
	for _, f := range NewSeries(feed) {
		if f.Cumulative <= 0 || (len(prior) > 0 && !f.Date.After(after)) {
			continue
		}
		if cur == 0 || f.Cumulative > cur*(1+tolerance(closeOn(bars, f.Date))) {
			cur = f.Cumulative
			steps = append(steps, model.AdjustmentFactor{Symbol: sym, Date: model.Day(f.Date), Cumulative: cur})
		}
	}
	return steps
}

// closeOn returns the close of the latest bar dated on or before d, the first
// bar's close when d precedes them all, and 0 without bars.
func closeOn(bars []model.CanonicalBar, d time.Time) float64 {
	if len(bars) == 0 {
		return 0
	}
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Date.After(d) })
	if i == 0 {
		return bars[0].Close
	}
	return bars[i-1].Close
}
