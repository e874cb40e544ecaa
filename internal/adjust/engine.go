// Package adjust derives raw, forward-adjusted and backward-adjusted prices
// from canonical bars and a cumulative adjustment-factor series.
package adjust

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"KlineVault/internal/model"
	"KlineVault/internal/provider"
)

// Mode selects where factors come from.
type Mode string

const (
	ModeInfer Mode = "infer" // from price discontinuities
	ModeFeed  Mode = "feed"  // from an authoritative factor feed
)

// ErrNoFactors is returned when variants are asked for without any factor step.
var ErrNoFactors = errors.New("no adjustment factors")

// Engine extends factor series and computes price variants. It holds no per-symbol state.
type Engine struct {
	mode          Mode
	dropThreshold float64
	feed          provider.FactorFeed
	logger        logrus.FieldLogger
}

// NewEngine creates an engine. In feed mode a feed is required; when
// dropThreshold is also set, inference stands in for a failing feed.
func NewEngine(mode Mode, dropThreshold float64, feed provider.FactorFeed, logger logrus.FieldLogger) (*Engine, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	switch mode {
	case ModeFeed:
		if feed == nil {
			return nil, errors.New("adjust: feed mode without a factor feed")
		}
	case ModeInfer:
		if dropThreshold <= 0 || dropThreshold >= 1 {
			return nil, fmt.Errorf("adjust: %w", ErrInferenceDisabled)
		}
	default:
		return nil, fmt.Errorf("adjust: unknown mode %q", mode)
	}
	return &Engine{mode: mode, dropThreshold: dropThreshold, feed: feed, logger: logger}, nil
}

// Mode returns the configured factor source.
func (e *Engine) Mode() Mode { return e.mode }

// Extend returns the factor steps to append after prior, given the symbol's
// full canonical history in ascending order. Stored steps are never revised.
func (e *Engine) Extend(ctx context.Context, sym model.Symbol, history []model.CanonicalBar, prior []model.AdjustmentFactor) ([]model.AdjustmentFactor, error) {
	if len(history) == 0 {
		return nil, nil
	}
	if e.mode == ModeInfer {
		return Infer(sym, history, prior, e.dropThreshold)
	}

	from := history[0].Date
	if len(prior) > 0 {
		from = NewSeries(prior)[len(prior)-1].Date
	}
	feed, err := e.feed.FetchFactors(ctx, sym, from, history[len(history)-1].Date)
	if err == nil {
		steps := FromFeed(sym, feed, prior, history)
		if len(prior) == 0 && len(steps) == 0 {
			return nil, fmt.Errorf("factor feed for %s: no factors", sym)
		}
		return steps, nil
	}
	if e.dropThreshold <= 0 {
		return nil, fmt.Errorf("factor feed for %s: %w", sym, err)
	}
	e.logger.WithField("symbol", sym.String()).Warnf("factor feed failed, inferring instead: %v", err)
	return Infer(sym, history, prior, e.dropThreshold)
}

// Variants computes the raw, forward-adjusted and backward-adjusted rows for bars.
//
//	backward(d) = raw(d) * f(latest) / f(d)
//	forward(d)  = raw(d) * f(d) / f(earliest)
//
// earliest and latest are the first and most recent steps of factors, so a
// subset of bars yields the same rows as the full history would.
func Variants(bars []model.CanonicalBar, factors []model.AdjustmentFactor) ([]model.PriceVariant, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	if len(factors) == 0 {
		return nil, ErrNoFactors
	}
	series := NewSeries(factors)
	earliest, latest := series.Earliest(), series.Latest()
	if earliest <= 0 || latest <= 0 {
		return nil, fmt.Errorf("non-positive adjustment factor for %s", bars[0].Symbol)
	}

	out := make([]model.PriceVariant, 0, 3*len(bars))
	for _, b := range bars {
		fd := series.At(b.Date)
		if fd <= 0 {
			return nil, fmt.Errorf("non-positive adjustment factor for %s on %s", b.Symbol, b.Date.Format(model.DateLayout))
		}
		out = append(out,
			scaled(b, model.KindRaw, 1),
			scaled(b, model.KindForwardAdjusted, fd/earliest),
			scaled(b, model.KindBackwardAdjusted, latest/fd),
		)
	}
	return out, nil
}

// Raw returns only the raw rows for bars. They need no factors, so they can be
// stored while the adjusted rows wait for a factor source.
func Raw(bars []model.CanonicalBar) []model.PriceVariant {
	out := make([]model.PriceVariant, 0, len(bars))
	for _, b := range bars {
		out = append(out, scaled(b, model.KindRaw, 1))
	}
	return out
}

func scaled(b model.CanonicalBar, kind model.PriceKind, m float64) model.PriceVariant {
	return model.PriceVariant{
		Symbol: b.Symbol,
		Date:   b.Date,
		Kind:   kind,
		Open:   b.Open * m,
		High:   b.High * m,
		Low:    b.Low * m,
		Close:  b.Close * m,
	}
}
