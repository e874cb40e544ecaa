package adjust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KlineVault/internal/model"
	"KlineVault/internal/provider"
)

var sym = model.MustParseSymbol("0.000002")

func day(n int) time.Time { return model.Date(2024, 3, 1).AddDate(0, 0, n) }

// history builds one bar per close, one day apart.
func history(closes ...float64) []model.CanonicalBar {
	out := make([]model.CanonicalBar, len(closes))
	for i, c := range closes {
		out[i] = model.CanonicalBar{Symbol: sym, Date: day(i), Open: c * 0.99, High: c * 1.02, Low: c * 0.97, Close: c, Volume: 1e6}
	}
	return out
}

func TestInfer_SplitCreatesStep(t *testing.T) {
	// 10-for-10 bonus shares on day 3: price halves.
	bars := history(20.0, 20.4, 20.2, 10.1, 10.3)
	steps, err := Infer(sym, bars, nil, 0.25)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, day(0), steps[0].Date)
	assert.Equal(t, 1.0, steps[0].Cumulative)
	assert.Equal(t, day(3), steps[1].Date)
	assert.InDelta(t, 2.0, steps[1].Cumulative, 1e-12)
}

func TestInfer_ToleratesLimitMoves(t *testing.T) {
	// +44% IPO debut, then 20% limit-down days on ChiNext: no corporate action.
	bars := history(10.0, 14.4, 11.52, 9.22, 10.14)
	steps, err := Infer(sym, bars, nil, 0.25)
	require.NoError(t, err)
	require.Len(t, steps, 1, "only the base step")
}

func TestInfer_ThresholdIsConfigurable(t *testing.T) {
	bars := history(10.0, 8.5)
	strict, err := Infer(sym, bars, nil, 0.1)
	require.NoError(t, err)
	loose, err := Infer(sym, bars, nil, 0.2)
	require.NoError(t, err)
	assert.Len(t, strict, 2)
	assert.Len(t, loose, 1)

	_, err = Infer(sym, bars, nil, 0)
	assert.ErrorIs(t, err, ErrInferenceDisabled)
}

func TestInfer_AppendsOnlyAfterPrior(t *testing.T) {
	bars := history(20.0, 10.0, 10.2, 5.1)
	prior := []model.AdjustmentFactor{
		{Symbol: sym, Date: day(0), Cumulative: 1},
		{Symbol: sym, Date: day(1), Cumulative: 2},
	}
	steps, err := Infer(sym, bars, prior, 0.25)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, day(3), steps[0].Date)
	assert.InDelta(t, 4.0, steps[0].Cumulative, 1e-12)
}

func TestInfer_FactorsNeverDecreaseOverTime(t *testing.T) {
	bars := history(30, 14, 15, 16, 7.5, 7.6, 9, 3.5, 3.6)
	steps, err := Infer(sym, bars, nil, 0.3)
	require.NoError(t, err)
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i].Cumulative, steps[i-1].Cumulative)
		assert.True(t, steps[i].Date.After(steps[i-1].Date))
	}
	for _, s := range steps {
		assert.Greater(t, s.Cumulative, 0.0)
	}
}

func TestFromFeed_CollapsesNoiseAndKeepsSteps(t *testing.T) {
	feed := []model.AdjustmentFactor{
		{Date: day(2), Cumulative: 1.50010},
		{Date: day(0), Cumulative: 1.5},
		{Date: day(1), Cumulative: 1.49995},
		{Date: day(3), Cumulative: 1.53},
		{Date: day(4), Cumulative: 1.5301},
		{Date: day(5), Cumulative: 3.06},
	}
	steps := FromFeed(sym, feed, nil, nil)
	require.Len(t, steps, 3)
	assert.Equal(t, []float64{1.5, 1.53, 3.06}, []float64{steps[0].Cumulative, steps[1].Cumulative, steps[2].Cumulative})
	assert.Equal(t, []time.Time{day(0), day(3), day(5)}, []time.Time{steps[0].Date, steps[1].Date, steps[2].Date})

	more := FromFeed(sym, feed, steps, nil)
	assert.Empty(t, more, "nothing after the last stored step")
}

func TestFromFeed_ToleranceFollowsPricePrecision(t *testing.T) {
	feed := []model.AdjustmentFactor{
		{Date: day(0), Cumulative: 1.0},
		{Date: day(1), Cumulative: 1.0017},
		{Date: day(2), Cumulative: 0.9990},
		{Date: day(3), Cumulative: 1.0030},
		{Date: day(4), Cumulative: 1.10},
		{Date: day(5), Cumulative: 1.1015},
	}

	// At 3 CNY a cent of rounding moves the ratio by about 3e-3.
	cheap := FromFeed(sym, feed, nil, history(3, 3, 3, 3, 3, 3))
	require.Len(t, cheap, 2)
	assert.Equal(t, []time.Time{day(0), day(4)}, []time.Time{cheap[0].Date, cheap[1].Date})
	assert.Equal(t, 1.10, cheap[1].Cumulative)

	// At 300 CNY the same move is a real step.
	dear := FromFeed(sym, feed, nil, history(300, 300, 300, 300, 300, 300))
	assert.Greater(t, len(dear), 2)
	assert.Equal(t, day(1), dear[1].Date)
}

func TestVariants_AnchorsAndIdentity(t *testing.T) {
	bars := history(20.0, 20.4, 20.2, 10.1, 10.3, 4.9, 5.0)
	factors, err := Infer(sym, bars, nil, 0.25)
	require.NoError(t, err)
	require.Len(t, factors, 3)

	rows, err := Variants(bars, factors)
	require.NoError(t, err)
	require.Len(t, rows, 3*len(bars))

	series := NewSeries(factors)
	latest, earliest := series.Latest(), series.Earliest()
	byKind := map[model.PriceKind][]model.PriceVariant{}
	for _, r := range rows {
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}

	for i, b := range bars {
		raw, fwd, bwd := byKind[model.KindRaw][i], byKind[model.KindForwardAdjusted][i], byKind[model.KindBackwardAdjusted][i]
		fd := series.At(b.Date)

		assert.Equal(t, b.Close, raw.Close)
		assert.Equal(t, b.Open, raw.Open)
		assert.Equal(t, b.Close*(latest/fd), bwd.Close, "backward identity on %s", b.Date)
		assert.Equal(t, b.Close*(fd/earliest), fwd.Close)
		assert.Equal(t, b.Date, bwd.Date)
	}

	last := len(bars) - 1
	assert.Equal(t, bars[last].Close, byKind[model.KindBackwardAdjusted][last].Close, "backward is anchored at the latest date")
	assert.Equal(t, bars[0].Close, byKind[model.KindForwardAdjusted][0].Close, "forward is anchored at the earliest date")
}

func TestVariants_DeterministicAndSubsetConsistent(t *testing.T) {
	bars := history(20.0, 10.0, 10.5, 11.0)
	factors, err := Infer(sym, bars, nil, 0.25)
	require.NoError(t, err)

	full, err := Variants(bars, factors)
	require.NoError(t, err)
	again, err := Variants(bars, factors)
	require.NoError(t, err)
	assert.Equal(t, full, again)

	tail, err := Variants(bars[2:], factors)
	require.NoError(t, err)
	assert.Equal(t, full[6:], tail)
}

func TestVariants_NeedsFactors(t *testing.T) {
	_, err := Variants(history(1, 2), nil)
	assert.ErrorIs(t, err, ErrNoFactors)

	rows, err := Variants(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	raw := Raw(history(1, 2))
	require.Len(t, raw, 2)
	for _, r := range raw {
		assert.Equal(t, model.KindRaw, r.Kind)
	}
	assert.Equal(t, 2.0, raw[1].Close)
}

type brokenFeed struct{}

func (brokenFeed) FetchFactors(context.Context, model.Symbol, time.Time, time.Time) ([]model.AdjustmentFactor, error) {
	return nil, errors.New("feed down")
}

func TestEngine_FeedModeUsesFeed(t *testing.T) {
	bars := history(20.0, 10.0, 10.5)
	feed := provider.NewStatic("eastmoney").ServeFactors(sym,
		model.AdjustmentFactor{Symbol: sym, Date: day(0), Cumulative: 3},
		model.AdjustmentFactor{Symbol: sym, Date: day(1), Cumulative: 6},
		model.AdjustmentFactor{Symbol: sym, Date: day(2), Cumulative: 6},
	)
	eng, err := NewEngine(ModeFeed, 0, feed, nil)
	require.NoError(t, err)

	steps, err := eng.Extend(context.Background(), sym, bars, nil)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 6.0, steps[1].Cumulative)
}

func TestEngine_FeedFailureFallsBackToInference(t *testing.T) {
	logger, hook := test.NewNullLogger()
	eng, err := NewEngine(ModeFeed, 0.25, brokenFeed{}, logger)
	require.NoError(t, err)

	steps, err := eng.Extend(context.Background(), sym, history(20.0, 10.0), nil)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "feed down")

	strict, err := NewEngine(ModeFeed, 0, brokenFeed{}, logger)
	require.NoError(t, err)
	_, err = strict.Extend(context.Background(), sym, history(20.0, 10.0), nil)
	assert.ErrorContains(t, err, "feed down")
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(ModeInfer, 0, nil, nil)
	assert.ErrorIs(t, err, ErrInferenceDisabled)
	_, err = NewEngine(ModeFeed, 0.2, nil, nil)
	assert.Error(t, err)
	_, err = NewEngine("magic", 0.2, nil, nil)
	assert.Error(t, err)
}
