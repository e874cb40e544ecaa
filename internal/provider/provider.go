// Package provider fetches raw daily bars from individual quote sources.
package provider

import (
	"context"
	"time"

	"KlineVault/internal/model"
)

// Provider fetches raw daily bars for one symbol from exactly one source.
//
// FetchDaily returns bars ascending by date, all within [start, end]. A source
// may lack some dates; that is not an error. When a source fails part way
// through, the bars fetched so far come back in a partial result together with
// the error.
type Provider interface {
	ID() string
	FetchDaily(ctx context.Context, symbol model.Symbol, start, end time.Time) (*model.ProviderResult, error)
}

// Lister enumerates the listed universe.
type Lister interface {
	ListSecurities(ctx context.Context) ([]model.Security, error)
}

// FactorFeed serves authoritative cumulative adjustment factors, one per trading date.
type FactorFeed interface {
	FetchFactors(ctx context.Context, symbol model.Symbol, start, end time.Time) ([]model.AdjustmentFactor, error)
}

// result wraps bars fetched before err (nil on success) into a ProviderResult.
func result(source string, bars []model.RawBar, err error) *model.ProviderResult {
	res := &model.ProviderResult{Source: source, Bars: bars, Status: model.StatusComplete}
	switch {
	case err != nil && len(bars) > 0:
		res.Status = model.StatusPartial
	case err != nil:
		res.Status = model.StatusFailed
	}
	res.Cover()
	return res
}
