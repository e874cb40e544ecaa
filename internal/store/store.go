// Package store persists canonical bars, factor steps, price variants,
// outstanding gaps, the security listing and run reports.
package store

import (
	"context"
	"fmt"
	"time"

	"KlineVault/internal/model"
)

// Store is the storage contract used by the scheduler.
// All writes are idempotent: writing the same rows twice leaves the same state.
type Store interface {
	// LastDate returns the most recent stored canonical date for sym.
	LastDate(ctx context.Context, sym model.Symbol) (time.Time, bool, error)

	// UpsertBars writes canonical bars, last write wins per (symbol, date).
	UpsertBars(ctx context.Context, bars []model.CanonicalBar) error
	// Bars returns the stored canonical bars of sym in ascending date order.
	Bars(ctx context.Context, sym model.Symbol) ([]model.CanonicalBar, error)

	// UpsertVariants writes price variants, last write wins per (symbol, date, kind).
	UpsertVariants(ctx context.Context, rows []model.PriceVariant) error
	// Variants returns the stored rows of one kind in ascending date order.
	Variants(ctx context.Context, sym model.Symbol, kind model.PriceKind) ([]model.PriceVariant, error)

	// Factors returns the factor steps of sym in ascending date order.
	Factors(ctx context.Context, sym model.Symbol) ([]model.AdjustmentFactor, error)
	// AppendFactors adds steps. A step dated on an existing step is ignored.
	AppendFactors(ctx context.Context, steps []model.AdjustmentFactor) error

	// Gaps returns the outstanding missing ranges of sym.
	Gaps(ctx context.Context, sym model.Symbol) ([]model.DateRange, error)
	// ReplaceGaps sets the outstanding missing ranges of sym.
	ReplaceGaps(ctx context.Context, sym model.Symbol, gaps []model.DateRange) error

	// Commit writes a Batch atomically: all of it is stored or none of it.
	Commit(ctx context.Context, b Batch) error
	// AdjustPending reports whether sym has bars whose adjusted rows were
	// never computed.
	AdjustPending(ctx context.Context, sym model.Symbol) (bool, error)

	// UpsertSecurities writes listing rows, last write wins per symbol.
	UpsertSecurities(ctx context.Context, secs []model.Security) error
	// Securities returns the stored listing ordered by symbol.
	Securities(ctx context.Context) ([]model.Security, error)
	// TrackedSymbols returns every stored security that is not delisted, ordered by symbol.
	TrackedSymbols(ctx context.Context) ([]model.Symbol, error)

	// RecordRun stores a run summary.
	RecordRun(ctx context.Context, report *model.RunReport) error
	// RecentRuns returns up to limit recorded runs, most recent first.
	RecentRuns(ctx context.Context, limit int) ([]model.RunSummary, error)

	Close() error
}

// Batch is everything one symbol task writes.
type Batch struct {
	Symbol   model.Symbol
	Bars     []model.CanonicalBar     // upserted
	Factors  []model.AdjustmentFactor // appended
	Variants []model.PriceVariant     // upserted
	Gaps     []model.DateRange        // replace the outstanding gaps

	// AdjustPending marks the adjusted rows of Symbol as missing; false clears the mark.
	AdjustPending bool
}

func (b Batch) validate() error {
	for _, r := range b.Bars {
		if r.Symbol != b.Symbol {
			return fmt.Errorf("batch %s: bar of %s", b.Symbol, r.Symbol)
		}
	}
	for _, f := range b.Factors {
		if f.Symbol != b.Symbol {
			return fmt.Errorf("batch %s: factor of %s", b.Symbol, f.Symbol)
		}
	}
	for _, v := range b.Variants {
		if v.Symbol != b.Symbol {
			return fmt.Errorf("batch %s: variant of %s", b.Symbol, v.Symbol)
		}
	}
	return nil
}
