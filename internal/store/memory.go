package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"KlineVault/internal/model"
)

// ErrClosed is returned by MemoryStore after Close.
var ErrClosed = errors.New("store closed")

type variantKey struct {
	date time.Time
	kind model.PriceKind
}

// MemoryStore keeps everything in maps. It is used for dry runs and in tests.
type MemoryStore struct {
	mu         sync.Mutex
	closed     bool
	bars       map[model.Symbol]map[time.Time]model.CanonicalBar
	variants   map[model.Symbol]map[variantKey]model.PriceVariant
	factors    map[model.Symbol][]model.AdjustmentFactor
	gaps       map[model.Symbol][]model.DateRange
	pending    map[model.Symbol]bool
	securities map[model.Symbol]model.Security
	runs       []model.RunSummary

	// FailWrites, when set, is returned by every write.
	FailWrites error
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		bars:       make(map[model.Symbol]map[time.Time]model.CanonicalBar),
		variants:   make(map[model.Symbol]map[variantKey]model.PriceVariant),
		factors:    make(map[model.Symbol][]model.AdjustmentFactor),
		gaps:       make(map[model.Symbol][]model.DateRange),
		pending:    make(map[model.Symbol]bool),
		securities: make(map[model.Symbol]model.Security),
	}
}

func (m *MemoryStore) check(write bool) error {
	if m.closed {
		return ErrClosed
	}
	if write && m.FailWrites != nil {
		return m.FailWrites
	}
	return nil
}

func (m *MemoryStore) LastDate(_ context.Context, sym model.Symbol) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return time.Time{}, false, err
	}
	var last time.Time
	for d := range m.bars[sym] {
		if d.After(last) {
			last = d
		}
	}
	return last, !last.IsZero(), nil
}

func (m *MemoryStore) UpsertBars(_ context.Context, bars []model.CanonicalBar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(true); err != nil {
		return err
	}
	m.putBars(bars)
	return nil
}

func (m *MemoryStore) putBars(bars []model.CanonicalBar) {
	for _, b := range bars {
		if m.bars[b.Symbol] == nil {
			m.bars[b.Symbol] = make(map[time.Time]model.CanonicalBar)
		}
		b.Date = model.Day(b.Date)
		m.bars[b.Symbol][b.Date] = b
	}
}

func (m *MemoryStore) Bars(_ context.Context, sym model.Symbol) ([]model.CanonicalBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	var out []model.CanonicalBar
	for _, b := range m.bars[sym] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) UpsertVariants(_ context.Context, rows []model.PriceVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(true); err != nil {
		return err
	}
	if err := checkKinds(rows); err != nil {
		return err
	}
	m.putVariants(rows)
	return nil
}

// checkKinds mirrors the kind constraint of the SQLite schema.
func checkKinds(rows []model.PriceVariant) error {
	for _, v := range rows {
		if !v.Kind.Valid() {
			return fmt.Errorf("variant %s %s: unknown kind %q", v.Symbol, dateKey(v.Date), v.Kind)
		}
	}
	return nil
}

func (m *MemoryStore) putVariants(rows []model.PriceVariant) {
	for _, v := range rows {
		if m.variants[v.Symbol] == nil {
			m.variants[v.Symbol] = make(map[variantKey]model.PriceVariant)
		}
		v.Date = model.Day(v.Date)
		m.variants[v.Symbol][variantKey{v.Date, v.Kind}] = v
	}
}

func (m *MemoryStore) Variants(_ context.Context, sym model.Symbol, kind model.PriceKind) ([]model.PriceVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	var out []model.PriceVariant
	for k, v := range m.variants[sym] {
		if k.kind == kind {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) Factors(_ context.Context, sym model.Symbol) ([]model.AdjustmentFactor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	out := make([]model.AdjustmentFactor, len(m.factors[sym]))
	copy(out, m.factors[sym])
	return out, nil
}

func (m *MemoryStore) AppendFactors(_ context.Context, steps []model.AdjustmentFactor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(true); err != nil {
		return err
	}
	m.putFactors(steps)
	return nil
}

func (m *MemoryStore) putFactors(steps []model.AdjustmentFactor) {
	for _, f := range steps {
		f.Date = model.Day(f.Date)
		existing := m.factors[f.Symbol]
		i := sort.Search(len(existing), func(i int) bool { return !existing[i].Date.Before(f.Date) })
		if i < len(existing) && existing[i].Date.Equal(f.Date) {
			continue
		}
		existing = append(existing, model.AdjustmentFactor{})
		copy(existing[i+1:], existing[i:])
		existing[i] = f
		m.factors[f.Symbol] = existing
	}
}

func (m *MemoryStore) Gaps(_ context.Context, sym model.Symbol) ([]model.DateRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	out := make([]model.DateRange, len(m.gaps[sym]))
	copy(out, m.gaps[sym])
	return out, nil
}

func (m *MemoryStore) ReplaceGaps(_ context.Context, sym model.Symbol, gaps []model.DateRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(true); err != nil {
		return err
	}
	m.putGaps(sym, gaps)
	return nil
}

func (m *MemoryStore) putGaps(sym model.Symbol, gaps []model.DateRange) {
	if len(gaps) == 0 {
		delete(m.gaps, sym)
		return
	}
	cp := make([]model.DateRange, len(gaps))
	copy(cp, gaps)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Start.Before(cp[j].Start) })
	m.gaps[sym] = cp
}

// Commit checks the whole batch before applying any of it, under one lock.
func (m *MemoryStore) Commit(_ context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(true); err != nil {
		return err
	}
	if err := b.validate(); err != nil {
		return err
	}
	if err := checkKinds(b.Variants); err != nil {
		return err
	}
	m.putBars(b.Bars)
	m.putFactors(b.Factors)
	m.putVariants(b.Variants)
	m.putGaps(b.Symbol, b.Gaps)
	if b.AdjustPending {
		m.pending[b.Symbol] = true
	} else {
		delete(m.pending, b.Symbol)
	}
	return nil
}

func (m *MemoryStore) AdjustPending(_ context.Context, sym model.Symbol) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return false, err
	}
	return m.pending[sym], nil
}

func (m *MemoryStore) UpsertSecurities(_ context.Context, secs []model.Security) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(true); err != nil {
		return err
	}
	for _, s := range secs {
		m.securities[s.Symbol] = s
	}
	return nil
}

func (m *MemoryStore) Securities(context.Context) ([]model.Security, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	out := make([]model.Security, 0, len(m.securities))
	for _, s := range m.securities {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i].Symbol) < key(out[j].Symbol) })
	return out, nil
}

func (m *MemoryStore) TrackedSymbols(context.Context) ([]model.Symbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	var out []model.Symbol
	for sym, s := range m.securities {
		if s.DelistedAt.IsZero() {
			out = append(out, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out, nil
}

func (m *MemoryStore) RecordRun(_ context.Context, report *model.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(true); err != nil {
		return err
	}
	sum := report.Summary()
	for i, r := range m.runs {
		if r.ID == sum.ID {
			m.runs[i] = sum
			return nil
		}
	}
	m.runs = append(m.runs, sum)
	return nil
}

func (m *MemoryStore) RecentRuns(_ context.Context, limit int) ([]model.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	out := make([]model.RunSummary, len(m.runs))
	copy(out, m.runs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
