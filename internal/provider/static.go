package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"KlineVault/internal/model"
)

// Call records one FetchDaily request served by a Static provider.
type Call struct {
	Symbol model.Symbol
	Range  model.DateRange
}

// Static serves fixed bars from memory, with scripted failures.
// It is used for fixtures and tests.
type Static struct {
	name string

	mu       sync.Mutex
	bars     map[model.Symbol][]model.RawBar
	failures map[model.Symbol][]error // consumed one per call; the last one sticks
	factors  map[model.Symbol][]model.AdjustmentFactor
	calls    []Call
}

// NewStatic creates an empty static provider.
func NewStatic(name string) *Static {
	return &Static{
		name:     name,
		bars:     make(map[model.Symbol][]model.RawBar),
		failures: make(map[model.Symbol][]error),
		factors:  make(map[model.Symbol][]model.AdjustmentFactor),
	}
}

func (s *Static) ID() string { return s.name }

// Serve adds canonical bars for sym, tagged with this provider as source.
func (s *Static) Serve(sym model.Symbol, bars ...model.CanonicalBar) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		s.bars[sym] = append(s.bars[sym], model.RawBar{
			Symbol: sym,
			Date:   model.Day(b.Date),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
			Amount: b.Amount,
			Source: s.name,
		})
	}
	sort.Slice(s.bars[sym], func(i, j int) bool { return s.bars[sym][i].Date.Before(s.bars[sym][j].Date) })
	return s
}

// Fail scripts the errors returned by successive calls for sym. Once only
// one error is left it is returned on every further call; a nil entry
// lets that call succeed.
func (s *Static) Fail(sym model.Symbol, errs ...error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[sym] = append(s.failures[sym], errs...)
	return s
}

// ServeFactors sets the factor feed for sym.
func (s *Static) ServeFactors(sym model.Symbol, factors ...model.AdjustmentFactor) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factors[sym] = append(s.factors[sym], factors...)
	return s
}

// Calls returns the requests served so far.
func (s *Static) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the requests served so far for sym.
func (s *Static) CallsFor(sym model.Symbol) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Symbol == sym {
			out = append(out, c)
		}
	}
	return out
}

func (s *Static) FetchDaily(ctx context.Context, sym model.Symbol, start, end time.Time) (*model.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return result(s.name, nil, err), &Error{Source: s.name, Symbol: sym, Kind: ErrNetwork, Err: err}
	}
	start, end = model.Day(start), model.Day(end)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Symbol: sym, Range: model.DateRange{Start: start, End: end}})

	if errs := s.failures[sym]; len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			s.failures[sym] = errs[1:]
		}
		if err != nil {
			return result(s.name, nil, err), err
		}
	}

	bars, ok := s.bars[sym]
	if !ok {
		err := &Error{Source: s.name, Symbol: sym, Kind: ErrSymbolNotFound}
		return result(s.name, nil, err), err
	}
	var out []model.RawBar
	for _, b := range bars {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	return result(s.name, out, nil), nil
}

func (s *Static) FetchFactors(_ context.Context, sym model.Symbol, start, end time.Time) ([]model.AdjustmentFactor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AdjustmentFactor
	for _, f := range s.factors[sym] {
		if !f.Date.Before(model.Day(start)) && !f.Date.After(model.Day(end)) {
			out = append(out, f)
		}
	}
	return out, nil
}

// ListSecurities returns a stock named after its symbol for every symbol with bars.
func (s *Static) ListSecurities(context.Context) ([]model.Security, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Security, 0, len(s.bars))
	for sym := range s.bars {
		out = append(out, model.Security{Symbol: sym, Name: sym.Prefixed(), AssetType: model.AssetStock})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol.String() < out[j].Symbol.String() })
	return out, nil
}
