package model

import (
	"sort"
	"time"
)

// SymbolState is the per-symbol, per-run state machine:
// pending -> fetching -> {merged -> persisted | gap_reported | failed}.
// Symbols with nothing to fetch end in skipped.
type SymbolState string

const (
	StatePending     SymbolState = "pending"
	StateFetching    SymbolState = "fetching"
	StateMerged      SymbolState = "merged"
	StatePersisted   SymbolState = "persisted"
	StateGapReported SymbolState = "gap_reported"
	StateFailed      SymbolState = "failed"
	StateSkipped     SymbolState = "skipped"
)

// Terminal reports whether a run can end in this state.
func (s SymbolState) Terminal() bool {
	switch s {
	case StatePersisted, StateGapReported, StateFailed, StateSkipped:
		return true
	}
	return false
}

// RunMode tells initial loads from incremental updates.
type RunMode string

const (
	ModeInitial RunMode = "initial"
	ModeUpdate  RunMode = "update"
)

// SymbolOutcome is the terminal result of one symbol in a run.
type SymbolOutcome struct {
	Symbol Symbol
	State  SymbolState
	Bars   int         // canonical bars written
	Gaps   []DateRange // still-missing ranges, for gap_reported and failed
	Err    error
}

// RunReport summarises one scheduler run.
type RunReport struct {
	ID         string
	Mode       RunMode
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []SymbolOutcome
}

// Count returns how many symbols ended in state.
func (r *RunReport) Count(state SymbolState) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// With returns the outcomes in state, ordered by symbol.
func (r *RunReport) With(state SymbolState) []SymbolOutcome {
	var out []SymbolOutcome
	for _, o := range r.Outcomes {
		if o.State == state {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol.String() < out[j].Symbol.String() })
	return out
}

// Outcome looks up the outcome of one symbol.
func (r *RunReport) Outcome(sym Symbol) (SymbolOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Symbol == sym {
			return o, true
		}
	}
	return SymbolOutcome{}, false
}

// RunSummary is what is kept of a run once it is recorded.
type RunSummary struct {
	ID          string
	Mode        RunMode
	StartedAt   time.Time
	FinishedAt  time.Time
	Persisted   int
	GapReported int
	Failed      int
	Skipped     int
}

// Summary counts the outcomes of the run.
func (r *RunReport) Summary() RunSummary {
	return RunSummary{
		ID:          r.ID,
		Mode:        r.Mode,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Persisted:   r.Count(StatePersisted),
		GapReported: r.Count(StateGapReported),
		Failed:      r.Count(StateFailed),
		Skipped:     r.Count(StateSkipped),
	}
}
