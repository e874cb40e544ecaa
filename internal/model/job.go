package model

// Job priorities; lower runs first within a symbol.
const (
	PriorityUpdate   = 0
	PriorityBackfill = 1
	PriorityGapRetry = 2
)

// FetchJob is a transient unit of work handed from the scheduler to the fetcher.
type FetchJob struct {
	Symbol   Symbol
	Range    DateRange
	Priority int
}

// FetchStatus describes how much of a request a provider answered.
type FetchStatus string

const (
	StatusComplete FetchStatus = "complete"
	StatusPartial  FetchStatus = "partial"
	StatusFailed   FetchStatus = "failed"
)

// ProviderResult is the output of one provider call.
type ProviderResult struct {
	Source  string
	Bars    []RawBar // ascending by date
	Status  FetchStatus
	Covered DateRange // zero when no bar came back
}

// Cover sets Covered from the first and last bar.
func (r *ProviderResult) Cover() {
	if len(r.Bars) == 0 {
		r.Covered = DateRange{}
		return
	}
	r.Covered = DateRange{Start: r.Bars[0].Date, End: r.Bars[len(r.Bars)-1].Date}
}
