package model

import "time"

// AdjustmentFactor is one step of a symbol's cumulative factor series.
// The factor in effect on a date is the Cumulative value of the latest step dated on or before it.
// Steps are append-only and Cumulative never decreases over time.
type AdjustmentFactor struct {
	Symbol     Symbol
	Date       time.Time
	Cumulative float64
}
