package model

import (
	"fmt"
	"time"
)

// DateLayout is the textual date form used in storage and logs.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar day.
// All dates in the model are normalised this way so they compare with == and work as map keys.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date builds a normalised date.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts "2006-01-02" and "20060102".
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{DateLayout, "20060102"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse date %q", s)
}

// DateRange is an inclusive range of dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange normalises both ends.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d time.Time) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Valid reports whether Start <= End.
func (r DateRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.Before(r.Start)
}

func (r DateRange) String() string {
	if r.Start.Equal(r.End) {
		return r.Start.Format(DateLayout)
	}
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}
