// Package calendar holds the set of valid A-share trading dates.
package calendar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"KlineVault/internal/model"
)

// Calendar is an immutable, ordered set of trading dates. Safe for concurrent use.
type Calendar struct {
	dates []time.Time
	index map[time.Time]int
}

// New builds a calendar from dates in any order; duplicates are dropped.
func New(dates []time.Time) *Calendar {
	sorted := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		sorted = append(sorted, model.Day(d))
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	c := &Calendar{index: make(map[time.Time]int, len(sorted))}
	for _, d := range sorted {
		if _, dup := c.index[d]; dup {
			continue
		}
		c.index[d] = len(c.dates)
		c.dates = append(c.dates, d)
	}
	return c
}

// Load reads a calendar file from path.
func Load(path string) (*Calendar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open calendar: %w", err)
	}
	defer f.Close()

	cal, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", path, err)
	}
	return cal, nil
}

// Parse reads dates separated by newlines, commas or whitespace.
// Both 2006-01-02 and 20060102 are accepted; text after '#' is ignored.
func Parse(r io.Reader) (*Calendar, error) {
	var dates []time.Time
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\t'
		})
		for _, f := range fields {
			d, err := model.ParseDate(f)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			dates = append(dates, d)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("no trading dates")
	}
	return New(dates), nil
}

// Len returns the number of trading dates.
func (c *Calendar) Len() int { return len(c.dates) }

// First returns the earliest trading date.
func (c *Calendar) First() time.Time {
	if len(c.dates) == 0 {
		return time.Time{}
	}
	return c.dates[0]
}

// Last returns the latest trading date.
func (c *Calendar) Last() time.Time {
	if len(c.dates) == 0 {
		return time.Time{}
	}
	return c.dates[len(c.dates)-1]
}

// IsTradingDay reports whether d is in the calendar.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	_, ok := c.index[model.Day(d)]
	return ok
}

// Between returns the trading dates in [start, end].
func (c *Calendar) Between(start, end time.Time) []time.Time {
	start, end = model.Day(start), model.Day(end)
	if end.Before(start) {
		return nil
	}
	lo := sort.Search(len(c.dates), func(i int) bool { return !c.dates[i].Before(start) })
	hi := sort.Search(len(c.dates), func(i int) bool { return c.dates[i].After(end) })
	if lo >= hi {
		return nil
	}
	out := make([]time.Time, hi-lo)
	copy(out, c.dates[lo:hi])
	return out
}

// After returns the trading dates strictly after d and up to until, inclusive.
func (c *Calendar) After(d, until time.Time) []time.Time {
	return c.Between(model.Day(d).AddDate(0, 0, 1), until)
}

// Ranges groups trading dates into runs that are contiguous in the calendar,
// so a holiday between two dates does not split a run. Non-trading dates are ignored.
func (c *Calendar) Ranges(dates []time.Time) []model.DateRange {
	idx := make([]int, 0, len(dates))
	for _, d := range dates {
		if i, ok := c.index[model.Day(d)]; ok {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	var out []model.DateRange
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && idx[j+1] <= idx[j]+1 {
			j++
		}
		out = append(out, model.DateRange{Start: c.dates[idx[i]], End: c.dates[idx[j]]})
		i = j + 1
	}
	return out
}

// Chunk splits r into consecutive ranges of at most span trading dates each.
// Ranges with no trading date produce nothing.
func (c *Calendar) Chunk(r model.DateRange, span int) []model.DateRange {
	dates := c.Between(r.Start, r.End)
	if len(dates) == 0 {
		return nil
	}
	if span <= 0 {
		span = len(dates)
	}
	var out []model.DateRange
	for i := 0; i < len(dates); i += span {
		j := i + span - 1
		if j >= len(dates) {
			j = len(dates) - 1
		}
		out = append(out, model.DateRange{Start: dates[i], End: dates[j]})
	}
	return out
}
