// Package report turns result stores into paired comparisons between a
// baseline variant and the variants measured against it.
package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"perfharness/internal/recorder"
	"perfharness/pkg/benchtypes"
)

// Filter selects which row pairs a comparison keeps.
type Filter int

const (
	// Completed keeps pairs where both runs completed.
	Completed Filter = iota
	// TimedOut keeps pairs where at least one run timed out and neither
	// failed to produce a result for another reason.
	TimedOut
)

func (f Filter) String() string {
	if f == TimedOut {
		return "timeouts"
	}
	return "completed"
}

// Point is one paired observation: the independent variable from the
// baseline row and the metric from both rows. Empty cells are NaN.
type Point struct {
	Index int
	X     float64
	YA    float64
	YB    float64
}

// Series returns the rows of variant in file order.
func Series(table *recorder.Table, variant string) []recorder.Row {
	var rows []recorder.Row
	for _, row := range table.Rows {
		if row.Variant == variant {
			rows = append(rows, row)
		}
	}
	return rows
}

// Compare pairs a[i] with b[i] for i below min(len(a), len(b)); rows beyond
// the shorter series are ignored. Pairs the filter rejects are dropped but
// keep their index.
func Compare(a, b []recorder.Row, metric, input string, filter Filter) ([]Point, error) {
	n := min(len(a), len(b))
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		ra, rb := a[i], b[i]
		if !keep(ra.Status, rb.Status, filter) {
			continue
		}

		x, err := cell(ra, input)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if math.IsNaN(x) {
			if x, err = cell(rb, input); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		ya, err := cell(ra, metric)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		yb, err := cell(rb, metric)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		points = append(points, Point{Index: i, X: x, YA: ya, YB: yb})
	}
	return points, nil
}

// Misaligned counts the positional pairs whose rows belong to different
// repetitions or instances. A row missing from one series, for example a
// record rejected by the schema check, shifts every later pair.
func Misaligned(a, b []recorder.Row) int {
	n := 0
	for i := 0; i < min(len(a), len(b)); i++ {
		if a[i].Repetition != b[i].Repetition || a[i].Instance != b[i].Instance {
			n++
		}
	}
	return n
}

func keep(a, b benchtypes.Status, filter Filter) bool {
	switch filter {
	case Completed:
		return a == benchtypes.StatusCompleted && b == benchtypes.StatusCompleted
	case TimedOut:
		if a != benchtypes.StatusTimedOut && b != benchtypes.StatusTimedOut {
			return false
		}
		return usable(a) && usable(b)
	}
	return false
}

// usable is true for statuses whose row carries measurements.
func usable(s benchtypes.Status) bool {
	return s == benchtypes.StatusCompleted || s == benchtypes.StatusTimedOut
}

func cell(row recorder.Row, col string) (float64, error) {
	text, ok := row.Value(col)
	if !ok {
		return 0, fmt.Errorf("unknown column %q", col)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("column %q: %q is not a number", col, text)
	}
	return v, nil
}
