package report

import (
	"math"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Values are recorded in thousandths so fractional metrics keep three
// decimals of resolution.
const (
	histScale   = 1000
	histMax     = int64(1e15)
	histSigFigs = 3
)

// SideStats describes one variant's values within a view.
type SideStats struct {
	N      int
	Median float64
	P95    float64
}

// Summary condenses a list of points.
type Summary struct {
	Points int
	A      SideStats
	B      SideStats
	// Improved counts points where variant B scored strictly lower.
	Improved int
}

// Summarize computes per-side median and 95th percentile over the
// non-negative finite values, and counts improvements.
func Summarize(points []Point) Summary {
	ha := hdrhistogram.New(1, histMax, histSigFigs)
	hb := hdrhistogram.New(1, histMax, histSigFigs)

	s := Summary{Points: len(points)}
	for _, p := range points {
		record(ha, p.YA)
		record(hb, p.YB)
		if finite(p.YA) && finite(p.YB) && p.YB < p.YA {
			s.Improved++
		}
	}
	s.A = stats(ha)
	s.B = stats(hb)
	return s
}

func record(h *hdrhistogram.Histogram, v float64) {
	if !finite(v) || v < 0 {
		return
	}
	// Out of range values are dropped by the histogram.
	_ = h.RecordValue(int64(math.Round(v * histScale)))
}

func stats(h *hdrhistogram.Histogram) SideStats {
	n := int(h.TotalCount())
	if n == 0 {
		return SideStats{Median: math.NaN(), P95: math.NaN()}
	}
	return SideStats{
		N:      n,
		Median: float64(h.ValueAtQuantile(50)) / histScale,
		P95:    float64(h.ValueAtQuantile(95)) / histScale,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
