package report

import (
	"fmt"

	"perfharness/internal/matrix"
	"perfharness/internal/recorder"
	"perfharness/pkg/benchtypes"
)

// View is one comparison of a variant against the experiment's baseline.
type View struct {
	Experiment string
	Baseline   string
	Variant    string
	Metric     string
	Input      string
	Filter     Filter
}

// Name identifies the view in file names and headings.
func (v View) Name() string {
	return fmt.Sprintf("%s__%s__%s__%s", v.Experiment, v.Variant, v.Metric, v.Filter)
}

// Result is a computed view.
type Result struct {
	View    View
	Points  []Point
	Summary Summary
	// Misaligned counts pairs that mix repetitions or instances.
	Misaligned int
}

// Views lists the views of an experiment: every non-baseline variant against
// the baseline, for every report metric, over completed runs and timeouts.
func Views(exp benchtypes.ExperimentSpec) []View {
	if len(exp.Variants) < 2 {
		return nil
	}
	input := matrix.ReportInput(exp)
	baseline := exp.Baseline().Name

	var views []View
	for _, v := range exp.Variants[1:] {
		for _, metric := range matrix.ReportMetrics(exp) {
			for _, filter := range []Filter{Completed, TimedOut} {
				views = append(views, View{
					Experiment: exp.Name,
					Baseline:   baseline,
					Variant:    v.Name,
					Metric:     metric,
					Input:      input,
					Filter:     filter,
				})
			}
		}
	}
	return views
}

// Build computes views against a loaded result store.
func Build(table *recorder.Table, views []View) ([]Result, error) {
	results := make([]Result, 0, len(views))
	for _, view := range views {
		for _, col := range []string{view.Input, view.Metric} {
			if !table.HasColumn(col) {
				return nil, fmt.Errorf("%s: unknown column %q", table.Path, col)
			}
		}

		a := Series(table, view.Baseline)
		b := Series(table, view.Variant)
		points, err := Compare(a, b, view.Metric, view.Input, view.Filter)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", view.Name(), err)
		}
		results = append(results, Result{
			View:       view,
			Points:     points,
			Summary:    Summarize(points),
			Misaligned: Misaligned(a, b),
		})
	}
	return results, nil
}
