package matrix

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/semver/v3"

	"perfharness/pkg/benchtypes"
)

// IdentityColumns prefix every result store row.
var IdentityColumns = []string{"variant", "repetition", "instance", "seed", "status"}

// WallclockColumn holds the harness-measured duration in milliseconds.
const WallclockColumn = "wallclock_ms"

// MaxInstances bounds the instances one experiment's sweeps expand to.
const MaxInstances = 1_000_000

func (m *Matrix) validate() error {
	var errs []error

	if m.Defaults.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}
	if m.Defaults.Repetitions < 0 {
		errs = append(errs, fmt.Errorf("repetitions must be positive"))
	}
	if len(m.Experiments) == 0 {
		errs = append(errs, fmt.Errorf("no experiments defined"))
	}

	seen := make(map[string]bool)
	for _, exp := range m.Experiments {
		if seen[exp.Name] {
			errs = append(errs, fmt.Errorf("duplicate experiment name %q", exp.Name))
		}
		seen[exp.Name] = true

		if err := m.validateExperiment(exp); err != nil {
			errs = append(errs, fmt.Errorf("experiment %q: %w", exp.Name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMatrix, errors.Join(errs...))
	}
	return nil
}

func (m *Matrix) validateExperiment(exp benchtypes.ExperimentSpec) error {
	var errs []error

	if err := validateName(exp.Name); err != nil {
		errs = append(errs, err)
	}
	if len(exp.Variants) == 0 {
		errs = append(errs, fmt.Errorf("at least one variant is required"))
	}

	names := make(map[string]bool)
	for _, v := range exp.Variants {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("variant without a name"))
		} else if names[v.Name] {
			errs = append(errs, fmt.Errorf("duplicate variant name %q", v.Name))
		}
		names[v.Name] = true

		if v.Command == "" {
			errs = append(errs, fmt.Errorf("variant %q: command is required", v.Name))
		}
		for _, arg := range append(append([]string(nil), v.LaunchArgs...), v.Args...) {
			if _, err := template.New("arg").Option("missingkey=error").Parse(arg); err != nil {
				errs = append(errs, fmt.Errorf("variant %q: bad argument template %q: %w", v.Name, arg, err))
			}
		}
	}

	if err := validateInstances(exp); err != nil {
		errs = append(errs, err)
	}

	if exp.Generator != nil && exp.Generator.Command == "" {
		errs = append(errs, fmt.Errorf("generator command is required"))
	}

	if err := validateColumns(exp); err != nil {
		errs = append(errs, err)
	}

	m.checkVersions(exp)

	return errors.Join(errs...)
}

// validateInstances checks the sweep product before anything calls
// Instances, which would overflow on huge products.
func validateInstances(exp benchtypes.ExperimentSpec) error {
	n := 1
	for _, p := range exp.Params {
		if !p.IsSweep() {
			continue
		}
		if len(p.Values) > MaxInstances/n {
			return fmt.Errorf("sweeps expand to more than %d instances", MaxInstances)
		}
		n *= len(p.Values)
		if n == 0 {
			return nil
		}
	}
	return nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("experiment name is required")
	case name == "." || name == "..":
		return fmt.Errorf("experiment name %q is reserved", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("experiment name %q must not contain path separators", name)
	}
	return nil
}

func validateColumns(exp benchtypes.ExperimentSpec) error {
	var errs []error

	declared := make(map[string]string)
	for _, c := range IdentityColumns {
		declared[c] = "identity"
	}
	declared[WallclockColumn] = "identity"

	groups := []struct {
		name string
		cols []string
	}{
		{"problem", exp.Columns.Problem},
		{"cost", exp.Columns.Cost},
		{"quality", exp.Columns.Quality},
	}
	for _, g := range groups {
		for _, c := range g.cols {
			if strings.TrimSpace(c) == "" {
				errs = append(errs, fmt.Errorf("empty column name in %s columns", g.name))
				continue
			}
			if prev, ok := declared[c]; ok {
				errs = append(errs, fmt.Errorf("column %q declared in %s and %s", c, prev, g.name))
				continue
			}
			declared[c] = g.name
		}
	}

	for _, c := range exp.Saturate {
		if group := declared[c]; group != "cost" && group != "quality" {
			errs = append(errs, fmt.Errorf("saturate column %q is not a cost or quality column", c))
		}
	}
	if exp.Report.Input != "" {
		if _, ok := declared[exp.Report.Input]; !ok {
			errs = append(errs, fmt.Errorf("report input %q is not a column", exp.Report.Input))
		}
	}
	for _, c := range exp.Report.Metrics {
		if _, ok := declared[c]; !ok {
			errs = append(errs, fmt.Errorf("report metric %q is not a column", c))
		}
	}

	return errors.Join(errs...)
}

// checkVersions warns when a later variant declares an older version than the
// baseline, which usually means the variants are listed in the wrong order.
func (m *Matrix) checkVersions(exp benchtypes.ExperimentSpec) {
	if len(exp.Variants) == 0 || exp.Variants[0].Version == "" {
		return
	}
	base, err := semver.NewVersion(exp.Variants[0].Version)
	if err != nil {
		m.Warnings = append(m.Warnings, fmt.Sprintf("%s: baseline version %q is not semantic", exp.Name, exp.Variants[0].Version))
		return
	}
	for _, v := range exp.Variants[1:] {
		if v.Version == "" {
			continue
		}
		sv, err := semver.NewVersion(v.Version)
		if err != nil {
			m.Warnings = append(m.Warnings, fmt.Sprintf("%s: variant %q version %q is not semantic", exp.Name, v.Name, v.Version))
			continue
		}
		if sv.LessThan(base) {
			m.Warnings = append(m.Warnings, fmt.Sprintf("%s: variant %q (%s) is older than baseline %q (%s)",
				exp.Name, v.Name, sv, exp.Variants[0].Name, base))
		}
	}
}

// Schema returns the ordered result store header for an experiment.
func Schema(exp benchtypes.ExperimentSpec) []string {
	header := append([]string(nil), IdentityColumns...)
	header = append(header, exp.Columns.Problem...)
	header = append(header, WallclockColumn)
	header = append(header, exp.Columns.Cost...)
	header = append(header, exp.Columns.Quality...)
	return header
}

// ReportInput returns the independent variable used for comparison views.
func ReportInput(exp benchtypes.ExperimentSpec) string {
	if exp.Report.Input != "" {
		return exp.Report.Input
	}
	if len(exp.Columns.Problem) > 0 {
		return exp.Columns.Problem[0]
	}
	return "instance"
}

// ReportMetrics returns the metrics compared for an experiment: the declared
// list, or the quality columns followed by the cost columns in reverse.
func ReportMetrics(exp benchtypes.ExperimentSpec) []string {
	if len(exp.Report.Metrics) > 0 {
		return exp.Report.Metrics
	}
	metrics := append([]string(nil), exp.Columns.Quality...)
	for i := len(exp.Columns.Cost) - 1; i >= 0; i-- {
		metrics = append(metrics, exp.Columns.Cost[i])
	}
	if len(metrics) == 0 {
		metrics = append(metrics, WallclockColumn)
	}
	return metrics
}
