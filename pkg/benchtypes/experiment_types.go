// Package benchtypes provides the type definitions shared across perfharness.
// It describes experiments, variants, run descriptors, run outcomes and the
// contract the harness expects from a process launcher.
package benchtypes

import (
	"fmt"
	"strconv"
	"time"
)

// ParamKind identifies the type carried by a generator Param.
type ParamKind int

// Supported generator parameter kinds.
const (
	ParamFlag ParamKind = iota
	ParamString
	ParamInt
	ParamFloat
	ParamSweep
)

// String returns the lowercase name of the kind.
func (k ParamKind) String() string {
	switch k {
	case ParamFlag:
		return "flag"
	case ParamString:
		return "string"
	case ParamInt:
		return "int"
	case ParamFloat:
		return "float"
	case ParamSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// Param is one generator parameter. Scalars carry their text in Value,
// sweeps carry the ordered candidate values in Values.
type Param struct {
	Kind   ParamKind
	Value  string
	Values []string
}

// Flag returns a flag parameter such as "-PEAV".
func Flag(name string) Param { return Param{Kind: ParamFlag, Value: name} }

// Int returns an integer parameter.
func Int(v int64) Param { return Param{Kind: ParamInt, Value: strconv.FormatInt(v, 10)} }

// Float returns a floating point parameter.
func Float(v float64) Param {
	return Param{Kind: ParamFloat, Value: strconv.FormatFloat(v, 'g', -1, 64)}
}

// Str returns a plain string parameter.
func Str(v string) Param { return Param{Kind: ParamString, Value: v} }

// Sweep returns a parameter that takes each of values in turn.
func Sweep(values ...string) Param { return Param{Kind: ParamSweep, Values: values} }

// MaxSweepValues bounds the length of a single sweep.
const MaxSweepValues = 100_000

// Range returns a sweep over start, start+step, ... up to but excluding stop.
// At most MaxSweepValues values are produced.
func Range(start, stop, step int64) Param {
	n := RangeLen(start, stop, step)
	if n == 0 {
		return Param{Kind: ParamSweep}
	}
	n = min(n, MaxSweepValues)
	values := make([]string, 0, n)
	v := start
	for i := uint64(0); i < n; i++ {
		if i > 0 {
			v += step
		}
		values = append(values, strconv.FormatInt(v, 10))
	}
	return Param{Kind: ParamSweep, Values: values}
}

// RangeLen returns how many values Range(start, stop, step) spans, without
// materializing them. It does not overflow for any int64 bounds.
func RangeLen(start, stop, step int64) uint64 {
	switch {
	case step > 0 && start < stop:
		return (uint64(stop)-uint64(start)-1)/uint64(step) + 1
	case step < 0 && start > stop:
		return (uint64(start)-uint64(stop)-1)/(uint64(-(step+1))+1) + 1
	}
	return 0
}

// IsSweep reports whether the parameter expands into several instances.
func (p Param) IsSweep() bool { return p.Kind == ParamSweep }

// Columns lists the metric names of an experiment, grouped in the order they
// appear in the result store.
type Columns struct {
	Problem []string `yaml:"problem"`
	Cost    []string `yaml:"cost"`
	Quality []string `yaml:"quality"`
}

// All returns every declared metric column in store order.
func (c Columns) All() []string {
	all := make([]string, 0, len(c.Problem)+len(c.Cost)+len(c.Quality))
	all = append(all, c.Problem...)
	all = append(all, c.Cost...)
	all = append(all, c.Quality...)
	return all
}

// VariantSpec is one algorithm/version configuration benchmarked within an
// experiment. It is immutable once loaded.
type VariantSpec struct {
	Name        string
	Version     string
	Command     string
	LaunchArgs  []string
	EntryPoint  string
	AgentConfig string
	ProblemFile string
	Args        []string
	Env         map[string]string
	EnvFile     string
}

// GeneratorSpec describes the external problem generator that is run once
// per instance, before any variant.
type GeneratorSpec struct {
	Command    string
	LaunchArgs []string
	EntryPoint string
	SeedFlag   string
	Env        map[string]string
}

// ReportSpec names the comparison views rendered for an experiment.
type ReportSpec struct {
	Input   string
	Metrics []string
}

// ExperimentSpec is a named experiment: generator parameters plus the ordered
// variants to compare. Variant 0 is the baseline.
type ExperimentSpec struct {
	Name       string
	Params     []Param
	Variants   []VariantSpec
	Generator  *GeneratorSpec
	Columns    Columns
	Saturate   []string
	AllowExtra bool
	Report     ReportSpec
}

// Baseline returns the variant every other variant is compared against.
func (e ExperimentSpec) Baseline() VariantSpec { return e.Variants[0] }

// Instances returns the number of problem instances generated per repetition.
func (e ExperimentSpec) Instances() int {
	n := 1
	for _, p := range e.Params {
		if p.IsSweep() {
			n *= len(p.Values)
		}
	}
	return n
}

// ResolveParams returns the scalar generator arguments for instance i.
// Sweeps are enumerated in declaration order with the last sweep varying
// fastest.
func (e ExperimentSpec) ResolveParams(instance int) ([]string, error) {
	if instance < 0 || instance >= e.Instances() {
		return nil, fmt.Errorf("instance %d out of range for experiment %s", instance, e.Name)
	}

	resolved := make([]string, len(e.Params))
	rest := instance
	for i := len(e.Params) - 1; i >= 0; i-- {
		p := e.Params[i]
		if !p.IsSweep() {
			resolved[i] = p.Value
			continue
		}
		resolved[i] = p.Values[rest%len(p.Values)]
		rest /= len(p.Values)
	}
	return resolved, nil
}

// Defaults holds matrix-wide settings that experiments inherit.
type Defaults struct {
	Timeout        time.Duration
	Repetitions    int
	Seed           int64
	FatalExitCodes []int
}
