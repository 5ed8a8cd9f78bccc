// Package matrix loads the declarative experiment matrix and expands it into
// the ordered sequence of runs a campaign executes.
package matrix

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"perfharness/pkg/benchtypes"
)

// ErrInvalidMatrix is wrapped by every validation failure returned by Load.
var ErrInvalidMatrix = errors.New("invalid experiment matrix")

// Default values applied when the matrix leaves them unset.
const (
	DefaultTimeout     = 500 * time.Second
	DefaultRepetitions = 1
)

// DefaultVariantArgs are the solver arguments used when a variant sets none.
var DefaultVariantArgs = []string{"{{.ProblemFile}}", "{{.AgentConfig}}"}

// Matrix is a validated experiment matrix.
type Matrix struct {
	// BaseDir is the directory relative paths in the matrix resolve against.
	BaseDir     string
	Defaults    benchtypes.Defaults
	Experiments []benchtypes.ExperimentSpec
	// Warnings are non-fatal findings from validation.
	Warnings []string
}

// Experiment returns the experiment with the given name.
func (m *Matrix) Experiment(name string) (benchtypes.ExperimentSpec, bool) {
	for _, exp := range m.Experiments {
		if exp.Name == name {
			return exp, true
		}
	}
	return benchtypes.ExperimentSpec{}, false
}

// Select returns the experiments whose names are listed, in matrix order.
// An empty list selects everything.
func (m *Matrix) Select(names []string) ([]benchtypes.ExperimentSpec, error) {
	if len(names) == 0 {
		return m.Experiments, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := m.Experiment(n); !ok {
			return nil, fmt.Errorf("unknown experiment %q", n)
		}
		wanted[n] = true
	}
	var selected []benchtypes.ExperimentSpec
	for _, exp := range m.Experiments {
		if wanted[exp.Name] {
			selected = append(selected, exp)
		}
	}
	return selected, nil
}

type fileDuration time.Duration

// UnmarshalYAML accepts either a Go duration string or a number of seconds.
func (d *fileDuration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if err := node.Decode(&seconds); err == nil {
		*d = fileDuration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: timeout must be a duration or seconds", node.Line)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = fileDuration(parsed)
	return nil
}

type fileMatrix struct {
	Defaults    fileDefaults     `yaml:"defaults"`
	Generator   *fileGenerator   `yaml:"generator"`
	Columns     *fileColumns     `yaml:"columns"`
	Experiments []fileExperiment `yaml:"experiments"`
}

type fileDefaults struct {
	Timeout        fileDuration `yaml:"timeout"`
	Repetitions    int          `yaml:"repetitions"`
	Seed           int64        `yaml:"seed"`
	FatalExitCodes []int        `yaml:"fatal_exit_codes"`
}

type fileGenerator struct {
	Command    string            `yaml:"command"`
	Launch     string            `yaml:"launch"`
	LaunchArgs []string          `yaml:"launch_args"`
	EntryPoint string            `yaml:"entry_point"`
	SeedFlag   string            `yaml:"seed_flag"`
	Env        map[string]string `yaml:"env"`
}

type fileColumns struct {
	Problem []string `yaml:"problem"`
	Cost    []string `yaml:"cost"`
	Quality []string `yaml:"quality"`
}

type fileReport struct {
	Input   string   `yaml:"input"`
	Metrics []string `yaml:"metrics"`
}

type fileExperiment struct {
	Name       string         `yaml:"name"`
	Params     []yaml.Node    `yaml:"params"`
	Generator  *fileGenerator `yaml:"generator"`
	Columns    *fileColumns   `yaml:"columns"`
	Saturate   []string       `yaml:"saturate"`
	AllowExtra bool           `yaml:"allow_extra"`
	Report     fileReport     `yaml:"report"`
	Variants   []fileVariant  `yaml:"variants"`
}

type fileVariant struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Command     string            `yaml:"command"`
	Launch      string            `yaml:"launch"`
	LaunchArgs  []string          `yaml:"launch_args"`
	EntryPoint  string            `yaml:"entry_point"`
	AgentConfig string            `yaml:"agent_config"`
	ProblemFile string            `yaml:"problem_file"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	EnvFile     string            `yaml:"env_file"`
}

// Load reads, decodes and validates the matrix file at path.
func Load(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read matrix file: %w", err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve matrix directory: %w", err)
	}

	return Parse(data, baseDir)
}

// Parse decodes and validates a matrix document. Relative paths resolve
// against baseDir.
func Parse(data []byte, baseDir string) (*Matrix, error) {
	var doc fileMatrix
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatrix, err)
	}

	m := &Matrix{
		BaseDir: baseDir,
		Defaults: benchtypes.Defaults{
			Timeout:        time.Duration(doc.Defaults.Timeout),
			Repetitions:    doc.Defaults.Repetitions,
			Seed:           doc.Defaults.Seed,
			FatalExitCodes: doc.Defaults.FatalExitCodes,
		},
	}
	if m.Defaults.Timeout == 0 {
		m.Defaults.Timeout = DefaultTimeout
	}
	if m.Defaults.Repetitions == 0 {
		m.Defaults.Repetitions = DefaultRepetitions
	}

	var errs []error
	for i, fe := range doc.Experiments {
		exp, err := buildExperiment(fe, doc, baseDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("experiment %d (%s): %w", i, fe.Name, err))
			continue
		}
		m.Experiments = append(m.Experiments, exp)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMatrix, errors.Join(errs...))
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func buildExperiment(fe fileExperiment, doc fileMatrix, baseDir string) (benchtypes.ExperimentSpec, error) {
	exp := benchtypes.ExperimentSpec{
		Name:       strings.TrimSpace(fe.Name),
		Saturate:   fe.Saturate,
		AllowExtra: fe.AllowExtra,
		Report: benchtypes.ReportSpec{
			Input:   fe.Report.Input,
			Metrics: fe.Report.Metrics,
		},
	}

	for _, node := range fe.Params {
		p, err := decodeParam(&node)
		if err != nil {
			return exp, err
		}
		exp.Params = append(exp.Params, p)
	}

	cols := fe.Columns
	if cols == nil {
		cols = doc.Columns
	}
	if cols != nil {
		exp.Columns = benchtypes.Columns{Problem: cols.Problem, Cost: cols.Cost, Quality: cols.Quality}
	}

	gen := fe.Generator
	if gen == nil {
		gen = doc.Generator
	}
	if gen != nil {
		g, err := buildGenerator(*gen, baseDir)
		if err != nil {
			return exp, err
		}
		exp.Generator = g
	}

	for _, fv := range fe.Variants {
		v, err := buildVariant(fv, baseDir)
		if err != nil {
			return exp, fmt.Errorf("variant %q: %w", fv.Name, err)
		}
		exp.Variants = append(exp.Variants, v)
	}

	return exp, nil
}

func buildGenerator(fg fileGenerator, baseDir string) (*benchtypes.GeneratorSpec, error) {
	launch, err := splitLaunch(fg.Launch, fg.LaunchArgs)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	return &benchtypes.GeneratorSpec{
		Command:    resolveCommand(fg.Command, baseDir),
		LaunchArgs: launch,
		EntryPoint: fg.EntryPoint,
		SeedFlag:   fg.SeedFlag,
		Env:        fg.Env,
	}, nil
}

func buildVariant(fv fileVariant, baseDir string) (benchtypes.VariantSpec, error) {
	launch, err := splitLaunch(fv.Launch, fv.LaunchArgs)
	if err != nil {
		return benchtypes.VariantSpec{}, err
	}
	args := fv.Args
	if len(args) == 0 {
		args = DefaultVariantArgs
	}
	return benchtypes.VariantSpec{
		Name:        strings.TrimSpace(fv.Name),
		Version:     fv.Version,
		Command:     resolveCommand(fv.Command, baseDir),
		LaunchArgs:  launch,
		EntryPoint:  fv.EntryPoint,
		AgentConfig: resolvePath(fv.AgentConfig, baseDir),
		ProblemFile: fv.ProblemFile,
		Args:        append([]string(nil), args...),
		Env:         fv.Env,
		EnvFile:     resolvePath(fv.EnvFile, baseDir),
	}, nil
}

// splitLaunch turns the shell-style launch string into arguments and
// prepends them to the explicit list.
func splitLaunch(launch string, explicit []string) ([]string, error) {
	var args []string
	if strings.TrimSpace(launch) != "" {
		words, err := shellquote.Split(launch)
		if err != nil {
			return nil, fmt.Errorf("cannot split launch %q: %w", launch, err)
		}
		args = append(args, words...)
	}
	return append(args, explicit...), nil
}

func resolvePath(p, baseDir string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// resolveCommand leaves bare command names for PATH lookup and anchors
// relative paths such as ./bin/solver to the matrix directory.
func resolveCommand(cmd, baseDir string) string {
	if cmd == "" || !strings.ContainsRune(cmd, '/') {
		return cmd
	}
	return resolvePath(cmd, baseDir)
}
