// Package supervisor launches solver and generator processes, bounds them
// with a hard timeout and turns what they did into a RunOutcome.
package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"perfharness/internal/logger"
	"perfharness/internal/matrix"
	"perfharness/pkg/benchtypes"
)

// Environment variables exported to every child process.
const (
	EnvSeed       = "PERFHARNESS_SEED"
	EnvRepetition = "PERFHARNESS_REPETITION"
	EnvExperiment = "PERFHARNESS_EXPERIMENT"
	EnvVariant    = "PERFHARNESS_VARIANT"
)

// stderrTail is how much of a failing child's stderr ends up in Detail.
const stderrTail = 512

// interruptExitCodes are the shell conventions for death by SIGINT and SIGTERM.
var interruptExitCodes = []int{130, 143}

// Options configures a Supervisor.
type Options struct {
	Launcher benchtypes.Launcher
	// BaseDir resolves relative paths from the matrix.
	BaseDir string
	// WorkRoot is where per-instance working directories are created.
	// Empty means the system temporary directory.
	WorkRoot string
	// ProblemsDir, when set, keeps a copy of every instance working
	// directory under ProblemsDir/<experiment>/rep<R>-inst<I>.
	ProblemsDir    string
	FatalExitCodes []int
}

// Supervisor executes runs one at a time.
type Supervisor struct {
	opts Options
	log  *log.Logger
}

// New creates a Supervisor. A nil launcher means real processes.
func New(opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = NewExecLauncher()
	}
	return &Supervisor{
		opts: opts,
		log:  logger.NewStyledLogger("supervisor"),
	}
}

// Instance is the working area shared by every variant of one plan.
type Instance struct {
	Experiment string
	Repetition int
	Index      int
	Seed       int64
	Dir        string
	// Generated is true when a generator wrote the problem into Dir.
	Generated bool
	// Problem is the generator's problem-size record, if it printed one.
	Problem map[string]string
	// Generator is the generator's outcome; nil when there is no generator.
	Generator *benchtypes.RunOutcome
}

// GeneratorFailed reports whether the instance has no usable problem.
func (i *Instance) GeneratorFailed() bool {
	return i.Generator != nil && i.Generator.Status != benchtypes.StatusCompleted
}

// Prepare creates the working directory for plan and runs the experiment's
// generator in it, if one is configured. The returned error only covers
// harness-side failures such as an unwritable temporary directory; a failing
// generator is reported through Instance.Generator.
func (s *Supervisor) Prepare(plan matrix.Plan, timeout time.Duration) (*Instance, error) {
	if s.opts.WorkRoot != "" {
		if err := os.MkdirAll(s.opts.WorkRoot, 0755); err != nil {
			return nil, fmt.Errorf("failed to create work root: %w", err)
		}
	}
	pattern := fmt.Sprintf("%s-rep%d-inst%d-", plan.Experiment.Name, plan.Repetition, plan.Instance)
	dir, err := os.MkdirTemp(s.opts.WorkRoot, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	inst := &Instance{
		Experiment: plan.Experiment.Name,
		Repetition: plan.Repetition,
		Index:      plan.Instance,
		Seed:       plan.Seed,
		Dir:        dir,
	}
	if plan.Experiment.Generator == nil {
		return inst, nil
	}

	outcome := s.generate(plan, dir, timeout)
	inst.Generator = &outcome
	inst.Generated = outcome.Status == benchtypes.StatusCompleted
	inst.Problem = outcome.Metrics
	if inst.GeneratorFailed() {
		s.log.Warn("Generator failed", "experiment", plan.Experiment.Name,
			"repetition", plan.Repetition, "instance", plan.Instance,
			"status", outcome.Status, "detail", outcome.Detail)
	}
	return inst, nil
}

func (s *Supervisor) generate(plan matrix.Plan, dir string, timeout time.Duration) benchtypes.RunOutcome {
	gen := plan.Experiment.Generator

	args := append([]string(nil), gen.LaunchArgs...)
	if gen.EntryPoint != "" {
		args = append(args, s.resolveExisting(gen.EntryPoint))
	}
	args = append(args, plan.Params...)
	if gen.SeedFlag != "" {
		args = append(args, gen.SeedFlag, strconv.FormatInt(plan.Seed, 10))
	}

	env := childEnv(gen.Env, nil)
	env = append(env,
		EnvSeed+"="+strconv.FormatInt(plan.Seed, 10),
		EnvRepetition+"="+strconv.Itoa(plan.Repetition),
		EnvExperiment+"="+plan.Experiment.Name,
	)

	spec := benchtypes.LaunchSpec{Path: gen.Command, Args: args, Env: env, Dir: dir}
	s.log.Debug("Generating problem", "experiment", plan.Experiment.Name,
		"repetition", plan.Repetition, "instance", plan.Instance, "args", args)

	// A generator is not required to print a record.
	return s.run(spec, timeout, false)
}

// Execute runs one variant inside inst and classifies the result. It never
// retries and always returns after the child has been reaped.
func (s *Supervisor) Execute(desc benchtypes.RunDescriptor, inst *Instance, timeout time.Duration) benchtypes.RunOutcome {
	v := desc.Variant
	problemFile := s.problemFile(v, inst)

	data := argData{
		Experiment:     desc.Experiment,
		Variant:        v.Name,
		Repetition:     desc.Repetition,
		Instance:       desc.Instance,
		Seed:           desc.Seed,
		EntryPoint:     s.resolveExisting(v.EntryPoint),
		AgentConfig:    s.resolve(v.AgentConfig),
		ProblemFile:    problemFile,
		TimeoutSeconds: int(timeout / time.Second),
		Params:         desc.Params,
		BaseDir:        s.opts.BaseDir,
		WorkDir:        inst.Dir,
	}

	args, err := buildArgs(v, data)
	if err != nil {
		return benchtypes.RunOutcome{Status: benchtypes.StatusLaunchFailed, Detail: err.Error()}
	}

	var fileEnv map[string]string
	if v.EnvFile != "" {
		fileEnv, err = readEnvFile(s.resolve(v.EnvFile))
		if err != nil {
			return benchtypes.RunOutcome{Status: benchtypes.StatusLaunchFailed, Detail: err.Error()}
		}
	}
	env := childEnv(v.Env, fileEnv)
	env = append(env,
		EnvSeed+"="+strconv.FormatInt(desc.Seed, 10),
		EnvRepetition+"="+strconv.Itoa(desc.Repetition),
		EnvExperiment+"="+desc.Experiment,
		EnvVariant+"="+v.Name,
	)

	digest := digestFile(problemFile)

	spec := benchtypes.LaunchSpec{Path: v.Command, Args: args, Env: env, Dir: inst.Dir}
	s.log.Debug("Launching run", "experiment", desc.Experiment, "variant", v.Name,
		"repetition", desc.Repetition, "instance", desc.Instance, "args", args)

	outcome := s.run(spec, timeout, true)
	outcome.ProblemDigest = digest
	return outcome
}

// Release removes inst's working directory, copying it under ProblemsDir
// first when problems are being kept.
func (s *Supervisor) Release(inst *Instance) error {
	defer os.RemoveAll(inst.Dir)
	if s.opts.ProblemsDir == "" {
		return nil
	}
	dest := filepath.Join(s.opts.ProblemsDir, inst.Experiment,
		fmt.Sprintf("rep%d-inst%d", inst.Repetition, inst.Index))
	if err := copyDir(inst.Dir, dest); err != nil {
		return fmt.Errorf("failed to save problem instance: %w", err)
	}
	return nil
}

func (s *Supervisor) problemFile(v benchtypes.VariantSpec, inst *Instance) string {
	if v.ProblemFile == "" {
		return ""
	}
	if inst.Generated && !filepath.IsAbs(v.ProblemFile) {
		return filepath.Join(inst.Dir, v.ProblemFile)
	}
	return s.resolve(v.ProblemFile)
}

// resolveExisting anchors p to BaseDir only when that names an existing
// file, so entry points may also be module names or interpreter flags.
func (s *Supervisor) resolveExisting(p string) string {
	candidate := s.resolve(p)
	if candidate == p {
		return p
	}
	if _, err := os.Stat(candidate); err != nil {
		return p
	}
	return candidate
}

func (s *Supervisor) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || s.opts.BaseDir == "" {
		return p
	}
	return filepath.Join(s.opts.BaseDir, p)
}

// run launches spec and waits for it, killing it when timeout expires.
// A non-positive timeout waits indefinitely.
func (s *Supervisor) run(spec benchtypes.LaunchSpec, timeout time.Duration, requireRecord bool) benchtypes.RunOutcome {
	start := time.Now()
	proc, err := s.opts.Launcher.Launch(spec)
	if err != nil {
		return benchtypes.RunOutcome{
			Status: benchtypes.StatusLaunchFailed,
			Detail: fmt.Sprintf("failed to launch %s: %v", spec.Path, err),
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case waitErr := <-done:
		return s.classify(proc, waitErr, time.Since(start), requireRecord)
	case <-expired:
		if err := proc.Kill(); err != nil {
			s.log.Warn("Failed to kill timed out process", "pid", proc.Pid(), "error", err)
		}
		<-done
		return benchtypes.RunOutcome{
			Status:   benchtypes.StatusTimedOut,
			Duration: timeout,
			Detail:   fmt.Sprintf("killed after %s", timeout),
		}
	}
}

func (s *Supervisor) classify(proc benchtypes.Process, waitErr error, elapsed time.Duration, requireRecord bool) benchtypes.RunOutcome {
	outcome := benchtypes.RunOutcome{Duration: elapsed}

	if waitErr == nil {
		record, err := ParseRecord(proc.Stdout())
		switch {
		case err != nil:
			outcome.Status = benchtypes.StatusFailed
			outcome.Detail = err.Error()
		case record == nil && requireRecord:
			outcome.Status = benchtypes.StatusFailed
			outcome.Detail = "no metrics record on stdout"
		default:
			outcome.Status = benchtypes.StatusCompleted
			outcome.Metrics = record
		}
		return outcome
	}

	outcome.Status = benchtypes.StatusFailed
	var exit *benchtypes.ExitStatus
	if !errors.As(waitErr, &exit) {
		outcome.Detail = waitErr.Error()
		return outcome
	}

	outcome.ExitCode = exit.Code
	outcome.Detail = exit.Error()
	if tail := tailOf(proc.Stderr()); tail != "" {
		outcome.Detail += ": " + tail
	}
	switch {
	case exit.Signal != nil && isInterruptSignal(exit.Signal):
		outcome.Status = benchtypes.StatusInterrupted
	case exit.Signal == nil && slices.Contains(interruptExitCodes, exit.Code):
		outcome.Status = benchtypes.StatusInterrupted
	case exit.Signal == nil && slices.Contains(s.opts.FatalExitCodes, exit.Code):
		outcome.Fatal = true
	}
	return outcome
}

func tailOf(stderr []byte) string {
	stderr = bytes.TrimSpace(stderr)
	if len(stderr) > stderrTail {
		stderr = stderr[len(stderr)-stderrTail:]
	}
	return string(stderr)
}
