// Package campaign drives a full benchmarking campaign: it walks the expanded
// matrix in order, runs every variant through the supervisor and records each
// outcome before launching the next run.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"perfharness/internal/logger"
	"perfharness/internal/matrix"
	"perfharness/internal/notify"
	"perfharness/internal/recorder"
	"perfharness/internal/supervisor"
	"perfharness/pkg/benchtypes"
)

// RunLog receives every executed run, whether or not it reached the store.
type RunLog interface {
	Record(campaignID string, desc benchtypes.RunDescriptor, outcome benchtypes.RunOutcome, appended bool) error
}

// Deps are the collaborators of a Controller. Ledger and Notifier are
// optional.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Recorder   *recorder.Recorder
	Ledger     RunLog
	Notifier   notify.Notifier
}

// Options parameterize one campaign.
type Options struct {
	Repetitions     int
	FirstRepetition int
	Timeout         time.Duration
	Seed            int64
}

// Result summarizes a finished campaign.
type Result struct {
	CampaignID string
	// Stores maps experiment names to their result store paths.
	Stores      map[string]string
	Interrupted bool
	Reason      string
	// Counts holds the rows appended per status.
	Counts map[benchtypes.Status]int
	// Rejected counts completed runs whose record did not fit the schema.
	Rejected int
}

// Total returns the number of rows appended.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Controller runs campaigns. It is not safe for concurrent Run calls.
type Controller struct {
	deps  Deps
	state *State
	log   *log.Logger
}

// NewController creates a Controller.
func NewController(deps Deps) *Controller {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Controller{
		deps:  deps,
		state: &State{},
		log:   logger.NewStyledLogger("campaign"),
	}
}

// State exposes the interruption flag so other goroutines can stop the
// campaign. The flag is cleared when Run starts.
func (c *Controller) State() *State {
	return c.state
}

type progress struct {
	campaignID string
	done       int
	total      int
	timeout    time.Duration
	result     *Result
}

// Run executes experiments for opts.Repetitions repetitions; zero
// repetitions launch nothing. Per-run failures are recorded, never returned;
// the error covers harness failures such as an unwritable result store.
// Cancelling ctx interrupts the campaign without killing the run in flight.
func (c *Controller) Run(ctx context.Context, experiments []benchtypes.ExperimentSpec, opts Options) (*Result, error) {
	if opts.Repetitions < 0 {
		return nil, fmt.Errorf("repetitions must not be negative, got %d", opts.Repetitions)
	}
	if opts.FirstRepetition < 0 {
		return nil, fmt.Errorf("first repetition must not be negative, got %d", opts.FirstRepetition)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = matrix.DefaultTimeout
	}

	c.state.reset()

	result := &Result{
		CampaignID: uuid.NewString(),
		Stores:     make(map[string]string, len(experiments)),
		Counts:     make(map[benchtypes.Status]int),
	}
	for _, exp := range experiments {
		result.Stores[exp.Name] = c.deps.Recorder.Path(exp.Name)
	}

	plans := matrix.Plans(experiments, opts.Repetitions, opts.FirstRepetition, opts.Seed)
	p := &progress{campaignID: result.CampaignID, timeout: opts.Timeout, result: result}
	for _, plan := range plans {
		p.total += len(plan.Descriptors)
	}

	c.log.Info("Starting campaign", "campaign", result.CampaignID,
		"experiments", len(experiments), "repetitions", opts.Repetitions, "runs", p.total)

	err := c.runPlans(ctx, plans, opts, p)

	result.Interrupted = c.state.Interrupted()
	result.Reason = c.state.Reason()
	c.publish(notify.Event{
		Kind:       notify.KindFinished,
		CampaignID: result.CampaignID,
		Progress:   fmt.Sprintf("%d/%d", p.done, p.total),
		Detail:     result.Reason,
	})

	if err != nil {
		return result, err
	}
	if result.Interrupted {
		c.log.Warn("Campaign interrupted", "reason", result.Reason, "recorded", result.Total())
	} else {
		c.log.Info("Campaign finished", "recorded", result.Total(), "rejected", result.Rejected)
	}
	return result, nil
}

func (c *Controller) runPlans(ctx context.Context, plans []matrix.Plan, opts Options, p *progress) error {
	currentRep, currentExp := -1, ""
	for _, plan := range plans {
		if c.checkInterrupt(ctx) {
			return nil
		}

		if plan.Repetition != currentRep {
			currentRep, currentExp = plan.Repetition, ""
			c.log.Info("Starting repetition", "repetition",
				fmt.Sprintf("%d/%d", plan.Repetition-opts.FirstRepetition+1, opts.Repetitions))
		}
		if plan.Experiment.Name != currentExp {
			currentExp = plan.Experiment.Name
			c.log.Info("Running experiment", "experiment", currentExp, "instances", plan.Experiment.Instances())
		}

		inst, err := c.deps.Supervisor.Prepare(plan, opts.Timeout)
		if err != nil {
			return err
		}
		err = c.runInstance(ctx, plan, inst, p)
		if relErr := c.deps.Supervisor.Release(inst); relErr != nil {
			c.log.Warn("Failed to release work directory", "dir", inst.Dir, "error", relErr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// runInstance runs every variant of one plan. Once the campaign is
// interrupted the remaining variants are recorded as skipped, so every
// variant of the experiment keeps the same number of rows.
func (c *Controller) runInstance(ctx context.Context, plan matrix.Plan, inst *supervisor.Instance, p *progress) error {
	if inst.Generator != nil && inst.Generator.Status == benchtypes.StatusInterrupted {
		c.state.Interrupt(fmt.Sprintf("generator for %s interrupted", plan.Experiment.Name))
	}

	for _, desc := range plan.Descriptors {
		var outcome benchtypes.RunOutcome
		switch {
		case c.checkInterrupt(ctx):
			outcome = benchtypes.RunOutcome{
				Status: benchtypes.StatusSkippedAfterInterrupt,
				Detail: "campaign interrupted: " + c.state.Reason(),
			}
		case inst.GeneratorFailed():
			outcome = generatorOutcome(*inst.Generator)
		default:
			outcome = c.deps.Supervisor.Execute(desc, inst, p.timeout)
		}

		if err := c.record(plan, desc, outcome, inst, p); err != nil {
			return err
		}

		switch {
		case outcome.Status == benchtypes.StatusInterrupted:
			c.state.Interrupt(fmt.Sprintf("%s/%s was interrupted", desc.Experiment, desc.Variant.Name))
		case outcome.Fatal:
			c.state.Interrupt(fmt.Sprintf("%s/%s exited with fatal code %d", desc.Experiment, desc.Variant.Name, outcome.ExitCode))
		}
	}

	if inst.Generator != nil && inst.Generator.Fatal {
		c.state.Interrupt(fmt.Sprintf("generator for %s exited with fatal code %d", plan.Experiment.Name, inst.Generator.ExitCode))
	}
	return nil
}

// generatorOutcome is what each variant records when its instance could not
// be generated. A fatal generator exit is handled once per instance by the
// caller, after every variant has its row.
func generatorOutcome(gen benchtypes.RunOutcome) benchtypes.RunOutcome {
	outcome := benchtypes.RunOutcome{
		Status:   benchtypes.StatusLaunchFailed,
		ExitCode: gen.ExitCode,
		Detail:   "generator: " + gen.Detail,
	}
	if gen.Status == benchtypes.StatusTimedOut {
		outcome.Status = benchtypes.StatusTimedOut
		outcome.Duration = gen.Duration
	}
	return outcome
}

func (c *Controller) record(plan matrix.Plan, desc benchtypes.RunDescriptor, outcome benchtypes.RunOutcome, inst *supervisor.Instance, p *progress) error {
	p.done++
	entry := recorder.Entry{
		Descriptor: desc,
		Outcome:    outcome,
		Problem:    inst.Problem,
		Timeout:    p.timeout,
	}

	appended := true
	err := c.deps.Recorder.Append(plan.Experiment, entry)
	var mismatch *recorder.SchemaMismatchError
	if errors.As(err, &mismatch) {
		c.log.Error("Rejected run output", "experiment", desc.Experiment, "variant", desc.Variant.Name,
			"repetition", desc.Repetition, "error", mismatch)
		p.result.Rejected++
		appended, err = false, nil
	} else if err != nil {
		appended = false
	}

	if c.deps.Ledger != nil {
		if lerr := c.deps.Ledger.Record(p.campaignID, desc, outcome, appended); lerr != nil {
			c.log.Warn("Failed to update ledger", "error", lerr)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to record %s/%s: %w", desc.Experiment, desc.Variant.Name, err)
	}
	if appended {
		p.result.Counts[outcome.Status]++
	}

	status := outcome.Status.String()
	keyvals := []interface{}{"experiment", desc.Experiment, "variant", desc.Variant.Name,
		"repetition", desc.Repetition, "instance", desc.Instance, "status", status,
		"duration", outcome.Duration.Round(time.Millisecond), "progress", fmt.Sprintf("%d/%d", p.done, p.total)}
	if outcome.Status == benchtypes.StatusCompleted {
		c.log.Debug("Run finished", keyvals...)
	} else {
		c.log.Info("Run finished", append(keyvals, "detail", outcome.Detail)...)
	}

	c.publish(notify.Event{
		Kind:       notify.KindRun,
		CampaignID: p.campaignID,
		Experiment: desc.Experiment,
		Variant:    desc.Variant.Name,
		Repetition: desc.Repetition,
		Instance:   desc.Instance,
		Status:     status,
		DurationMs: outcome.DurationMillis(),
		Detail:     outcome.Detail,
		Progress:   fmt.Sprintf("%d/%d", p.done, p.total),
	})
	return nil
}

// checkInterrupt turns a cancelled context into an interruption and reports
// whether the campaign is interrupted.
func (c *Controller) checkInterrupt(ctx context.Context) bool {
	if ctx.Err() != nil && !c.state.Interrupted() {
		reason := "operator interrupt"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			reason += ": " + cause.Error()
		}
		c.state.Interrupt(reason)
	}
	return c.state.Interrupted()
}

func (c *Controller) publish(event notify.Event) {
	if err := c.deps.Notifier.Publish(event); err != nil {
		c.log.Warn("Failed to publish progress", "error", err)
	}
}
