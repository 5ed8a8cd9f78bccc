package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"perfharness/internal/campaign"
	"perfharness/internal/ledger"
	"perfharness/internal/logger"
	"perfharness/internal/matrix"
	"perfharness/internal/notify"
	"perfharness/internal/output"
	"perfharness/internal/recorder"
	"perfharness/internal/supervisor"
	"perfharness/pkg/benchtypes"
)

// addCampaignCommands adds the commands that execute or inspect a matrix
func (app *App) addCampaignCommands(rootCmd *cobra.Command) {
	runCmd := &cobra.Command{
		Use:   "run [experiment...]",
		Short: "Run a benchmarking campaign",
		Long: `Run every variant of the selected experiments (all of them by default) on
freshly generated, seeded problem instances and append one row per run to
<results-dir>/<experiment>.csv. Interrupting with Ctrl-C lets the run in
flight finish, records the rest of its instance as skipped and stops.`,
		RunE: app.runCampaign,
	}

	flags := runCmd.Flags()
	flags.IntP("repetitions", "r", 0, "Repetitions of the matrix (default from matrix)")
	flags.Int("first-repetition", 0, "Index of the first repetition, for resuming a session")
	flags.DurationP("timeout", "t", 0, "Per-run timeout (default from matrix)")
	flags.Int64("seed", 0, "Base seed (default from matrix)")
	flags.Bool("ledger", true, "Record every run in the SQLite run ledger")
	flags.Bool("save-problems", false, "Keep generated problem instances under <results-dir>/problems")
	flags.String("mqtt-broker", "", "Publish progress events to this MQTT broker")
	flags.String("mqtt-topic", "", "MQTT topic prefix")
	app.bindFlags(runCmd, map[string]string{
		"repetitions":      "repetitions",
		"first_repetition": "first-repetition",
		"timeout":          "timeout",
		"seed":             "seed",
		"ledger":           "ledger",
		"save_problems":    "save-problems",
		"mqtt.broker":      "mqtt-broker",
		"mqtt.topic":       "mqtt-topic",
	}, false)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the experiment matrix",
		Long: `Load and validate the experiment matrix and show how many instances and
runs each experiment expands to with the configured repetitions.`,
		Args: cobra.NoArgs,
		RunE: app.validateMatrix,
	}

	rootCmd.AddCommand(runCmd, validateCmd)
}

func (app *App) loadMatrix() (*matrix.Matrix, error) {
	m, err := matrix.Load(app.Config.Matrix)
	if err != nil {
		return nil, err
	}
	for _, w := range m.Warnings {
		logger.Warn(w)
	}
	return m, nil
}

// campaignOptions applies configuration over the matrix defaults.
func (app *App) campaignOptions(m *matrix.Matrix) campaign.Options {
	cfg := app.Config
	opts := campaign.Options{
		Repetitions:     m.Defaults.Repetitions,
		FirstRepetition: cfg.FirstRepetition,
		Timeout:         m.Defaults.Timeout,
		Seed:            m.Defaults.Seed,
	}
	if cfg.Repetitions > 0 {
		opts.Repetitions = cfg.Repetitions
	}
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	if cfg.SeedSet {
		opts.Seed = cfg.Seed
	}
	return opts
}

func (app *App) runCampaign(cmd *cobra.Command, args []string) error {
	cfg := app.Config
	m, err := app.loadMatrix()
	if err != nil {
		return err
	}
	experiments, err := m.Select(args)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ResultsDir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	supOpts := supervisor.Options{
		Launcher:       app.launcher,
		BaseDir:        m.BaseDir,
		WorkRoot:       cfg.WorkDir(),
		FatalExitCodes: m.Defaults.FatalExitCodes,
	}
	if cfg.SaveProblems {
		supOpts.ProblemsDir = cfg.ProblemsDir()
	}
	deps := campaign.Deps{
		Supervisor: supervisor.New(supOpts),
		Recorder:   recorder.New(cfg.ResultsDir),
	}

	if cfg.Ledger {
		l, err := ledger.Open(cfg.LedgerPath())
		if err != nil {
			return err
		}
		defer l.Close()
		deps.Ledger = l
	}

	if cfg.MQTT.Broker != "" {
		n, err := notify.NewMQTT(notify.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
		})
		if err != nil {
			return err
		}
		defer n.Close()
		deps.Notifier = n
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := campaign.NewController(deps).Run(ctx, experiments, app.campaignOptions(m))
	if result != nil {
		printCampaignSummary(app.printer(cmd), result)
	}
	return err
}

var statusOrder = []benchtypes.Status{
	benchtypes.StatusCompleted,
	benchtypes.StatusTimedOut,
	benchtypes.StatusLaunchFailed,
	benchtypes.StatusFailed,
	benchtypes.StatusInterrupted,
	benchtypes.StatusSkippedAfterInterrupt,
}

func printCampaignSummary(p *output.Printer, result *campaign.Result) {
	p.Bold(fmt.Sprintf("Campaign %s", result.CampaignID))
	p.Println(fmt.Sprintf("  rows recorded: %d", result.Total()))
	for _, status := range statusOrder {
		if n := result.Counts[status]; n > 0 {
			p.Println(fmt.Sprintf("    %-13s %d", status, n))
		}
	}
	if result.Rejected > 0 {
		p.Warning(fmt.Sprintf("%d completed runs did not match the schema and were not stored", result.Rejected))
	}

	names := make([]string, 0, len(result.Stores))
	for name := range result.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.Println(fmt.Sprintf("  %s: %s", name, result.Stores[name]))
	}

	if result.Interrupted {
		p.Warning("Campaign interrupted: " + result.Reason)
		return
	}
	p.Success("Campaign finished")
}

func (app *App) validateMatrix(cmd *cobra.Command, _ []string) error {
	m, err := app.loadMatrix()
	if err != nil {
		return err
	}
	p := app.printer(cmd)
	opts := app.campaignOptions(m)

	p.Bold(fmt.Sprintf("%s: %d experiments", app.Config.Matrix, len(m.Experiments)))
	total := 0
	for _, exp := range m.Experiments {
		runs := exp.Instances() * len(exp.Variants) * opts.Repetitions
		total += runs
		p.Println(fmt.Sprintf("  %-24s %d variants, %d instances, %d runs (baseline %s)",
			exp.Name, len(exp.Variants), exp.Instances(), runs, exp.Baseline().Name))
	}
	p.Println(fmt.Sprintf("  %d repetitions, %s timeout, %d runs in total", opts.Repetitions, opts.Timeout, total))

	for _, w := range m.Warnings {
		p.Warning(w)
	}
	p.Success("Matrix is valid")
	return nil
}
