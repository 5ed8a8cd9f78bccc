package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"perfharness/internal/ledger"
	"perfharness/internal/logger"
	"perfharness/internal/recorder"
	"perfharness/internal/report"
)

// ReportFile is the markdown summary written next to the view tables.
const ReportFile = "report.md"

// addReportCommands adds the commands that read recorded results
func (app *App) addReportCommands(rootCmd *cobra.Command) {
	compareCmd := &cobra.Command{
		Use:   "compare <store.csv> <variant-a> <variant-b>",
		Short: "Compare two variants of a result store",
		Long: `Pair the rows of two variants positionally and print one point per pair:
the input column as x and the metric of each variant. Completed pairs are
compared by default; --timeouts selects the pairs where at least one run
timed out.`,
		Args: cobra.ExactArgs(3),
		RunE: app.compareVariants,
	}
	compareCmd.Flags().String("metric", "", "Metric column to compare (required)")
	compareCmd.Flags().String("input", "", "Column used as x (required)")
	compareCmd.Flags().Bool("timeouts", false, "Compare timed-out pairs instead of completed ones")
	_ = compareCmd.MarkFlagRequired("metric")
	_ = compareCmd.MarkFlagRequired("input")

	reportCmd := &cobra.Command{
		Use:   "report [experiment...]",
		Short: "Render comparison views of recorded results",
		Long: `Compute every comparison view of the selected experiments: each variant
against the baseline, for each report metric, over completed runs and over
timeouts. One CSV per view and a markdown summary are written to
<results-dir>/report.`,
		RunE: app.renderReport,
	}

	verifyCmd := &cobra.Command{
		Use:   "verify [experiment]",
		Short: "Check recorded runs for unfair comparisons",
		Long: `Check the run ledger for instances whose variants ran with different seeds,
saw different problem files or reached the result store a different number
of times. Exits non-zero when any instance is flagged.`,
		Args: cobra.MaximumNArgs(1),
		RunE: app.verifyLedger,
	}

	rootCmd.AddCommand(compareCmd, reportCmd, verifyCmd)
}

func (app *App) compareVariants(cmd *cobra.Command, args []string) error {
	metric, _ := cmd.Flags().GetString("metric")
	input, _ := cmd.Flags().GetString("input")
	timeouts, _ := cmd.Flags().GetBool("timeouts")
	filter := report.Completed
	if timeouts {
		filter = report.TimedOut
	}

	table, err := recorder.ReadTable(args[0])
	if err != nil {
		return err
	}
	a, b := report.Series(table, args[1]), report.Series(table, args[2])
	points, err := report.Compare(a, b, metric, input, filter)
	if err != nil {
		return err
	}

	p := app.printer(cmd)
	if n := report.Misaligned(a, b); n > 0 {
		p.Warning(fmt.Sprintf("%d pairs mix repetitions or instances; a row is missing from one variant", n))
	}
	p.Bold(fmt.Sprintf("%s: %s vs %s on %s (%s, %d points)", filepath.Base(args[0]), args[1], args[2], metric, filter, len(points)))
	p.Println(strings.Join([]string{"index", input, args[1], args[2]}, "\t"))
	for _, pt := range points {
		p.Println(strings.Join([]string{strconv.Itoa(pt.Index), number(pt.X), number(pt.YA), number(pt.YB)}, "\t"))
	}
	s := report.Summarize(points)
	p.Info(fmt.Sprintf("median %s: %s, median %s: %s, %s lower on %d of %d",
		args[1], number(s.A.Median), args[2], number(s.B.Median), args[2], s.Improved, s.Points))
	return nil
}

func number(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (app *App) renderReport(cmd *cobra.Command, args []string) error {
	cfg := app.Config
	m, err := app.loadMatrix()
	if err != nil {
		return err
	}
	experiments, err := m.Select(args)
	if err != nil {
		return err
	}

	var results []report.Result
	for _, exp := range experiments {
		path := cfg.StorePath(exp.Name)
		table, err := recorder.ReadTable(path)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("No result store", "experiment", exp.Name, "path", path)
			continue
		}
		if err != nil {
			return err
		}
		if len(table.Header) == 0 {
			logger.Warn("Empty result store", "experiment", exp.Name, "path", path)
			continue
		}
		built, err := report.Build(table, report.Views(exp))
		if err != nil {
			return err
		}
		for _, r := range built {
			written, err := report.WriteCSV(cfg.ReportDir(), r)
			if err != nil {
				return err
			}
			logger.Debug("Wrote view", "path", written, "points", len(r.Points))
			if r.Misaligned > 0 {
				logger.Warn("Misaligned pairs", "view", r.View.Name(), "pairs", r.Misaligned)
			}
		}
		results = append(results, built...)
	}

	markdown := report.RenderMarkdown(results)
	summaryPath := filepath.Join(cfg.ReportDir(), ReportFile)
	if err := os.MkdirAll(cfg.ReportDir(), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(summaryPath, []byte(markdown), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", summaryPath, err)
	}

	p := app.printer(cmd)
	if err := p.Markdown(markdown); err != nil {
		return err
	}
	p.Success(fmt.Sprintf("%d views written to %s", len(results), cfg.ReportDir()))
	return nil
}

func (app *App) verifyLedger(cmd *cobra.Command, args []string) error {
	path := app.Config.LedgerPath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no run ledger at %s: %w", path, err)
	}
	l, err := ledger.Open(path)
	if err != nil {
		return err
	}
	defer l.Close()

	experiment := ""
	if len(args) > 0 {
		experiment = args[0]
	}
	issues, err := l.Verify(experiment)
	if err != nil {
		return err
	}

	p := app.printer(cmd)
	if len(issues) == 0 {
		p.Success("All recorded instances are consistent")
		return nil
	}
	for _, issue := range issues {
		p.Error(issue.String())
	}
	return fmt.Errorf("%d inconsistent instances", len(issues))
}
