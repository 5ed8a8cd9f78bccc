package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RenderMarkdown summarizes results as one table per experiment.
func RenderMarkdown(results []Result) string {
	var b strings.Builder
	b.WriteString("# Performance comparison\n")

	current := ""
	for _, r := range results {
		v := r.View
		if v.Experiment != current {
			current = v.Experiment
			fmt.Fprintf(&b, "\n## %s\n\nBaseline: `%s`, input: `%s`\n\n", v.Experiment, v.Baseline, v.Input)
			b.WriteString("| variant | metric | filter | points | median A | median B | p95 A | p95 B | B lower |\n")
			b.WriteString("|---|---|---|---:|---:|---:|---:|---:|---:|\n")
		}
		s := r.Summary
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s | %s | %s | %s | %d |\n",
			v.Variant, v.Metric, v.Filter, s.Points,
			formatValue(s.A.Median), formatValue(s.B.Median),
			formatValue(s.A.P95), formatValue(s.B.P95),
			s.Improved)
	}
	if len(results) == 0 {
		b.WriteString("\nNo comparable variants found.\n")
	}

	// Every view of a variant pair sees the same rows, so warn once per pair.
	warned := make(map[string]bool)
	for _, r := range results {
		v := r.View
		key := v.Experiment + "/" + v.Variant
		if r.Misaligned == 0 || warned[key] {
			continue
		}
		if len(warned) == 0 {
			b.WriteString("\n## Warnings\n\n")
		}
		warned[key] = true
		fmt.Fprintf(&b, "- %s: %d pairs of `%s` and `%s` mix repetitions or instances\n",
			v.Experiment, r.Misaligned, v.Baseline, v.Variant)
	}
	return b.String()
}

// WriteCSV writes the points of r to dir/<view>.csv with the columns
// index, x, <baseline>, <variant>, and returns the path.
func WriteCSV(dir string, r Result) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	path := filepath.Join(dir, r.View.Name()+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{{"index", "x", r.View.Baseline, r.View.Variant}}
	for _, p := range r.Points {
		rows = append(rows, []string{
			strconv.Itoa(p.Index),
			formatCell(p.X),
			formatCell(p.YA),
			formatCell(p.YB),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, f.Close()
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
