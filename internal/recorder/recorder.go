// Package recorder appends run outcomes to per-experiment CSV result stores
// and reads them back for reporting.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"perfharness/internal/matrix"
	"perfharness/pkg/benchtypes"
)

// ErrHeaderConflict means an existing store was written with a different
// schema. Appending to it would misalign columns, so the campaign stops.
var ErrHeaderConflict = errors.New("result store header does not match experiment schema")

// SchemaMismatchError reports a completed run whose metrics record does not
// fit the declared columns. The row is not appended.
type SchemaMismatchError struct {
	Experiment string
	Variant    string
	Missing    []string
	Extra      []string
}

func (e *SchemaMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "undeclared "+strings.Join(e.Extra, ", "))
	}
	return fmt.Sprintf("metrics of %s/%s do not match schema: %s", e.Experiment, e.Variant, strings.Join(parts, "; "))
}

// Entry is everything recorded for one run.
type Entry struct {
	Descriptor benchtypes.RunDescriptor
	Outcome    benchtypes.RunOutcome
	// Problem is the generator's problem-size record for the instance.
	Problem map[string]string
	// Timeout is the per-run timeout, used to saturate timed out rows.
	Timeout time.Duration
}

// Recorder appends rows to <dir>/<experiment>.csv.
type Recorder struct {
	dir string

	mu      sync.Mutex
	checked map[string]bool
}

// New creates a Recorder writing under dir.
func New(dir string) *Recorder {
	return &Recorder{dir: dir, checked: make(map[string]bool)}
}

// Path returns the store path of an experiment.
func (r *Recorder) Path(experiment string) string {
	return filepath.Join(r.dir, experiment+".csv")
}

// Append durably writes one row for entry. The header is written when the
// store is empty and compared against the schema otherwise. A
// *SchemaMismatchError leaves the store untouched.
func (r *Recorder) Append(exp benchtypes.ExperimentSpec, entry Entry) error {
	header := matrix.Schema(exp)
	row, err := BuildRow(exp, entry)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	path := r.Path(exp.Name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat result store: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		r.checked[path] = true
	} else if !r.checked[path] {
		if err := checkHeader(path, header); err != nil {
			return err
		}
		r.checked[path] = true
	}

	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync result store: %w", err)
	}
	return nil
}

// BuildRow renders entry in schema order. Completed runs are validated
// against the declared columns; other statuses leave metric cells empty
// except for timed out runs, whose wall-clock and saturated columns hold the
// timeout in milliseconds.
func BuildRow(exp benchtypes.ExperimentSpec, entry Entry) ([]string, error) {
	desc, outcome := entry.Descriptor, entry.Outcome

	values := make(map[string]string, len(exp.Columns.All())+1)
	for _, col := range exp.Columns.Problem {
		if v, ok := entry.Problem[col]; ok {
			values[col] = v
		}
	}

	switch outcome.Status {
	case benchtypes.StatusCompleted:
		if err := checkRecord(exp, desc, outcome.Metrics, values); err != nil {
			return nil, err
		}
		for _, col := range exp.Columns.All() {
			if v, ok := outcome.Metrics[col]; ok {
				values[col] = v
			}
		}
		values[matrix.WallclockColumn] = strconv.FormatInt(outcome.DurationMillis(), 10)
	case benchtypes.StatusTimedOut:
		timeoutMs := strconv.FormatInt(entry.Timeout.Milliseconds(), 10)
		values[matrix.WallclockColumn] = timeoutMs
		for _, col := range exp.Saturate {
			values[col] = timeoutMs
		}
	case benchtypes.StatusFailed, benchtypes.StatusInterrupted:
		values[matrix.WallclockColumn] = strconv.FormatInt(outcome.DurationMillis(), 10)
	}

	identity := []string{
		desc.Variant.Name,
		strconv.Itoa(desc.Repetition),
		strconv.Itoa(desc.Instance),
		strconv.FormatInt(desc.Seed, 10),
		outcome.Status.String(),
	}
	row := make([]string, 0, len(identity)+len(values))
	row = append(row, identity...)
	for _, col := range matrix.Schema(exp)[len(identity):] {
		row = append(row, values[col])
	}
	return row, nil
}

// checkRecord verifies that a completed run reported every declared column
// and, unless the experiment allows it, nothing else. Problem columns may be
// supplied by the generator instead.
func checkRecord(exp benchtypes.ExperimentSpec, desc benchtypes.RunDescriptor, metrics, generated map[string]string) error {
	mismatch := &SchemaMismatchError{Experiment: exp.Name, Variant: desc.Variant.Name}
	for _, col := range exp.Columns.All() {
		if _, ok := metrics[col]; ok {
			continue
		}
		if _, ok := generated[col]; ok {
			continue
		}
		mismatch.Missing = append(mismatch.Missing, col)
	}
	if !exp.AllowExtra {
		declared := matrix.Schema(exp)
		for key := range metrics {
			if !slices.Contains(declared, key) {
				mismatch.Extra = append(mismatch.Extra, key)
			}
		}
		slices.Sort(mismatch.Extra)
	}
	if len(mismatch.Missing) > 0 || len(mismatch.Extra) > 0 {
		return mismatch
	}
	return nil
}

func checkHeader(path string, want []string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	defer f.Close()

	got, err := csv.NewReader(f).Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if slices.Equal(got, want) {
		return nil
	}
	return fmt.Errorf("%w: %s\n%s", ErrHeaderConflict, path, headerDiff(got, want))
}

// headerDiff renders a line-per-column diff between two headers.
func headerDiff(got, want []string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(strings.Join(got, "\n")+"\n", strings.Join(want, "\n")+"\n")
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, col := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out.WriteString(prefix + col + "\n")
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}
