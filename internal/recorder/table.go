package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"perfharness/pkg/benchtypes"
)

// Row is one stored run.
type Row struct {
	Variant    string
	Repetition int
	Instance   int
	Status     benchtypes.Status
	cells      map[string]string
}

// Value returns the cell in column col.
func (r Row) Value(col string) (string, bool) {
	v, ok := r.cells[col]
	return v, ok
}

// Table is a result store loaded into memory, rows in file order.
type Table struct {
	Path   string
	Header []string
	Rows   []Row
}

// HasColumn reports whether col is part of the header.
func (t *Table) HasColumn(col string) bool {
	return slices.Contains(t.Header, col)
}

// Variants returns the distinct variant names in order of first appearance.
func (t *Table) Variants() []string {
	var names []string
	for _, row := range t.Rows {
		if !slices.Contains(names, row.Variant) {
			names = append(names, row.Variant)
		}
	}
	return names
}

// ReadTable loads the result store at path.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &Table{Path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	for _, col := range []string{"variant", "repetition", "instance", "status"} {
		if !slices.Contains(header, col) {
			return nil, fmt.Errorf("%s: header has no %q column", path, col)
		}
	}

	table := &Table{Path: path, Header: header}
	for line := 2; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		row, err := parseRow(header, record)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func parseRow(header, record []string) (Row, error) {
	cells := make(map[string]string, len(header))
	for i, col := range header {
		cells[col] = record[i]
	}

	row := Row{Variant: cells["variant"], cells: cells}
	var err error
	if row.Repetition, err = strconv.Atoi(cells["repetition"]); err != nil {
		return Row{}, fmt.Errorf("bad repetition %q", cells["repetition"])
	}
	if row.Instance, err = strconv.Atoi(cells["instance"]); err != nil {
		return Row{}, fmt.Errorf("bad instance %q", cells["instance"])
	}
	status, ok := benchtypes.ParseStatus(cells["status"])
	if !ok {
		return Row{}, fmt.Errorf("unknown status %q", cells["status"])
	}
	row.Status = status
	return row, nil
}

// NewRow builds a Row from column values, mainly for tests and tools that
// assemble tables in memory.
func NewRow(variant string, status benchtypes.Status, cells map[string]string) Row {
	all := make(map[string]string, len(cells)+2)
	for k, v := range cells {
		all[k] = v
	}
	all["variant"] = variant
	all["status"] = status.String()
	row := Row{Variant: variant, Status: status, cells: all}
	row.Repetition, _ = strconv.Atoi(all["repetition"])
	row.Instance, _ = strconv.Atoi(all["instance"])
	return row
}
