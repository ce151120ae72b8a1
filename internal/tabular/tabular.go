// Package tabular holds the in-memory representation of a parsed delimited
// file: an ordered set of named columns over an ordered set of rows.
//
// A Sample is owned transiently by schema inference and by the loader for the
// duration of one import. Values are kept as raw strings exactly as parsed;
// absent cells are empty strings and are reported as null by IsNull.
package tabular

import "fmt"

// Sample is a rectangular slice of a delimited file.
//
// Invariants:
//   - every row in Rows has exactly len(Columns) fields
//   - column order matches the source file's header order
type Sample struct {
	Columns []string
	Rows    [][]string
}

// New constructs a Sample and validates that all rows are aligned with the
// column list. Misaligned input is a programming error upstream (the parser
// skips short/long records), so New fails loudly instead of repairing.
func New(columns []string, rows [][]string) (*Sample, error) {
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("tabular: row %d has %d fields, want %d", i, len(r), len(columns))
		}
	}
	return &Sample{Columns: columns, Rows: rows}, nil
}

// RowCount returns the number of data rows (header excluded).
func (s *Sample) RowCount() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// ColumnIndex returns the index of a named column, or -1 when absent.
func (s *Sample) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ColumnValues returns the raw values of column i in row order.
//
// The returned slice aliases the sample's backing rows; callers must not
// mutate it.
func (s *Sample) ColumnValues(i int) []string {
	out := make([]string, 0, len(s.Rows))
	for _, r := range s.Rows {
		out = append(out, r[i])
	}
	return out
}

// IsNull reports whether a raw cell value represents an absent value.
func IsNull(v string) bool { return v == "" }
