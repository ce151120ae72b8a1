// Package infer derives a relational schema from an untyped tabular sample.
//
// Classification is a total, deterministic function of the sampled values:
// the same sample always yields the same schema, and absent/null cells never
// abort a column. Any structural failure (nil sample, empty column set)
// aborts the whole call; inference is atomic across all columns of a table,
// and the caller never receives a partially inferred schema.
package infer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"dwsync/internal/schema"
	"dwsync/internal/tabular"
)

// InferenceError reports a failed schema inference for one table.
//
// It aborts the import of the file it came from; there is no per-column
// recovery.
type InferenceError struct {
	Table string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("infer: table %s: %v", e.Table, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// maxBoundedWidth is the largest string width stored with an explicit bound.
// Longer columns degrade to unbounded ("max") storage.
const maxBoundedWidth = 4000

// widthStep is the granularity string widths are rounded up to. Rounding up
// guards against later values slightly exceeding the sample without
// requiring a destructive column widening.
const widthStep = 10

// isoDatePattern matches a full ISO calendar date and nothing else.
var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// InferSchema classifies every column of the sample and returns the table
// schema. The returned column order matches the sample's column order.
//
// Errors:
//   - *InferenceError when the sample is structurally unusable. Per-column
//     classification itself cannot fail: every value set maps to exactly one
//     kind, with VariableString(255) as the terminal fallback.
func InferSchema(table string, s *tabular.Sample) (schema.TableSchema, error) {
	if s == nil {
		return schema.TableSchema{}, &InferenceError{Table: table, Err: fmt.Errorf("nil sample")}
	}
	if len(s.Columns) == 0 {
		return schema.TableSchema{}, &InferenceError{Table: table, Err: fmt.Errorf("sample has no columns")}
	}
	for i, r := range s.Rows {
		if len(r) != len(s.Columns) {
			return schema.TableSchema{}, &InferenceError{
				Table: table,
				Err:   fmt.Errorf("row %d has %d fields, want %d", i, len(r), len(s.Columns)),
			}
		}
	}

	out := schema.TableSchema{Name: table, Columns: make([]schema.ColumnType, 0, len(s.Columns))}
	for i, name := range s.Columns {
		ct := classifyColumn(s.ColumnValues(i))
		ct.Name = name
		out.Columns = append(out.Columns, ct)
	}
	return out, nil
}

// classifyColumn assigns exactly one kind to a column given its sampled
// values. Precedence, first match wins:
//
//  1. numeric with any fractional/exponent syntax -> Decimal(38,8)
//  2. all integers                               -> Integer or BigInteger
//  3. all timestamps                             -> DateTime
//  4. all boolean literals                       -> Boolean
//  5. string-like                                -> Date / UnicodeString / VariableString
//  6. no values at all                           -> VariableString(255)
func classifyColumn(values []string) schema.ColumnType {
	var (
		seen       bool
		nullable   bool
		anyFloat   bool
		allNumeric = true
		allTS      = true
		allBool    = true
	)

	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if tabular.IsNull(v) {
			nullable = true
			continue
		}
		seen = true

		isInt := parsesAsInt(v)
		isFloat := !isInt && parsesAsFloat(v)
		if isFloat {
			anyFloat = true
		}
		if !isInt && !isFloat {
			allNumeric = false
		}
		if allTS {
			if _, ok := parseTimestamp(v); !ok {
				allTS = false
			}
		}
		if allBool {
			if _, ok := parseBoolLoose(v); !ok {
				allBool = false
			}
		}
	}

	if !seen {
		return schema.ColumnType{Kind: schema.KindVariableString, Width: 255, Nullable: true}
	}

	switch {
	case allNumeric && anyFloat:
		return schema.ColumnType{Kind: schema.KindDecimal, Nullable: nullable}
	case allNumeric:
		return schema.ColumnType{Kind: integerKind(values), Nullable: nullable}
	case allTS:
		return schema.ColumnType{Kind: schema.KindDateTime, Nullable: nullable}
	case allBool:
		return schema.ColumnType{Kind: schema.KindBoolean, Nullable: nullable}
	}

	ct := classifyString(values)
	ct.Nullable = nullable
	return ct
}

// integerKind picks Integer when every sampled value lies strictly inside the
// signed 16-bit range (-32767, 32767), BigInteger otherwise.
func integerKind(values []string) schema.Kind {
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if tabular.IsNull(v) {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			// Integer fits in int64 was already established; out-of-range
			// parse failures are therefore BigInteger territory.
			return schema.KindBigInteger
		}
		if n >= 32767 || n <= -32767 {
			return schema.KindBigInteger
		}
	}
	return schema.KindInteger
}

// classifyString handles rule 5: width computation, the ISO-date override,
// and the unicode upgrade for non-ASCII payloads.
func classifyString(values []string) schema.ColumnType {
	maxLen := 0
	allISODate := true
	anyNonASCII := false

	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if tabular.IsNull(v) {
			continue
		}
		if n := utf8.RuneCountInString(v); n > maxLen {
			maxLen = n
		}
		if allISODate && !isoDatePattern.MatchString(v) {
			allISODate = false
		}
		if !anyNonASCII && hasNonASCII(v) {
			anyNonASCII = true
		}
	}

	if allISODate {
		return schema.ColumnType{Kind: schema.KindDate}
	}

	if maxLen > maxBoundedWidth {
		if anyNonASCII {
			return schema.ColumnType{Kind: schema.KindUnicodeString, Width: schema.WidthMax}
		}
		return schema.ColumnType{Kind: schema.KindVariableString, Width: schema.WidthMax}
	}

	width := roundUpWidth(maxLen)
	if anyNonASCII {
		// Padding absorbs multi-byte encoding overhead.
		return schema.ColumnType{Kind: schema.KindUnicodeString, Width: width + widthStep}
	}
	return schema.ColumnType{Kind: schema.KindVariableString, Width: width}
}

// roundUpWidth rounds n up to the next multiple of widthStep.
func roundUpWidth(n int) int {
	return (n + widthStep - 1) / widthStep * widthStep
}

func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

func parsesAsInt(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func parsesAsFloat(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func parseBoolLoose(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"02.01.2006 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, lay := range timestampLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
