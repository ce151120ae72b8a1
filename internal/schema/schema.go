// Package schema defines the relational schema model shared by inference,
// provisioning, loading, and migration: column kinds with widths, table
// schemas, staging-name conventions, and the warehouse metadata columns
// added per synchronization policy.
package schema

import (
	"fmt"
	"strings"
)

// Kind is the backend-independent column type produced by inference.
type Kind int

const (
	KindDecimal Kind = iota
	KindInteger
	KindBigInteger
	KindDateTime
	KindDate
	KindFixedString
	KindVariableString
	KindBoolean
	KindUnicodeString
)

// String returns a stable label for logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindDecimal:
		return "decimal"
	case KindInteger:
		return "integer"
	case KindBigInteger:
		return "bigint"
	case KindDateTime:
		return "datetime"
	case KindDate:
		return "date"
	case KindFixedString:
		return "char"
	case KindVariableString:
		return "varchar"
	case KindBoolean:
		return "boolean"
	case KindUnicodeString:
		return "nvarchar"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// WidthMax marks an unbounded string column ("max" storage).
const WidthMax = -1

// DecimalPrecision and DecimalScale are the fixed precision/scale assigned to
// every inferred decimal column. They are a conservative ceiling, not derived
// from the data.
const (
	DecimalPrecision = 38
	DecimalScale     = 8
)

// ColumnType describes one column of a table.
//
// Width is meaningful only for the string kinds: a positive byte width, or
// WidthMax for unbounded storage. Exactly one Kind is assigned per column.
type ColumnType struct {
	Name     string
	Kind     Kind
	Width    int
	Nullable bool
}

// TableSchema is an ordered column list plus the table name.
type TableSchema struct {
	Name    string
	Columns []ColumnType
}

// ColumnNames returns the column names in declaration order.
func (t TableSchema) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// SplitStagingName parses the load-bearing `<region>_<entity>` convention.
//
// The region is everything before the first underscore; the remainder is the
// warehouse (entity) table name. Names without an underscore are rejected:
// both the provisioner and the migrator depend on the region tag.
func SplitStagingName(staging string) (region, entity string, err error) {
	region, entity, ok := strings.Cut(staging, "_")
	if !ok || region == "" || entity == "" {
		return "", "", fmt.Errorf("schema: staging table %q does not match <region>_<entity>", staging)
	}
	return region, entity, nil
}

// SyncPolicy selects how the migrator reconciles staging rows into the
// warehouse. Exactly one policy is active per deployment; it is chosen at
// configuration time, never inferred per table.
type SyncPolicy string

const (
	// PolicyVersioned keeps prior row states with validity windows, keyed by
	// row hash (SCD-style).
	PolicyVersioned SyncPolicy = "versioned"

	// PolicyReplace truncates the warehouse table and reloads the staging
	// snapshot; no history is retained.
	PolicyReplace SyncPolicy = "replace"
)

// Valid reports whether p names a supported policy.
func (p SyncPolicy) Valid() bool { return p == PolicyVersioned || p == PolicyReplace }

// Warehouse metadata column names. These are appended to the staging columns
// when the warehouse counterpart table is created.
const (
	ColRegionCode = "RegionCode"
	ColRowHash    = "RowHash"
	ColIsActive   = "IsActive"
	ColValidFrom  = "ValidFrom"
	ColValidTo    = "ValidTo"
	ColLoadDate   = "LoadDate"
)

// MetadataColumns returns the warehouse bookkeeping columns for a policy, in
// the order they are appended after the staging columns.
func MetadataColumns(p SyncPolicy) []ColumnType {
	switch p {
	case PolicyReplace:
		return []ColumnType{
			{Name: ColRegionCode, Kind: KindVariableString, Width: 10},
			{Name: ColLoadDate, Kind: KindDateTime},
		}
	default:
		return []ColumnType{
			{Name: ColRegionCode, Kind: KindVariableString, Width: 10},
			{Name: ColRowHash, Kind: KindFixedString, Width: 64},
			{Name: ColIsActive, Kind: KindInteger},
			{Name: ColValidFrom, Kind: KindDateTime},
			{Name: ColValidTo, Kind: KindDateTime, Nullable: true},
		}
	}
}
