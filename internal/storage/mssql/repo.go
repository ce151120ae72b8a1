// Package mssql implements storage.Repository for Microsoft SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dwsync/internal/schema"
	"dwsync/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// This implementation supports:
//   - Idempotent table creation via OBJECT_ID guards.
//   - Batched parameterized inserts chunked below the 2100 parameter limit,
//     all statements inside one transaction.
//   - Server-side BULK INSERT for large delimited files.
//   - Clustered columnstore layout hints on newly created tables.
//
// This package intentionally does NOT blank-import a SQL Server driver.
// The application must register the "sqlserver" driver elsewhere.
type Repo struct {
	db dbConn
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext; an unreachable server
// is reported as *storage.ConnectionError.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, &storage.ConnectionError{Kind: "mssql", Err: err}
	}

	// Conservative defaults for bursty warehouse loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, &storage.ConnectionError{Kind: "mssql", Err: err}
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// HintRenderer returns the clustered columnstore renderer.
func (r *Repo) HintRenderer() storage.HintRenderer { return ColumnstoreHint{} }

// ColumnstoreHint renders a clustered columnstore index statement for a table.
//
// Columnstore layout is the default for analytic warehouse tables here: it
// compresses wide staging loads well and keeps full scans cheap.
type ColumnstoreHint struct{}

// RenderHint returns the CREATE CLUSTERED COLUMNSTORE INDEX statement.
func (ColumnstoreHint) RenderHint(table string) (string, bool) {
	return fmt.Sprintf(
		"CREATE CLUSTERED COLUMNSTORE INDEX %s ON %s",
		mssqlIdent("CCI_"+table),
		mssqlTableIdent(table),
	), true
}

// EnsureTable creates the table if missing, with meta columns appended after
// the inferred ones. The optional hint statement runs inside the same
// OBJECT_ID guard so it only fires when the table was actually created.
func (r *Repo) EnsureTable(ctx context.Context, t schema.TableSchema, meta []schema.ColumnType, hint string) error {
	stmt, err := buildEnsureTableSQL(t, meta, hint)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("mssql: ensure table %s: %w", t.Name, err)
	}
	return nil
}

// TableExists reports whether the table exists via OBJECT_ID.
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	const q = "SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END"
	var n int
	if err := r.db.QueryRowContext(ctx, q, table).Scan(&n); err != nil {
		return false, err
	}
	return n == 1, nil
}

// ColumnNames returns the table's columns in ordinal position order.
func (r *Repo) ColumnNames(ctx context.Context, table string) ([]string, error) {
	const q = `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_NAME = @p1 ORDER BY ORDINAL_POSITION`

	rows, err := r.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ColumnTypes reads the table's columns back as schema types, in ordinal
// position order. Inverse of the mapping applied by EnsureTable.
func (r *Repo) ColumnTypes(ctx context.Context, table string) ([]schema.ColumnType, error) {
	const q = `SELECT COLUMN_NAME, DATA_TYPE, CHARACTER_MAXIMUM_LENGTH, IS_NULLABLE
FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @p1 ORDER BY ORDINAL_POSITION`

	rows, err := r.db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.ColumnType
	for rows.Next() {
		var (
			name, dataType, isNullable string
			charMax                    sql.NullInt64
		)
		if err := rows.Scan(&name, &dataType, &charMax, &isNullable); err != nil {
			return nil, err
		}
		ct, err := columnTypeFromCatalog(name, dataType, charMax, isNullable == "YES")
		if err != nil {
			return nil, fmt.Errorf("mssql: table %s: %w", table, err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// columnTypeFromCatalog maps an INFORMATION_SCHEMA row to a column type.
// CHARACTER_MAXIMUM_LENGTH is -1 for the MAX variants.
func columnTypeFromCatalog(name, dataType string, charMax sql.NullInt64, nullable bool) (schema.ColumnType, error) {
	ct := schema.ColumnType{Name: name, Nullable: nullable}
	width := func() int {
		if !charMax.Valid || charMax.Int64 < 0 {
			return schema.WidthMax
		}
		return int(charMax.Int64)
	}
	switch strings.ToLower(dataType) {
	case "decimal", "numeric":
		ct.Kind = schema.KindDecimal
	case "int", "smallint", "tinyint":
		ct.Kind = schema.KindInteger
	case "bigint":
		ct.Kind = schema.KindBigInteger
	case "datetime", "datetime2", "smalldatetime":
		ct.Kind = schema.KindDateTime
	case "date":
		ct.Kind = schema.KindDate
	case "bit":
		ct.Kind = schema.KindBoolean
	case "char", "nchar":
		ct.Kind = schema.KindFixedString
		ct.Width = width()
	case "varchar":
		ct.Kind = schema.KindVariableString
		ct.Width = width()
	case "nvarchar":
		ct.Kind = schema.KindUnicodeString
		ct.Width = width()
	default:
		return schema.ColumnType{}, fmt.Errorf("column %s: unsupported catalog type %q", name, dataType)
	}
	return ct, nil
}

// ListTables returns all user table names starting with prefix, sorted.
func (r *Repo) ListTables(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_NAME LIKE @p1 + '%'`

	rows, err := r.db.QueryContext(ctx, q, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// SelectRows reads every row of the table projecting the given columns.
func (r *Repo) SelectRows(ctx context.Context, table string, columns []string) ([][]any, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("SelectRows: columns is empty")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))

	rows, err := r.db.QueryContext(ctx, b.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(columns))
		dests := make([]any, len(columns))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// InsertRows inserts all rows in one transaction.
//
// Statements are chunked so each stays below SQL Server's 2100 parameter
// limit, but the transaction spans every chunk: a failure anywhere rolls
// back the entire load.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	total, err := insertRowsOn(ctx, tx, table, columns, rows)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// insertRowsOn runs the chunked insert statements on an open connection or
// transaction. It never commits.
func insertRowsOn(ctx context.Context, c stmtConn, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" {
		return 0, fmt.Errorf("InsertRows: table is empty")
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("InsertRows: columns is empty")
	}

	// SQL Server parameter limit is 2100. Each row uses len(columns) parameters.
	maxRows := 2000 / len(columns)
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		q, args := buildInsertSQL(table, columns, rows[start:end])

		res, err := c.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// TruncateTable removes all rows from the table.
func (r *Repo) TruncateTable(ctx context.Context, table string) error {
	_, err := r.db.ExecContext(ctx, "TRUNCATE TABLE "+mssqlTableIdent(table))
	return err
}

// DropTable drops the table if it exists.
func (r *Repo) DropTable(ctx context.Context, table string) error {
	q := fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s",
		table, mssqlTableIdent(table),
	)
	_, err := r.db.ExecContext(ctx, q)
	return err
}

// SupportsBulkLoad reports true: SQL Server has BULK INSERT.
func (r *Repo) SupportsBulkLoad() bool { return true }

// BulkLoadFile loads a delimited UTF-8 file server-side via BULK INSERT.
//
// The file path must be visible to the database server. The header row is
// skipped and the whole load takes a table lock for throughput.
func (r *Repo) BulkLoadFile(ctx context.Context, table string, path string, delimiter rune) (int64, error) {
	q := buildBulkLoadSQL(table, path, delimiter)
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("mssql: bulk load %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActiveRowHashes returns the fingerprints of the region's active rows.
func (r *Repo) ActiveRowHashes(ctx context.Context, table, region string) ([]string, error) {
	return activeRowHashesOn(ctx, r.db, table, region)
}

func activeRowHashesOn(ctx context.Context, c stmtConn, table, region string) ([]string, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = @p1 AND %s = 1",
		mssqlIdent(schema.ColRowHash),
		mssqlTableIdent(table),
		mssqlIdent(schema.ColRegionCode),
		mssqlIdent(schema.ColIsActive),
	)

	rows, err := c.QueryContext(ctx, q, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeactivateRows closes the listed active versions for a region.
//
// The IN list is chunked to stay within the parameter limit; all chunks run
// in one transaction.
func (r *Repo) DeactivateRows(ctx context.Context, table, region string, hashes []string, now time.Time) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	total, err := deactivateRowsOn(ctx, tx, table, region, hashes, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// deactivateRowsOn runs the chunked deactivation updates on an open
// connection or transaction. It never commits.
func deactivateRowsOn(ctx context.Context, c stmtConn, table, region string, hashes []string, now time.Time) (int64, error) {
	const chunk = 1000

	var total int64
	for start := 0; start < len(hashes); start += chunk {
		end := start + chunk
		if end > len(hashes) {
			end = len(hashes)
		}
		q, args := buildDeactivateSQL(table, region, hashes[start:end], now)

		res, err := c.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteRegion removes every row belonging to a region.
func (r *Repo) DeleteRegion(ctx context.Context, table, region string) (int64, error) {
	return deleteRegionOn(ctx, r.db, table, region)
}

func deleteRegionOn(ctx context.Context, c stmtConn, table, region string) (int64, error) {
	q := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = @p1",
		mssqlTableIdent(table),
		mssqlIdent(schema.ColRegionCode),
	)
	res, err := c.ExecContext(ctx, q, region)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WithTx runs fn inside one transaction, committing on a nil return and
// rolling everything back otherwise.
func (r *Repo) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// txRepo implements storage.Tx over an open transaction.
type txRepo struct {
	tx txConn
}

func (t *txRepo) ActiveRowHashes(ctx context.Context, table, region string) ([]string, error) {
	return activeRowHashesOn(ctx, t.tx, table, region)
}

func (t *txRepo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return insertRowsOn(ctx, t.tx, table, columns, rows)
}

func (t *txRepo) DeactivateRows(ctx context.Context, table, region string, hashes []string, now time.Time) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	return deactivateRowsOn(ctx, t.tx, table, region, hashes, now)
}

func (t *txRepo) DeleteRegion(ctx context.Context, table, region string) (int64, error) {
	return deleteRegionOn(ctx, t.tx, table, region)
}

// ---- SQL builders ----
// Split out as pure functions purely for testability and clarity.

// buildEnsureTableSQL wraps CREATE TABLE (and the optional layout hint) in an
// OBJECT_ID guard. This keeps EnsureTable idempotent without requiring
// IF NOT EXISTS syntax, and runs the hint only on actual creation.
func buildEnsureTableSQL(t schema.TableSchema, meta []schema.ColumnType, hint string) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 && len(meta) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", t.Name)
	}

	var parts []string
	for _, c := range append(append([]schema.ColumnType{}, t.Columns...), meta...) {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	var b strings.Builder
	fmt.Fprintf(&b,
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s);",
		t.Name, mssqlTableIdent(t.Name), strings.Join(parts, ", "),
	)
	if hint != "" {
		b.WriteString(" ")
		b.WriteString(hint)
		b.WriteString(";")
	}
	b.WriteString(" END;")
	return b.String(), nil
}

// mssqlColumnDef builds a SQL Server column definition from schema.ColumnType.
func mssqlColumnDef(c schema.ColumnType) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}

	typ, err := mssqlType(c)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

// mssqlType maps an inferred column kind to a SQL Server type.
func mssqlType(c schema.ColumnType) (string, error) {
	switch c.Kind {
	case schema.KindDecimal:
		return fmt.Sprintf("DECIMAL(%d,%d)", schema.DecimalPrecision, schema.DecimalScale), nil
	case schema.KindInteger:
		return "INT", nil
	case schema.KindBigInteger:
		return "BIGINT", nil
	case schema.KindDateTime:
		return "DATETIME", nil
	case schema.KindDate:
		return "DATE", nil
	case schema.KindBoolean:
		return "BIT", nil
	case schema.KindFixedString:
		return fmt.Sprintf("CHAR(%d)", c.Width), nil
	case schema.KindVariableString:
		if c.Width == schema.WidthMax {
			return "VARCHAR(MAX)", nil
		}
		return fmt.Sprintf("VARCHAR(%d)", c.Width), nil
	case schema.KindUnicodeString:
		if c.Width == schema.WidthMax {
			return "NVARCHAR(MAX)", nil
		}
		return fmt.Sprintf("NVARCHAR(%d)", c.Width), nil
	default:
		return "", fmt.Errorf("mssql: column %s has unsupported kind %s", c.Name, c.Kind)
	}
}

// buildInsertSQL builds a single INSERT ... VALUES statement for a row chunk.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// buildBulkLoadSQL builds a BULK INSERT statement for a UTF-8 delimited file
// with a header row.
func buildBulkLoadSQL(table string, path string, delimiter rune) string {
	return fmt.Sprintf(
		"BULK INSERT %s FROM '%s' WITH (FIRSTROW = 2, FIELDTERMINATOR = '%s', ROWTERMINATOR = '\\n', CODEPAGE = '65001', TABLOCK)",
		mssqlTableIdent(table),
		strings.ReplaceAll(path, "'", "''"),
		string(delimiter),
	)
}

// buildDeactivateSQL builds the UPDATE closing a chunk of active versions.
func buildDeactivateSQL(table, region string, hashes []string, now time.Time) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b,
		"UPDATE %s SET %s = 0, %s = @p1 WHERE %s = @p2 AND %s = 1 AND %s IN (",
		mssqlTableIdent(table),
		mssqlIdent(schema.ColIsActive),
		mssqlIdent(schema.ColValidTo),
		mssqlIdent(schema.ColRegionCode),
		mssqlIdent(schema.ColIsActive),
		mssqlIdent(schema.ColRowHash),
	)

	args := make([]any, 0, len(hashes)+2)
	args = append(args, now, region)
	for i, h := range hashes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(i + 3))
		args = append(args, h)
	}
	b.WriteString(")")

	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Commit() error
	Rollback() error
}

// stmtConn is the statement surface shared by dbConn and txConn.
type stmtConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn             = (*sqlDB)(nil)
	_ txConn             = (*sqlTx)(nil)
	_ storage.Repository = (*Repo)(nil)
	_ storage.Tx         = (*txRepo)(nil)
)
