// Package sqlite implements storage.Repository for SQLite using the pure Go
// modernc.org driver. It doubles as the backend for database-backed tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dwsync/internal/schema"
	"dwsync/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs the server backends:
//   - SQLite has no server-side file load facility, so BulkLoadFile reports
//     storage.ErrBulkUnsupported and callers fall back to batched inserts.
//   - Timestamps are stored as RFC3339Nano strings for reliable round-trips;
//     modernc.org/sqlite gives everything TEXT affinity otherwise.
//   - There is no layout hint equivalent either; RenderHint reports ok=false.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (or creates) the SQLite database at the DSN path.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, &storage.ConnectionError{Kind: "sqlite", Err: err}
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent table syncs.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &storage.ConnectionError{Kind: "sqlite", Err: err}
	}
	return &Repo{db: db}, nil
}

// Close closes the database handle.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// HintRenderer returns the no-op renderer.
func (r *Repo) HintRenderer() storage.HintRenderer { return NoHint{} }

// NoHint is the SQLite layout hint renderer: there is nothing to render.
type NoHint struct{}

// RenderHint reports ok=false; the hint is dropped.
func (NoHint) RenderHint(string) (string, bool) { return "", false }

// EnsureTable creates the table if missing, appending meta columns after the
// inferred ones.
func (r *Repo) EnsureTable(ctx context.Context, t schema.TableSchema, meta []schema.ColumnType, hint string) error {
	stmt, err := buildCreateTableSQL(t, meta)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: ensure table %s: %w", t.Name, err)
	}
	if hint != "" {
		if _, err := r.db.ExecContext(ctx, hint); err != nil {
			return fmt.Errorf("sqlite: apply hint on %s: %w", t.Name, err)
		}
	}
	return nil
}

// TableExists reports whether the table exists in sqlite_master.
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	const q = "SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?"
	var n int
	if err := r.db.QueryRowContext(ctx, q, table).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ColumnNames returns the table's columns in declaration order via PRAGMA.
func (r *Repo) ColumnNames(ctx context.Context, table string) ([]string, error) {
	q := fmt.Sprintf("PRAGMA table_info(%s)", sqlIdent(table))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ColumnTypes reads the table's columns back as schema types. SQLite's
// affinity system is coarser than the create-side mapping, so the inverse
// widens: INTEGER comes back as a big integer and TEXT as an unbounded
// unicode string.
func (r *Repo) ColumnTypes(ctx context.Context, table string) ([]schema.ColumnType, error) {
	q := fmt.Sprintf("PRAGMA table_info(%s)", sqlIdent(table))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.ColumnType
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		ct := schema.ColumnType{Name: name, Nullable: notNull == 0}
		switch strings.ToUpper(typ) {
		case "NUMERIC", "REAL":
			ct.Kind = schema.KindDecimal
		case "INTEGER":
			ct.Kind = schema.KindBigInteger
		default:
			ct.Kind = schema.KindUnicodeString
			ct.Width = schema.WidthMax
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// ListTables returns all table names starting with prefix, sorted.
func (r *Repo) ListTables(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name LIKE ? || '%'`

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

	q := fmt.Sprintf("SELECT %s FROM %s", joinIdentList(columns), sqlIdent(table))

	rows, err := r.db.QueryContext(ctx, q)
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

// InsertRows inserts all rows in one transaction, chunked below SQLite's
// default variable limit.
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
func insertRowsOn(ctx context.Context, c sqlConn, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" {
		return 0, fmt.Errorf("InsertRows: table is empty")
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("InsertRows: columns is empty")
	}

	// SQLITE_MAX_VARIABLE_NUMBER defaults to 32766 in modern builds.
	maxRows := 30000 / len(columns)
	if maxRows > storage.InsertBatchSize {
		maxRows = storage.InsertBatchSize
	}
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

// TruncateTable removes all rows. SQLite has no TRUNCATE; DELETE without a
// WHERE clause takes the fast truncate path.
func (r *Repo) TruncateTable(ctx context.Context, table string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM "+sqlIdent(table))
	return err
}

// DropTable drops the table if it exists.
func (r *Repo) DropTable(ctx context.Context, table string) error {
	_, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table))
	return err
}

// SupportsBulkLoad reports false: SQLite has no server-side file load.
func (r *Repo) SupportsBulkLoad() bool { return false }

// BulkLoadFile always returns storage.ErrBulkUnsupported.
func (r *Repo) BulkLoadFile(ctx context.Context, table string, path string, delimiter rune) (int64, error) {
	return 0, storage.ErrBulkUnsupported
}

// ActiveRowHashes returns the fingerprints of the region's active rows.
func (r *Repo) ActiveRowHashes(ctx context.Context, table, region string) ([]string, error) {
	return activeRowHashesOn(ctx, r.db, table, region)
}

func activeRowHashesOn(ctx context.Context, c sqlConn, table, region string) ([]string, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ? AND %s = 1",
		sqlIdent(schema.ColRowHash),
		sqlIdent(table),
		sqlIdent(schema.ColRegionCode),
		sqlIdent(schema.ColIsActive),
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
func deactivateRowsOn(ctx context.Context, c sqlConn, table, region string, hashes []string, now time.Time) (int64, error) {
	const chunk = 2000

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

func deleteRegionOn(ctx context.Context, c sqlConn, table, region string) (int64, error) {
	q := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ?",
		sqlIdent(table),
		sqlIdent(schema.ColRegionCode),
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

// txRepo implements storage.Tx over an open *sql.Tx.
type txRepo struct {
	tx *sql.Tx
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

// sqlConn is the statement surface shared by *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

/* ---------- SQL builders ---------- */

// buildCreateTableSQL renders CREATE TABLE IF NOT EXISTS with meta columns
// appended after the inferred ones.
func buildCreateTableSQL(t schema.TableSchema, meta []schema.ColumnType) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("sqlite: table name is empty")
	}
	if len(t.Columns) == 0 && len(meta) == 0 {
		return "", fmt.Errorf("sqlite: table %s has no columns", t.Name)
	}

	var parts []string
	for _, c := range append(append([]schema.ColumnType{}, t.Columns...), meta...) {
		def, err := sqliteColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);",
		sqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

func sqliteColumnDef(c schema.ColumnType) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("sqlite: column name is empty")
	}

	typ, err := sqliteType(c)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(sqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

// sqliteType maps an inferred column kind to a SQLite type affinity.
func sqliteType(c schema.ColumnType) (string, error) {
	switch c.Kind {
	case schema.KindDecimal:
		return "NUMERIC", nil
	case schema.KindInteger, schema.KindBigInteger, schema.KindBoolean:
		return "INTEGER", nil
	case schema.KindDateTime, schema.KindDate,
		schema.KindFixedString, schema.KindVariableString, schema.KindUnicodeString:
		return "TEXT", nil
	default:
		return "", fmt.Errorf("sqlite: column %s has unsupported kind %s", c.Name, c.Kind)
	}
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, normalizeArg(row[j]))
		}
		b.WriteString(")")
	}

	return b.String(), args
}

func buildDeactivateSQL(table, region string, hashes []string, now time.Time) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b,
		"UPDATE %s SET %s = 0, %s = ? WHERE %s = ? AND %s = 1 AND %s IN (",
		sqlIdent(table),
		sqlIdent(schema.ColIsActive),
		sqlIdent(schema.ColValidTo),
		sqlIdent(schema.ColRegionCode),
		sqlIdent(schema.ColIsActive),
		sqlIdent(schema.ColRowHash),
	)

	args := make([]any, 0, len(hashes)+2)
	args = append(args, formatSQLiteTime(now), region)
	for i, h := range hashes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, h)
	}
	b.WriteString(")")

	return b.String(), args
}

// normalizeArg converts time values to their stored string form.
func normalizeArg(v any) any {
	if t, ok := v.(time.Time); ok {
		return formatSQLiteTime(t)
	}
	return v
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// sqlIdent returns a double-quoted identifier, escaping '"' by doubling.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

var (
	_ storage.Repository = (*Repo)(nil)
	_ storage.Tx         = (*txRepo)(nil)
)
