// Package postgres implements storage.Repository for PostgreSQL using pgx.
package postgres

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dwsync/internal/schema"
	"dwsync/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Idempotent table creation via CREATE TABLE IF NOT EXISTS
  - Transactional batched inserts
  - Server-assisted bulk loads via the COPY protocol

Synchronization behavior matches the MSSQL and SQLite implementations.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, &storage.ConnectionError{Kind: "postgres", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &storage.ConnectionError{Kind: "postgres", Err: err}
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// HintRenderer returns the region index renderer.
func (r *Repo) HintRenderer() storage.HintRenderer { return RegionIndexHint{} }

// RegionIndexHint renders a btree index on the region column. Postgres has no
// columnstore equivalent, so the layout hint degrades to the index that the
// synchronization queries actually filter on.
type RegionIndexHint struct{}

// RenderHint returns the CREATE INDEX statement.
func (RegionIndexHint) RenderHint(table string) (string, bool) {
	return fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgIdent("ix_"+table+"_region"),
		pgIdent(table),
		pgIdent(schema.ColRegionCode),
	), true
}

// EnsureTable creates the table if missing, appending meta columns after the
// inferred ones. The optional hint statement runs after creation; both
// statements are idempotent so reruns are safe.
func (r *Repo) EnsureTable(ctx context.Context, t schema.TableSchema, meta []schema.ColumnType, hint string) error {
	stmt, err := buildCreateTableSQL(t, meta)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: ensure table %s: %w", t.Name, err)
	}
	if hint != "" {
		if _, err := r.pool.Exec(ctx, hint); err != nil {
			return fmt.Errorf("postgres: apply hint on %s: %w", t.Name, err)
		}
	}
	return nil
}

// TableExists reports whether the table exists via to_regclass.
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var reg *string
	err := r.pool.QueryRow(ctx, "SELECT to_regclass($1)::text", table).Scan(&reg)
	if err != nil {
		return false, err
	}
	return reg != nil, nil
}

// ColumnNames returns the table's columns in ordinal position order.
func (r *Repo) ColumnNames(ctx context.Context, table string) ([]string, error) {
	const q = `SELECT column_name FROM information_schema.columns
WHERE table_name = $1 ORDER BY ordinal_position`

	rows, err := r.pool.Query(ctx, q, table)
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
// position order. Inverse of the mapping applied by EnsureTable; text comes
// back as an unbounded variable string since the create side collapses both
// string families onto it.
func (r *Repo) ColumnTypes(ctx context.Context, table string) ([]schema.ColumnType, error) {
	const q = `SELECT column_name, data_type, character_maximum_length, is_nullable
FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`

	rows, err := r.pool.Query(ctx, q, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.ColumnType
	for rows.Next() {
		var (
			name, dataType, isNullable string
			charMax                    *int
		)
		if err := rows.Scan(&name, &dataType, &charMax, &isNullable); err != nil {
			return nil, err
		}
		ct, err := columnTypeFromCatalog(name, dataType, charMax, isNullable == "YES")
		if err != nil {
			return nil, fmt.Errorf("postgres: table %s: %w", table, err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

func columnTypeFromCatalog(name, dataType string, charMax *int, nullable bool) (schema.ColumnType, error) {
	ct := schema.ColumnType{Name: name, Nullable: nullable}
	width := func() int {
		if charMax == nil {
			return schema.WidthMax
		}
		return *charMax
	}
	switch dataType {
	case "numeric":
		ct.Kind = schema.KindDecimal
	case "integer", "smallint":
		ct.Kind = schema.KindInteger
	case "bigint":
		ct.Kind = schema.KindBigInteger
	case "timestamp without time zone", "timestamp with time zone":
		ct.Kind = schema.KindDateTime
	case "date":
		ct.Kind = schema.KindDate
	case "boolean":
		ct.Kind = schema.KindBoolean
	case "character":
		ct.Kind = schema.KindFixedString
		ct.Width = width()
	case "character varying":
		ct.Kind = schema.KindVariableString
		ct.Width = width()
	case "text":
		ct.Kind = schema.KindVariableString
		ct.Width = schema.WidthMax
	default:
		return schema.ColumnType{}, fmt.Errorf("column %s: unsupported catalog type %q", name, dataType)
	}
	return ct, nil
}

// ListTables returns all table names starting with prefix, sorted.
func (r *Repo) ListTables(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT table_name FROM information_schema.tables
WHERE table_type = 'BASE TABLE' AND table_schema = current_schema() AND table_name LIKE $1 || '%'`

	rows, err := r.pool.Query(ctx, q, prefix)
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
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgIdent(table))

	rows, err := r.pool.Query(ctx, b.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		// IMPORTANT: pgx requires that Scan destinations are pointers.
		// Allocate the values slice and scan into a parallel &out[i] slice.
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
// Statements are chunked to keep parameter counts reasonable, but the
// transaction spans every chunk: a failure anywhere rolls back the load.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	total, err := insertRowsOn(ctx, tx, table, columns, rows)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// insertRowsOn runs the chunked insert statements on an open pool or
// transaction. It never commits.
func insertRowsOn(ctx context.Context, c pgConn, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" {
		return 0, fmt.Errorf("InsertRows: table is empty")
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("InsertRows: columns is empty")
	}

	// Postgres tops out at 65535 parameters per statement; keep well below.
	maxRows := 20000 / len(columns)
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

		cmd, err := c.Exec(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// TruncateTable removes all rows from the table.
func (r *Repo) TruncateTable(ctx context.Context, table string) error {
	_, err := r.pool.Exec(ctx, "TRUNCATE TABLE "+pgIdent(table))
	return err
}

// DropTable drops the table if it exists.
func (r *Repo) DropTable(ctx context.Context, table string) error {
	_, err := r.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(table))
	return err
}

// SupportsBulkLoad reports true: Postgres has the COPY protocol.
func (r *Repo) SupportsBulkLoad() bool { return true }

// BulkLoadFile streams a delimited file into the table via COPY FROM STDIN.
//
// Unlike server-side COPY FROM 'path', streaming through the wire protocol
// does not require the file to be visible to the database host.
func (r *Repo) BulkLoadFile(ctx context.Context, table string, path string, delimiter rune) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("postgres: bulk load %s: %w", table, err)
	}
	defer f.Close()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	copySQL := fmt.Sprintf(
		"COPY %s FROM STDIN WITH (FORMAT csv, HEADER true, DELIMITER '%s')",
		pgIdent(table), string(delimiter),
	)

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, f, copySQL)
	if err != nil {
		return 0, fmt.Errorf("postgres: bulk load %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// ActiveRowHashes returns the fingerprints of the region's active rows.
func (r *Repo) ActiveRowHashes(ctx context.Context, table, region string) ([]string, error) {
	return activeRowHashesOn(ctx, r.pool, table, region)
}

func activeRowHashesOn(ctx context.Context, c pgConn, table, region string) ([]string, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = $1 AND %s = 1",
		pgIdent(schema.ColRowHash),
		pgIdent(table),
		pgIdent(schema.ColRegionCode),
		pgIdent(schema.ColIsActive),
	)

	rows, err := c.Query(ctx, q, region)
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

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	total, err := deactivateRowsOn(ctx, tx, table, region, hashes, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// deactivateRowsOn runs the chunked deactivation updates on an open pool or
// transaction. It never commits.
func deactivateRowsOn(ctx context.Context, c pgConn, table, region string, hashes []string, now time.Time) (int64, error) {
	const chunk = 2000

	var total int64
	for start := 0; start < len(hashes); start += chunk {
		end := start + chunk
		if end > len(hashes) {
			end = len(hashes)
		}
		q, args := buildDeactivateSQL(table, region, hashes[start:end], now)

		cmd, err := c.Exec(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// DeleteRegion removes every row belonging to a region.
func (r *Repo) DeleteRegion(ctx context.Context, table, region string) (int64, error) {
	return deleteRegionOn(ctx, r.pool, table, region)
}

func deleteRegionOn(ctx context.Context, c pgConn, table, region string) (int64, error) {
	q := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = $1",
		pgIdent(table),
		pgIdent(schema.ColRegionCode),
	)
	cmd, err := c.Exec(ctx, q, region)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// WithTx runs fn inside one transaction, committing on a nil return and
// rolling everything back otherwise.
func (r *Repo) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// txRepo implements storage.Tx over an open pgx.Tx.
type txRepo struct {
	tx pgx.Tx
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

// pgConn is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

/* ---------- SQL builders ---------- */

// buildCreateTableSQL renders CREATE TABLE IF NOT EXISTS with meta columns
// appended after the inferred ones.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness without
//     a database.
func buildCreateTableSQL(t schema.TableSchema, meta []schema.ColumnType) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("postgres: table name is empty")
	}
	if len(t.Columns) == 0 && len(meta) == 0 {
		return "", fmt.Errorf("postgres: table %s has no columns", t.Name)
	}

	var parts []string
	for _, c := range append(append([]schema.ColumnType{}, t.Columns...), meta...) {
		def, err := pgColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);",
		pgIdent(t.Name), strings.Join(parts, ", ")), nil
}

// pgColumnDef renders a single column definition.
func pgColumnDef(c schema.ColumnType) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("postgres: column name is empty")
	}

	typ, err := pgType(c)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

// pgType maps an inferred column kind to a Postgres type.
//
// Unicode strings map to plain VARCHAR: Postgres text is UTF-8 already, so
// the distinction only matters for width padding decided upstream.
func pgType(c schema.ColumnType) (string, error) {
	switch c.Kind {
	case schema.KindDecimal:
		return fmt.Sprintf("NUMERIC(%d,%d)", schema.DecimalPrecision, schema.DecimalScale), nil
	case schema.KindInteger:
		return "INTEGER", nil
	case schema.KindBigInteger:
		return "BIGINT", nil
	case schema.KindDateTime:
		return "TIMESTAMP", nil
	case schema.KindDate:
		return "DATE", nil
	case schema.KindBoolean:
		return "BOOLEAN", nil
	case schema.KindFixedString:
		return fmt.Sprintf("CHAR(%d)", c.Width), nil
	case schema.KindVariableString, schema.KindUnicodeString:
		if c.Width == schema.WidthMax {
			return "TEXT", nil
		}
		return fmt.Sprintf("VARCHAR(%d)", c.Width), nil
	default:
		return "", fmt.Errorf("postgres: column %s has unsupported kind %s", c.Name, c.Kind)
	}
}

// buildInsertSQL constructs a single INSERT statement and its args.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			b.WriteString("$")
			b.WriteString(strconv.Itoa(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// buildDeactivateSQL builds the UPDATE closing a chunk of active versions.
func buildDeactivateSQL(table, region string, hashes []string, now time.Time) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b,
		"UPDATE %s SET %s = 0, %s = $1 WHERE %s = $2 AND %s = 1 AND %s IN (",
		pgIdent(table),
		pgIdent(schema.ColIsActive),
		pgIdent(schema.ColValidTo),
		pgIdent(schema.ColRegionCode),
		pgIdent(schema.ColIsActive),
		pgIdent(schema.ColRowHash),
	)

	args := make([]any, 0, len(hashes)+2)
	args = append(args, now, region)
	for i, h := range hashes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(i + 3))
		args = append(args, h)
	}
	b.WriteString(")")

	return b.String(), args
}

// pgIdent returns a double-quoted identifier, escaping '"' by doubling.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var (
	_ storage.Repository = (*Repo)(nil)
	_ storage.Tx         = (*txRepo)(nil)
	_ pgConn             = (*pgxpool.Pool)(nil)
)
