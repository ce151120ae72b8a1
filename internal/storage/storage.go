// Package storage defines the backend-agnostic warehouse access layer and the
// factory registry used to select a concrete backend at runtime.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dwsync/internal/schema"
)

// Config is the minimal configuration needed to open a repository.
//
// When to use:
//   - Use Config when constructing a Repository via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - Open returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// ConnectionError wraps a failure to reach or authenticate against a backend.
type ConnectionError struct {
	Kind string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrBulkUnsupported is returned by BulkLoadFile on backends that have no
// server-side file load facility. Callers fall back to batched inserts.
var ErrBulkUnsupported = errors.New("storage: bulk file load not supported")

// InsertBatchSize caps the number of rows per INSERT statement inside an
// InsertRows transaction. Backends with tighter parameter limits batch
// smaller; none batch larger.
const InsertBatchSize = 10_000

// HintRenderer renders a physical-layout hint for a table into backend DDL.
//
// Renderers are passed explicitly to the provisioning layer; they are never
// registered globally. A backend with no equivalent layout feature returns
// ok=false and the hint is silently dropped.
type HintRenderer interface {
	RenderHint(table string) (stmt string, ok bool)
}

// Repository is the backend-agnostic interface for staging and warehouse
// access.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the synchronization engine needs. Each backend implements these
// semantics in its own idiomatic way (SQL Server OBJECT_ID guards, Postgres
// IF NOT EXISTS, SQLite PRAGMAs, etc).
type Repository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// Edge cases:
	//   - Implementations should be safe to call once at process shutdown.
	//   - Callers should treat Close as "call once".
	Close()

	// HintRenderer returns the backend's default layout hint renderer.
	// Callers hand it to the provisioning layer explicitly.
	HintRenderer() HintRenderer

	// EnsureTable creates the table if it does not exist, appending meta after
	// the inferred columns. hint is an optional post-create DDL statement
	// executed only when the table was newly created.
	//
	// This method is idempotent and safe to run on every invocation.
	EnsureTable(ctx context.Context, t schema.TableSchema, meta []schema.ColumnType, hint string) error

	// TableExists reports whether a table with the given name exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// ColumnNames returns the table's column names in ordinal position order.
	ColumnNames(ctx context.Context, table string) ([]string, error)

	// ColumnTypes reads the table's columns back as schema column types, in
	// ordinal position order. The mapping is the inverse of EnsureTable's
	// rendering; backends with a coarser type system widen (never narrow).
	ColumnTypes(ctx context.Context, table string) ([]schema.ColumnType, error)

	// ListTables returns all table names starting with prefix, sorted.
	ListTables(ctx context.Context, prefix string) ([]string, error)

	// SelectRows reads every row of the table projecting the given columns.
	SelectRows(ctx context.Context, table string, columns []string) ([][]any, error)

	// InsertRows inserts all rows in a single transaction, batching the
	// statements internally to respect the backend's parameter limits.
	// On error the whole transaction is rolled back.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// TruncateTable removes all rows from the table.
	TruncateTable(ctx context.Context, table string) error

	// DropTable drops the table if it exists.
	DropTable(ctx context.Context, table string) error

	// SupportsBulkLoad reports whether BulkLoadFile is available.
	SupportsBulkLoad() bool

	// BulkLoadFile loads a delimited file server-side into the table,
	// skipping the header row. Returns ErrBulkUnsupported on backends
	// without a file load facility.
	BulkLoadFile(ctx context.Context, table string, path string, delimiter rune) (int64, error)

	// ActiveRowHashes returns the fingerprints of all active rows for a
	// region, for change detection during synchronization.
	ActiveRowHashes(ctx context.Context, table, region string) ([]string, error)

	// DeactivateRows closes the listed active versions for a region by
	// clearing the active flag and stamping their valid-to time.
	DeactivateRows(ctx context.Context, table, region string, hashes []string, now time.Time) (int64, error)

	// DeleteRegion removes every row belonging to a region. Used by the
	// replace synchronization policy.
	DeleteRegion(ctx context.Context, table, region string) (int64, error)

	// WithTx opens one transaction, runs fn against it, and commits when fn
	// returns nil. Any error from fn or from the commit rolls every
	// statement back; nothing fn did is visible outside the transaction
	// until commit. Fn must not retain tx after returning.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional slice of a Repository: the per-table reads and
// writes that synchronization must commit or roll back as one unit of work.
// Every method runs on the transaction opened by WithTx; statement batching
// inside a method never commits.
type Tx interface {
	// ActiveRowHashes is Repository.ActiveRowHashes inside the transaction,
	// so the change-detection read and the writes it drives see one
	// consistent state.
	ActiveRowHashes(ctx context.Context, table, region string) ([]string, error)

	// InsertRows is Repository.InsertRows without the enclosing
	// transaction: batches execute on the open transaction.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// DeactivateRows is Repository.DeactivateRows on the open transaction.
	DeactivateRows(ctx context.Context, table, region string, hashes []string, now time.Time) (int64, error)

	// DeleteRegion is Repository.DeleteRegion on the open transaction.
	DeleteRegion(ctx context.Context, table, region string) (int64, error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "mssql", "postgres").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns, typically a
//     *ConnectionError on unreachable backends.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
