// Package migrate reconciles staging tables into their warehouse
// counterparts. One of two policies is active per deployment: versioned
// keeps prior row states with validity windows keyed by row hash, replace
// reloads the region's snapshot wholesale.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"dwsync/internal/provision"
	"dwsync/internal/rowhash"
	"dwsync/internal/schema"
	"dwsync/internal/storage"
)

// Logger is the minimal logging surface the migrator needs.
type Logger interface {
	Printf(format string, v ...any)
}

// SyncError reports a reconciliation failure for one staging table.
type SyncError struct {
	Table string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Table, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Outcome summarizes one table's synchronization. Versioned runs fill
// RowsInserted/RowsDeactivated; replace runs fill RowsReplaced.
type Outcome struct {
	Table           string
	RowsInserted    int64
	RowsDeactivated int64
	RowsReplaced    int64
}

// Migrator synchronizes staging tables into the warehouse.
//
// The staging and warehouse stores are independent repositories; a run reads
// from the first and writes to the second. The policy is fixed at
// construction, never inferred per table.
type Migrator struct {
	Staging   storage.Repository
	Warehouse storage.Repository
	Policy    schema.SyncPolicy
	Logger    Logger

	// Workers > 1 enables the parallel run variant: tables are synchronized
	// concurrently, each still a single unit of work, and failures are
	// aggregated instead of aborting the run.
	Workers int

	// Now is a clock seam for tests. Nil means time.Now.
	Now func() time.Time
}

// Synchronize reconciles one staging table into its warehouse counterpart.
//
// The staging name's region prefix decides both the warehouse table name
// (the entity part) and the provenance tag written to every warehouse row.
// The warehouse table is provisioned on first sight from the staging
// table's column types plus the policy's bookkeeping columns.
//
// Edge cases:
//   - An empty staging table deactivates everything active for the region
//     (versioned) or leaves the region empty (replace).
//   - Duplicate staging rows collapse to one warehouse version per hash.
//
// Errors: *SyncError wrapping the underlying failure; the failed table is
// always named.
func (m *Migrator) Synchronize(ctx context.Context, stagingTable string) (Outcome, error) {
	start := time.Now()
	out := Outcome{Table: stagingTable}

	region, entity, err := schema.SplitStagingName(stagingTable)
	if err != nil {
		return out, &SyncError{Table: stagingTable, Err: err}
	}
	if !m.Policy.Valid() {
		return out, &SyncError{Table: stagingTable, Err: fmt.Errorf("unsupported sync policy %q", m.Policy)}
	}

	cols, err := m.Staging.ColumnTypes(ctx, stagingTable)
	if err != nil {
		return out, &SyncError{Table: stagingTable, Err: err}
	}
	if len(cols) == 0 {
		return out, &SyncError{Table: stagingTable, Err: errors.New("staging table has no columns")}
	}

	prov := &provision.Provisioner{Repo: m.Warehouse, Logger: m.Logger}
	if err := prov.EnsureWarehouseTable(ctx, schema.TableSchema{Name: entity, Columns: cols}, m.Policy); err != nil {
		return out, &SyncError{Table: stagingTable, Err: err}
	}

	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	rows, err := m.Staging.SelectRows(ctx, stagingTable, names)
	if err != nil {
		return out, &SyncError{Table: stagingTable, Err: err}
	}

	switch m.Policy {
	case schema.PolicyReplace:
		err = m.replace(ctx, &out, entity, region, names, rows)
	default:
		err = m.version(ctx, &out, entity, region, names, rows)
	}
	if err != nil {
		// The transaction rolled back; report no row movement.
		return Outcome{Table: stagingTable}, &SyncError{Table: stagingTable, Err: err}
	}

	m.logger()("stage=sync table=%s policy=%s inserted=%d deactivated=%d replaced=%d duration=%s",
		stagingTable, m.Policy, out.RowsInserted, out.RowsDeactivated, out.RowsReplaced, durMS(start))
	return out, nil
}

// version applies the append-versioned policy: staging rows whose hash has
// no active warehouse row gain a new active version, and active rows whose
// hash no longer appears in staging are closed. The grouping key is the
// hash alone, so the warehouse converges on one active row per distinct
// staging hash for the region.
//
// The change-detection read, the inserts and the deactivations all run in
// one warehouse transaction: a failure anywhere leaves the previous versions
// untouched, and no interim state with both the old and the new version
// active is ever visible.
func (m *Migrator) version(ctx context.Context, out *Outcome, entity, region string, names []string, rows [][]any) error {
	now := m.now()

	hashes := make([]string, len(rows))
	inStaging := make(map[string]bool, len(rows))
	for i, r := range rows {
		h := rowhash.Row(r)
		hashes[i] = h
		inStaging[h] = true
	}

	return m.Warehouse.WithTx(ctx, func(tx storage.Tx) error {
		active, err := tx.ActiveRowHashes(ctx, entity, region)
		if err != nil {
			return err
		}
		isActive := make(map[string]bool, len(active))
		for _, h := range active {
			isActive[h] = true
		}

		var inserts [][]any
		queued := make(map[string]bool)
		for i, r := range rows {
			h := hashes[i]
			if isActive[h] || queued[h] {
				continue
			}
			queued[h] = true

			wr := make([]any, 0, len(r)+5)
			wr = append(wr, r...)
			wr = append(wr, region, h, 1, now, nil)
			inserts = append(inserts, wr)
		}

		if len(inserts) > 0 {
			insertCols := make([]string, 0, len(names)+5)
			insertCols = append(insertCols, names...)
			insertCols = append(insertCols,
				schema.ColRegionCode, schema.ColRowHash, schema.ColIsActive,
				schema.ColValidFrom, schema.ColValidTo)

			n, err := tx.InsertRows(ctx, entity, insertCols, inserts)
			if err != nil {
				return err
			}
			out.RowsInserted = n
		}

		var stale []string
		for _, h := range active {
			if !inStaging[h] {
				stale = append(stale, h)
			}
		}
		if len(stale) > 0 {
			n, err := tx.DeactivateRows(ctx, entity, region, stale, now)
			if err != nil {
				return err
			}
			out.RowsDeactivated = n
		}
		return nil
	})
}

// replace applies the replace-all policy: the region's previous snapshot is
// deleted and the staging rows are reloaded with a fresh load timestamp. No
// history is retained.
//
// Delete and reload run in one warehouse transaction, so a failed reload
// keeps the previous snapshot instead of leaving the region empty.
func (m *Migrator) replace(ctx context.Context, out *Outcome, entity, region string, names []string, rows [][]any) error {
	now := m.now()

	return m.Warehouse.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.DeleteRegion(ctx, entity, region); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		insertCols := make([]string, 0, len(names)+2)
		insertCols = append(insertCols, names...)
		insertCols = append(insertCols, schema.ColRegionCode, schema.ColLoadDate)

		inserts := make([][]any, 0, len(rows))
		for _, r := range rows {
			wr := make([]any, 0, len(r)+2)
			wr = append(wr, r...)
			wr = append(wr, region, now)
			inserts = append(inserts, wr)
		}

		n, err := tx.InsertRows(ctx, entity, insertCols, inserts)
		if err != nil {
			return err
		}
		out.RowsReplaced = n
		return nil
	})
}

// RunAll synchronizes every staging table in listing order.
//
// The sequential default aborts on the first failure; the returned error
// names the failed table and the outcomes of already-completed tables are
// returned alongside it. With Workers > 1 tables run concurrently and all
// failures are collected instead.
func (m *Migrator) RunAll(ctx context.Context) ([]Outcome, error) {
	tables, err := m.Staging.ListTables(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("migrate: list staging tables: %w", err)
	}

	if m.Workers > 1 {
		return m.runParallel(ctx, tables)
	}

	var outs []Outcome
	for _, tbl := range tables {
		o, err := m.Synchronize(ctx, tbl)
		if err != nil {
			return outs, err
		}
		outs = append(outs, o)
	}
	return outs, nil
}

// runParallel fans tables out to a fixed worker pool. Each table remains a
// single unit of work; workers never share statements or transactions.
func (m *Migrator) runParallel(ctx context.Context, tables []string) ([]Outcome, error) {
	tableCh := make(chan string)

	var (
		mu   sync.Mutex
		outs []Outcome
		errs []error
	)

	var wg sync.WaitGroup
	wg.Add(m.Workers)
	for w := 0; w < m.Workers; w++ {
		go func() {
			defer wg.Done()
			for tbl := range tableCh {
				o, err := m.Synchronize(ctx, tbl)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					outs = append(outs, o)
				}
				mu.Unlock()
			}
		}()
	}

	for _, tbl := range tables {
		tableCh <- tbl
	}
	close(tableCh)
	wg.Wait()

	return outs, errors.Join(errs...)
}

func (m *Migrator) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Migrator) logger() func(format string, v ...any) {
	if m.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return m.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func durMS(start time.Time) time.Duration {
	return time.Since(start).Truncate(time.Millisecond)
}
