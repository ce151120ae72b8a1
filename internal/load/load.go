// Package load moves parsed samples into staging tables, picking the load
// strategy by row volume: parameterized batch inserts for ordinary files,
// server-assisted bulk file loads for very large ones.
package load

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"dwsync/internal/storage"
	"dwsync/internal/tabular"
)

const (
	// BulkLoadThreshold is the row count at which the loader switches from
	// batched inserts to the backend's bulk file facility.
	BulkLoadThreshold = 1_000_000

	// InsertBatchSize is the row cap per INSERT statement on the batched
	// path. Enforced by the storage layer inside a single transaction.
	InsertBatchSize = storage.InsertBatchSize
)

// Logger is the minimal logging interface used by the loader.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// LoadError wraps a failure to load a table's rows.
type LoadError struct {
	Table    string
	Strategy string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load: table %s (%s): %v", e.Table, e.Strategy, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader writes samples into staging tables.
type Loader struct {
	Repo   storage.Repository
	Logger Logger

	// Delimiter is the field separator of the source file, used by the bulk
	// path. Zero value means '|'.
	Delimiter rune
}

// Load inserts the sample's rows into the named staging table.
//
// Strategy:
//   - Below BulkLoadThreshold rows, a single transaction of batched inserts;
//     a failure anywhere rolls back the whole load.
//   - At or above the threshold, the backend loads sourcePath server-side
//     (BULK INSERT, COPY). Backends without a bulk facility fall back to the
//     batched path.
//
// Empty cells are stored as NULL.
func (l *Loader) Load(ctx context.Context, table string, s *tabular.Sample, sourcePath string) (int64, error) {
	if l.Repo == nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("repository is required")}
	}
	if s == nil {
		return 0, &LoadError{Table: table, Err: fmt.Errorf("sample is nil")}
	}

	if s.RowCount() >= BulkLoadThreshold && sourcePath != "" {
		n, err := l.bulkLoad(ctx, table, sourcePath)
		if err == nil || !errors.Is(err, storage.ErrBulkUnsupported) {
			return n, err
		}
		// fall through to the batched path
	}

	return l.batchLoad(ctx, table, s)
}

func (l *Loader) batchLoad(ctx context.Context, table string, s *tabular.Sample) (int64, error) {
	logf := l.logger()
	start := time.Now()

	rows := make([][]any, len(s.Rows))
	for i, r := range s.Rows {
		vals := make([]any, len(r))
		for j, cell := range r {
			if tabular.IsNull(cell) {
				vals[j] = nil
			} else {
				vals[j] = cell
			}
		}
		rows[i] = vals
	}

	n, err := l.Repo.InsertRows(ctx, table, s.Columns, rows)
	if err != nil {
		return 0, &LoadError{Table: table, Strategy: "batch", Err: err}
	}

	logf("stage=load strategy=batch table=%s rows=%d duration=%s", table, n, durMS(start))
	return n, nil
}

func (l *Loader) bulkLoad(ctx context.Context, table string, sourcePath string) (int64, error) {
	logf := l.logger()
	start := time.Now()

	delim := l.Delimiter
	if delim == 0 {
		delim = '|'
	}

	n, err := l.Repo.BulkLoadFile(ctx, table, sourcePath, delim)
	if err != nil {
		if errors.Is(err, storage.ErrBulkUnsupported) {
			return 0, err
		}
		return 0, &LoadError{Table: table, Strategy: "bulk", Err: err}
	}

	logf("stage=load strategy=bulk table=%s rows=%d file=%s duration=%s",
		table, n, sourcePath, durMS(start))
	return n, nil
}

func (l *Loader) logger() func(format string, v ...any) {
	if l.Logger == nil {
		lg := log.New(discardWriter{}, "", 0)
		return lg.Printf
	}
	return l.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
