// Package pipeline orchestrates an import run end to end: discover eligible
// files, parse them, infer staging schemas, provision and load staging
// tables, archive the consumed files, and finally reconcile staging into the
// warehouse.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"dwsync/internal/csvfile"
	"dwsync/internal/infer"
	"dwsync/internal/load"
	"dwsync/internal/metrics"
	"dwsync/internal/migrate"
	"dwsync/internal/provision"
	"dwsync/internal/schema"
	"dwsync/internal/storage"
)

// Logger is the minimal logging surface the pipeline needs.
type Logger interface {
	Printf(format string, v ...any)
}

// StageError reports which stage failed for which table or file. The
// orchestrating process uses it to exit non-zero with a precise message.
type StageError struct {
	Stage string // parse | infer | provision | load | archive | sync
	Table string
	File  string
	Err   error
}

func (e *StageError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Stage, e.Table, e.File, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Table, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline wires the import stages together over two stores.
//
// Staging receives raw file loads; Warehouse receives reconciled versions.
// Hint is the layout hint applied to fresh staging tables, normally the
// staging repository's own default.
type Pipeline struct {
	Staging   storage.Repository
	Warehouse storage.Repository
	Hint      storage.HintRenderer
	Policy    schema.SyncPolicy
	Logger    Logger

	// Delimiter and Encoding are handed to the file parser. Zero values mean
	// '|' and UTF-8.
	Delimiter rune
	Encoding  string

	// ArchiveDir receives consumed files. Empty disables archival.
	ArchiveDir string

	// Workers is forwarded to the migrator's run variant.
	Workers int
}

// FileResult summarizes one imported file.
type FileResult struct {
	File       csvfile.File
	RowsLoaded int64
}

// ImportDir imports every eligible file in dir in name order, aborting on
// the first failure. Results for already-imported files are returned
// alongside the error; their database commits stand.
func (p *Pipeline) ImportDir(ctx context.Context, dir string) ([]FileResult, error) {
	files, err := csvfile.List(dir)
	if err != nil {
		return nil, err
	}

	var results []FileResult
	for _, f := range files {
		r, err := p.ImportFile(ctx, f)
		if err != nil {
			metrics.IncCounter("sync_files_total", 1, metrics.Labels{"status": "error"})
			return results, err
		}
		metrics.IncCounter("sync_files_total", 1, metrics.Labels{"status": "ok"})
		results = append(results, r)
	}
	return results, nil
}

// ImportFile runs one file through parse, inference, staging provisioning
// and load, then archives it.
//
// The staging table is truncated before the load: a staging table always
// holds exactly the latest file's rows for its region. Archival runs after
// the database commit; an archival failure is returned but the committed
// load stands.
func (p *Pipeline) ImportFile(ctx context.Context, f csvfile.File) (FileResult, error) {
	res := FileResult{File: f}
	logf := p.logger()
	start := time.Now()

	fail := func(stage string, err error) (FileResult, error) {
		metrics.ObserveHistogram("sync_stage_duration_seconds", time.Since(start).Seconds(),
			metrics.Labels{"stage": stage, "status": "error"})
		return res, &StageError{Stage: stage, Table: f.Table, File: f.Path, Err: err}
	}

	sample, err := csvfile.Parse(f.Path, csvfile.Options{Delimiter: p.Delimiter, Encoding: p.Encoding})
	if err != nil {
		return fail("parse", err)
	}

	ts, err := infer.InferSchema(f.Table, sample)
	if err != nil {
		return fail("infer", err)
	}

	prov := &provision.Provisioner{Repo: p.Staging, Hint: p.Hint, Logger: p.Logger}
	if err := prov.EnsureStagingTable(ctx, ts); err != nil {
		return fail("provision", err)
	}
	if err := p.Staging.TruncateTable(ctx, f.Table); err != nil {
		return fail("provision", err)
	}

	loader := &load.Loader{Repo: p.Staging, Logger: p.Logger, Delimiter: p.Delimiter}
	n, err := loader.Load(ctx, f.Table, sample, f.Path)
	if err != nil {
		return fail("load", err)
	}
	res.RowsLoaded = n
	metrics.IncCounter("sync_rows_total", float64(n), metrics.Labels{"kind": "loaded"})
	metrics.ObserveHistogram("sync_stage_duration_seconds", time.Since(start).Seconds(),
		metrics.Labels{"stage": "import", "status": "ok"})

	if p.ArchiveDir != "" {
		if err := csvfile.Archive(f, p.ArchiveDir); err != nil {
			// The load is committed; only the file move failed.
			return res, &StageError{Stage: "archive", Table: f.Table, File: f.Path, Err: err}
		}
	}

	logf("stage=import table=%s file=%s rows=%d", f.Table, f.Path, n)
	return res, nil
}

// Sync reconciles every staging table into the warehouse under the
// configured policy.
func (p *Pipeline) Sync(ctx context.Context) ([]migrate.Outcome, error) {
	start := time.Now()

	m := &migrate.Migrator{
		Staging:   p.Staging,
		Warehouse: p.Warehouse,
		Policy:    p.Policy,
		Logger:    p.Logger,
		Workers:   p.Workers,
	}
	outs, err := m.RunAll(ctx)

	status := "ok"
	if err != nil {
		status = "error"
	}
	for _, o := range outs {
		metrics.IncCounter("sync_rows_total", float64(o.RowsInserted), metrics.Labels{"kind": "inserted"})
		metrics.IncCounter("sync_rows_total", float64(o.RowsDeactivated), metrics.Labels{"kind": "deactivated"})
		metrics.IncCounter("sync_rows_total", float64(o.RowsReplaced), metrics.Labels{"kind": "replaced"})
	}
	metrics.ObserveHistogram("sync_stage_duration_seconds", time.Since(start).Seconds(),
		metrics.Labels{"stage": "sync", "status": status})

	if err != nil {
		var se *migrate.SyncError
		if errors.As(err, &se) {
			return outs, &StageError{Stage: "sync", Table: se.Table, Err: err}
		}
		return outs, &StageError{Stage: "sync", Err: err}
	}
	return outs, nil
}

func (p *Pipeline) logger() func(format string, v ...any) {
	if p.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return p.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
