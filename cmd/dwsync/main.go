package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"dwsync/internal/metrics"
	"dwsync/internal/metrics/datadog"
	"dwsync/internal/pipeline"
	"dwsync/internal/schema"
	"dwsync/internal/storage"

	// register all backends with the storage factory.
	_ "dwsync/internal/storage/mssql"
	_ "dwsync/internal/storage/postgres"
	_ "dwsync/internal/storage/sqlite"

	// the mssql backend leaves "sqlserver" driver registration to the app.
	_ "github.com/microsoft/go-mssqldb"
)

// main is the entry point for the warehouse synchronization binary. It wires
// the two stores, optionally initializes a metrics backend, imports every
// eligible file from the watch directory, and reconciles staging into the
// warehouse.
func main() {
	var (
		path              string
		archiveDir        string
		kind              string
		stgDSN            string
		dwhDSN            string
		policyFlg         string
		encoding          string
		delimiter         string
		workers           int
		importOnly        bool
		syncOnly          bool
		metricsBackendFlg string
	)

	flag.StringVar(&path, "path", ".", "directory watched for eligible data files")
	flag.StringVar(&archiveDir, "archive", "", "archive directory for consumed files (empty disables archival)")
	flag.StringVar(&kind, "kind", "mssql", "storage backend kind (mssql, postgres, sqlite)")
	flag.StringVar(&stgDSN, "stg-dsn", "", "staging store DSN")
	flag.StringVar(&dwhDSN, "dwh-dsn", "", "warehouse store DSN")
	flag.StringVar(&policyFlg, "policy", "versioned", "synchronization policy (versioned, replace)")
	flag.StringVar(&encoding, "encoding", "", "source file encoding (utf-8, windows-1252, latin-1)")
	flag.StringVar(&delimiter, "delimiter", "|", "field delimiter")
	flag.IntVar(&workers, "workers", 1, "parallel sync workers (1 = sequential)")
	flag.BoolVar(&importOnly, "import-only", false, "import files without reconciling")
	flag.BoolVar(&syncOnly, "sync-only", false, "reconcile without importing files")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (datadog, none)")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	policy := schema.SyncPolicy(policyFlg)
	if !policy.Valid() {
		fatalf("unknown policy %q (want versioned or replace)", policyFlg)
	}
	if stgDSN == "" || dwhDSN == "" {
		fatalf("both -stg-dsn and -dwh-dsn are required")
	}
	delim, err := parseDelimiter(delimiter)
	if err != nil {
		fatalf("%v", err)
	}

	// Decide metrics backend: flag → env → default off.
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "datadog":
		// Datadog backend: buffers metrics, submits periodically (default
		// once per minute) and one final time at shutdown (Close()).
		extraTags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))

		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: "dwsync",
			Tags:    extraTags,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=%v tags=%v", backendName, extraTags)
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}

	case "", "none":
		// metrics disabled; nop backend remains
		if *verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	ctx := context.Background()
	start := time.Now()

	stg, err := storage.Open(ctx, storage.Config{Kind: kind, DSN: stgDSN})
	if err != nil {
		fatalf("connect staging: %v", err)
	}
	defer stg.Close()

	dwh, err := storage.Open(ctx, storage.Config{Kind: kind, DSN: dwhDSN})
	if err != nil {
		fatalf("connect warehouse: %v", err)
	}
	defer dwh.Close()

	p := &pipeline.Pipeline{
		Staging:    stg,
		Warehouse:  dwh,
		Hint:       stg.HintRenderer(),
		Policy:     policy,
		Logger:     log.Default(),
		Delimiter:  delim,
		Encoding:   encoding,
		ArchiveDir: archiveDir,
		Workers:    workers,
	}

	if !syncOnly {
		results, err := p.ImportDir(ctx, path)
		if err != nil {
			reportStageError(err)
		}
		if *verbose {
			for _, r := range results {
				log.Printf("imported table=%s rows=%d file=%s", r.File.Table, r.RowsLoaded, r.File.Path)
			}
		}
	}

	if !importOnly {
		outs, err := p.Sync(ctx)
		if err != nil {
			reportStageError(err)
		}
		if *verbose {
			for _, o := range outs {
				log.Printf("synchronized table=%s inserted=%d deactivated=%d replaced=%d",
					o.Table, o.RowsInserted, o.RowsDeactivated, o.RowsReplaced)
			}
		}
	}

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
}

// reportStageError prints the failed stage and table/file, then exits
// non-zero.
func reportStageError(err error) {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		fatalf("stage=%s table=%s file=%s: %v", se.Stage, se.Table, se.File, se.Err)
	}
	fatalf("%v", err)
}

func parseDelimiter(s string) (rune, error) {
	r := []rune(s)
	if len(r) != 1 {
		return 0, fmt.Errorf("delimiter must be a single character, got %q", s)
	}
	return r[0], nil
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
