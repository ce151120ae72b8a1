// Package provision creates staging and warehouse tables from inferred
// schemas. Provisioning is idempotent: a table that already exists is left
// untouched, columns and all.
package provision

import (
	"context"
	"fmt"
	"log"
	"time"

	"dwsync/internal/schema"
	"dwsync/internal/storage"
)

// Logger is the minimal logging interface used by the provisioner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// SchemaError wraps a failure to provision a table.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("provision: table %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Provisioner ensures tables exist before loads and synchronization.
//
// The layout hint renderer is passed in explicitly by the caller (usually
// Repo.HintRenderer()); there is no global hint registration. A nil renderer
// means no hint is ever applied.
type Provisioner struct {
	Repo   storage.Repository
	Hint   storage.HintRenderer
	Logger Logger
}

// EnsureStagingTable creates the staging table for an inferred schema if it
// does not already exist. Staging tables carry the inferred columns only,
// plus the backend's layout hint when one renders.
//
// Edge cases:
//   - The existence check is binary: a table that exists with a drifted
//     column set is NOT reconciled. Reruns against a changed source schema
//     keep the old physical table.
func (p *Provisioner) EnsureStagingTable(ctx context.Context, t schema.TableSchema) error {
	return p.ensure(ctx, t, nil, true)
}

// EnsureWarehouseTable creates the warehouse table for an inferred schema if
// it does not already exist, appending the metadata columns for the given
// synchronization policy after the inferred ones.
func (p *Provisioner) EnsureWarehouseTable(ctx context.Context, t schema.TableSchema, policy schema.SyncPolicy) error {
	if !policy.Valid() {
		return &SchemaError{Table: t.Name, Err: fmt.Errorf("invalid sync policy %q", policy)}
	}
	// Warehouse tables serve point lookups during reconciliation; the
	// analytic layout hint is for staging scans only.
	return p.ensure(ctx, t, schema.MetadataColumns(policy), false)
}

func (p *Provisioner) ensure(ctx context.Context, t schema.TableSchema, meta []schema.ColumnType, withHint bool) error {
	if p.Repo == nil {
		return &SchemaError{Table: t.Name, Err: fmt.Errorf("repository is required")}
	}

	logf := p.logger()
	start := time.Now()

	exists, err := p.Repo.TableExists(ctx, t.Name)
	if err != nil {
		return &SchemaError{Table: t.Name, Err: err}
	}
	if exists {
		logf("stage=provision table=%s exists=true duration=%s", t.Name, durMS(start))
		return nil
	}

	var hint string
	if withHint && p.Hint != nil {
		if stmt, ok := p.Hint.RenderHint(t.Name); ok {
			hint = stmt
		}
	}

	if err := p.Repo.EnsureTable(ctx, t, meta, hint); err != nil {
		return &SchemaError{Table: t.Name, Err: err}
	}

	logf("stage=provision table=%s created=true columns=%d hint=%t duration=%s",
		t.Name, len(t.Columns)+len(meta), hint != "", durMS(start))
	return nil
}

func (p *Provisioner) logger() func(format string, v ...any) {
	if p.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return p.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
