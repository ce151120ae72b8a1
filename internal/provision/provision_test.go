package provision

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"dwsync/internal/schema"
	"dwsync/internal/storage"
	"dwsync/internal/storage/sqlite"
)

func openTestRepo(t *testing.T) storage.Repository {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "provision_test.db")
	repo, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite repo: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func testSchema() schema.TableSchema {
	return schema.TableSchema{
		Name: "zvolen_vehicles",
		Columns: []schema.ColumnType{
			{Name: "id", Kind: schema.KindInteger},
			{Name: "name", Kind: schema.KindVariableString, Width: 30, Nullable: true},
		},
	}
}

func TestEnsureStagingTable_Idempotent(t *testing.T) {
	repo := openTestRepo(t)
	p := &Provisioner{Repo: repo, Hint: repo.HintRenderer()}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.EnsureStagingTable(ctx, testSchema()); err != nil {
			t.Fatalf("EnsureStagingTable run %d: %v", i+1, err)
		}
	}

	cols, err := repo.ColumnNames(ctx, "zvolen_vehicles")
	if err != nil {
		t.Fatalf("ColumnNames: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"id", "name"}) {
		t.Fatalf("columns = %v", cols)
	}
}

// TestEnsureStagingTable_ExistingSchemaKept pins the binary existence check:
// a pre-existing table with a different column set is left untouched.
func TestEnsureStagingTable_ExistingSchemaKept(t *testing.T) {
	repo := openTestRepo(t)
	p := &Provisioner{Repo: repo}
	ctx := context.Background()

	old := schema.TableSchema{
		Name:    "zvolen_vehicles",
		Columns: []schema.ColumnType{{Name: "legacy", Kind: schema.KindVariableString, Width: 10, Nullable: true}},
	}
	if err := p.EnsureStagingTable(ctx, old); err != nil {
		t.Fatalf("seed table: %v", err)
	}

	if err := p.EnsureStagingTable(ctx, testSchema()); err != nil {
		t.Fatalf("EnsureStagingTable: %v", err)
	}

	cols, err := repo.ColumnNames(ctx, "zvolen_vehicles")
	if err != nil {
		t.Fatalf("ColumnNames: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"legacy"}) {
		t.Fatalf("existing table was altered: %v", cols)
	}
}

func TestEnsureWarehouseTable_MetadataPerPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy schema.SyncPolicy
		want   []string
	}{
		{
			"versioned", schema.PolicyVersioned,
			[]string{"id", "name",
				schema.ColRegionCode, schema.ColRowHash,
				schema.ColIsActive, schema.ColValidFrom, schema.ColValidTo},
		},
		{
			"replace", schema.PolicyReplace,
			[]string{"id", "name", schema.ColRegionCode, schema.ColLoadDate},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			repo := openTestRepo(t)
			p := &Provisioner{Repo: repo}
			ctx := context.Background()

			ts := testSchema()
			ts.Name = "vehicles"
			if err := p.EnsureWarehouseTable(ctx, ts, tt.policy); err != nil {
				t.Fatalf("EnsureWarehouseTable: %v", err)
			}

			cols, err := repo.ColumnNames(ctx, "vehicles")
			if err != nil {
				t.Fatalf("ColumnNames: %v", err)
			}
			if !reflect.DeepEqual(cols, tt.want) {
				t.Fatalf("columns = %v, want %v", cols, tt.want)
			}
		})
	}
}

func TestEnsureWarehouseTable_InvalidPolicy(t *testing.T) {
	p := &Provisioner{Repo: openTestRepo(t)}

	err := p.EnsureWarehouseTable(context.Background(), testSchema(), "bogus")
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *SchemaError", err)
	}
	if se.Table != "zvolen_vehicles" {
		t.Fatalf("error table = %q", se.Table)
	}
}

// renderHint records whether the renderer was consulted.
type renderHint struct {
	called bool
	stmt   string
}

func (r *renderHint) RenderHint(table string) (string, bool) {
	r.called = true
	if r.stmt == "" {
		return "", false
	}
	return r.stmt, true
}

func TestEnsureStagingTable_HintDegradesSilently(t *testing.T) {
	repo := openTestRepo(t)
	rh := &renderHint{}
	p := &Provisioner{Repo: repo, Hint: rh}

	if err := p.EnsureStagingTable(context.Background(), testSchema()); err != nil {
		t.Fatalf("EnsureStagingTable: %v", err)
	}
	if !rh.called {
		t.Fatal("hint renderer was not consulted")
	}
}
