package load

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"dwsync/internal/schema"
	"dwsync/internal/storage"
	"dwsync/internal/storage/sqlite"
	"dwsync/internal/tabular"
)

func openTestRepo(t *testing.T) storage.Repository {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "load_test.db")
	repo, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite repo: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func ensureVehicles(t *testing.T, repo storage.Repository, nullable bool) {
	t.Helper()
	ts := schema.TableSchema{
		Name: "zvolen_vehicles",
		Columns: []schema.ColumnType{
			{Name: "id", Kind: schema.KindInteger},
			{Name: "name", Kind: schema.KindVariableString, Width: 30, Nullable: nullable},
		},
	}
	if err := repo.EnsureTable(context.Background(), ts, nil, ""); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
}

func TestLoad_BatchPath(t *testing.T) {
	repo := openTestRepo(t)
	ensureVehicles(t, repo, true)

	s := &tabular.Sample{
		Columns: []string{"id", "name"},
		Rows: [][]string{
			{"1", "skoda"},
			{"2", ""},
		},
	}

	l := &Loader{Repo: repo}
	n, err := l.Load(context.Background(), "zvolen_vehicles", s, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d rows, want 2", n)
	}

	rows, err := repo.SelectRows(context.Background(), "zvolen_vehicles", []string{"id", "name"})
	if err != nil {
		t.Fatalf("SelectRows: %v", err)
	}
	if rows[1][1] != nil {
		t.Fatalf("empty cell stored as %v, want NULL", rows[1][1])
	}
}

func TestLoad_BatchRollbackOnFailure(t *testing.T) {
	repo := openTestRepo(t)
	ensureVehicles(t, repo, false)

	s := &tabular.Sample{
		Columns: []string{"id", "name"},
		Rows: [][]string{
			{"1", "skoda"},
			{"2", ""}, // NULL into NOT NULL column
		},
	}

	l := &Loader{Repo: repo}
	_, err := l.Load(context.Background(), "zvolen_vehicles", s, "")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error type = %T, want *LoadError", err)
	}
	if le.Table != "zvolen_vehicles" || le.Strategy != "batch" {
		t.Fatalf("unexpected error detail: %+v", le)
	}

	rows, err := repo.SelectRows(context.Background(), "zvolen_vehicles", []string{"id"})
	if err != nil {
		t.Fatalf("SelectRows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected full rollback, found %d rows", len(rows))
	}
}

// strategyRepo records which load path was taken.
type strategyRepo struct {
	storage.Repository

	inserted  int
	bulkCalls int
	bulkErr   error
}

func (r *strategyRepo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	r.inserted += len(rows)
	return int64(len(rows)), nil
}

func (r *strategyRepo) BulkLoadFile(ctx context.Context, table string, path string, delimiter rune) (int64, error) {
	r.bulkCalls++
	if r.bulkErr != nil {
		return 0, r.bulkErr
	}
	return BulkLoadThreshold, nil
}

func (r *strategyRepo) SupportsBulkLoad() bool { return r.bulkErr == nil }

func wideSample(rows int) *tabular.Sample {
	row := []string{"1"}
	out := make([][]string, rows)
	for i := range out {
		out[i] = row
	}
	return &tabular.Sample{Columns: []string{"id"}, Rows: out}
}

// TestLoad_StrategyBoundary verifies the 1,000,000-row cutover: one row below
// stays on the batched path, the threshold itself takes the bulk path.
func TestLoad_StrategyBoundary(t *testing.T) {
	t.Parallel()

	below := &strategyRepo{}
	l := &Loader{Repo: below}
	if _, err := l.Load(context.Background(), "t", wideSample(BulkLoadThreshold-1), "/data/t.csv"); err != nil {
		t.Fatalf("Load below threshold: %v", err)
	}
	if below.bulkCalls != 0 || below.inserted != BulkLoadThreshold-1 {
		t.Fatalf("below threshold used bulk path (bulk=%d inserted=%d)", below.bulkCalls, below.inserted)
	}

	at := &strategyRepo{}
	l = &Loader{Repo: at}
	n, err := l.Load(context.Background(), "t", wideSample(BulkLoadThreshold), "/data/t.csv")
	if err != nil {
		t.Fatalf("Load at threshold: %v", err)
	}
	if at.bulkCalls != 1 || at.inserted != 0 {
		t.Fatalf("threshold load did not use bulk path (bulk=%d inserted=%d)", at.bulkCalls, at.inserted)
	}
	if n != BulkLoadThreshold {
		t.Fatalf("bulk load reported %d rows", n)
	}
}

// TestLoad_BulkUnsupportedFallsBack verifies the degrade path for backends
// without a bulk facility.
func TestLoad_BulkUnsupportedFallsBack(t *testing.T) {
	t.Parallel()

	r := &strategyRepo{bulkErr: storage.ErrBulkUnsupported}
	l := &Loader{Repo: r}

	n, err := l.Load(context.Background(), "t", wideSample(BulkLoadThreshold), "/data/t.csv")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.bulkCalls != 1 || r.inserted != BulkLoadThreshold {
		t.Fatalf("fallback not taken (bulk=%d inserted=%d)", r.bulkCalls, r.inserted)
	}
	if n != BulkLoadThreshold {
		t.Fatalf("loaded %d rows", n)
	}
}

// TestLoad_NoSourcePathStaysBatched: without a file path there is nothing for
// the server to read, so even huge samples stay on the batched path.
func TestLoad_NoSourcePathStaysBatched(t *testing.T) {
	t.Parallel()

	r := &strategyRepo{}
	l := &Loader{Repo: r}
	if _, err := l.Load(context.Background(), "t", wideSample(BulkLoadThreshold), ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.bulkCalls != 0 {
		t.Fatal("bulk path taken without a source file")
	}
}

func TestLoad_NilSample(t *testing.T) {
	t.Parallel()

	l := &Loader{Repo: &strategyRepo{}}
	_, err := l.Load(context.Background(), "t", nil, "")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error type = %T, want *LoadError", err)
	}
}
