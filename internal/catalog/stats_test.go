package catalog

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestStatsBySourceScansEachRow(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"source", "entry_count", "total_bp", "distinct_species"}).
		AddRow("ncbi", int64(10), int64(500000), int64(4)).
		AddRow("ena", int64(3), int64(90000), int64(2))
	mock.ExpectQuery("SELECT source").WillReturnRows(rows)

	got, err := store.StatsBySource(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Source != "ncbi" || got[0].EntryCount != 10 {
		t.Errorf("unexpected first row: %+v", got[0])
	}
}

func TestDedupStatsComputesDuplicateCount(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"count", "distinct_identity"}).AddRow(int64(12), int64(9))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(rows)

	got, err := store.DedupStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalEntries != 12 || got.DistinctIdentity != 9 || got.Duplicates != 3 {
		t.Errorf("unexpected dedup stats: %+v", got)
	}
}

func TestFilteringStatsAggregatesTotals(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"items", "total", "kept", "removed"}).
		AddRow(int64(5), int64(1000), int64(700), int64(300))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(rows)

	got, err := store.FilteringStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Items != 5 || got.ContigsKept != 700 || got.ContigsRemoved != 300 {
		t.Errorf("unexpected filtering totals: %+v", got)
	}
}
