package catalog

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestStripVersion(t *testing.T) {
	cases := map[string]string{
		"GCF_000001.2": "GCF_000001",
		"GCF_000001":   "GCF_000001",
		"GCA_000002.1": "GCA_000002",
		"ERZ123456":    "ERZ123456",
	}
	for in, want := range cases {
		if got := StripVersion(in); got != want {
			t.Errorf("StripVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInsertEntrySucceeds(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(1, 1))

	e := &Entry{Source: "ncbi", Accession: "GCF_000001.1", SequenceHash: "abc"}
	inserted, reason, err := s.InsertEntry(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted || reason != ReasonNone {
		t.Fatalf("got inserted=%v reason=%q, want inserted=true reason=empty", inserted, reason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertEntryHashConflict(t *testing.T) {
	s, mock := newMockStore(t)
	dupErr := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	mock.ExpectExec("INSERT INTO entries").WillReturnError(dupErr)
	mock.ExpectQuery("SELECT 1 FROM entries WHERE sequence_hash").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	e := &Entry{Source: "ena", Accession: "GCA_000002.1", SequenceHash: "dup-hash"}
	inserted, reason, err := s.InsertEntry(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if inserted || reason != ReasonHashConflict {
		t.Fatalf("got inserted=%v reason=%q, want inserted=false reason=hash_conflict", inserted, reason)
	}
}

func TestInsertEntryAccessionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	dupErr := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	mock.ExpectExec("INSERT INTO entries").WillReturnError(dupErr)
	mock.ExpectQuery("SELECT 1 FROM entries WHERE sequence_hash").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM entries WHERE source = \\? AND accession = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	e := &Entry{Source: "ncbi", Accession: "GCF_000001.2", SequenceHash: "new-hash"}
	inserted, reason, err := s.InsertEntry(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if inserted || reason != ReasonAccessionConflict {
		t.Fatalf("got inserted=%v reason=%q, want inserted=false reason=accession_conflict", inserted, reason)
	}
}

func TestMigrateSwallowsDuplicateIndexError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS filtering_stats").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT source, accession, MIN\\(id\\)").
		WillReturnRows(sqlmock.NewRows([]string{"source", "accession", "keep_id"}))

	dupIndex := &mysql.MySQLError{Number: 1061, Message: "Duplicate key name"}
	mock.ExpectExec("CREATE UNIQUE INDEX uq_entries_sequence_hash").WillReturnError(dupIndex)
	mock.ExpectExec("CREATE UNIQUE INDEX uq_entries_source_accession").WillReturnResult(sqlmock.NewResult(0, 0))
	for _, name := range []string{"idx_entries_accession", "idx_entries_species", "idx_entries_kingdom", "idx_entries_origin", "idx_entries_source"} {
		mock.ExpectExec("CREATE INDEX " + name).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("migrate returned error for a swallowed duplicate-index code: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExistingAccessionsIncludesVersionStrippedForm(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT accession FROM entries WHERE source").
		WillReturnRows(sqlmock.NewRows([]string{"accession"}).AddRow("GCF_000001.2"))

	got, err := s.ExistingAccessions(context.Background(), "ncbi")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"GCF_000001.2", "GCF_000001"} {
		if _, ok := got[want]; !ok {
			t.Errorf("ExistingAccessions missing %q, got %v", want, got)
		}
	}
}
