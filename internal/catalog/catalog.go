// Package catalog implements the durable entry registry: schema
// migration, the dual-uniqueness insert contract, and the dedup/lookup
// sets the orchestrator and source adapters consult at startup.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Reason classifies why InsertEntry did not insert a row.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonHashConflict      Reason = "hash_conflict"
	ReasonAccessionConflict Reason = "accession_conflict"
	ReasonConflict          Reason = "conflict"
)

// Entry is a catalog row as described in spec.md §3.
type Entry struct {
	ID                int64
	Source            string
	Accession         string
	ObjectURIGenome   string
	ObjectURIProteins string
	SequenceHash      string // empty means NULL
	TotalBP           int64
	Species           string // empty means NULL
	Kingdom           string // empty means NULL; genomes only
	Origin            string // empty means NULL; metagenomes only
	Status            string
	CreatedAt         time.Time
}

// FilteringStat is an append-only per-item contig filtering outcome.
type FilteringStat struct {
	Source         string
	Accession      string
	TotalContigs   int
	ContigsKept    int
	ContigsRemoved int
	CreatedAt      time.Time
}

// Store wraps the relational catalog database.
type Store struct {
	db *sql.DB
}

// Open opens the catalog at connectionString, sizes the connection pool,
// and runs schema migration. maxConns should already satisfy the
// workers+2 floor (see config.Load).
func Open(connectionString string, maxConns int) (*Store, error) {
	db, err := sql.Open("mysql", connectionString)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying pool for the background stats reader.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// migrate creates the schema additively: tables if missing, then a
// one-time legacy-duplicate cleanup, then the unique indexes, then the
// non-unique lookup indexes. Every statement is idempotent so this is
// safe to run on every startup (autocommit, no migration transaction).
func (s *Store) migrate(ctx context.Context) error {
	const createEntries = `
CREATE TABLE IF NOT EXISTS entries (
	id                  BIGINT AUTO_INCREMENT PRIMARY KEY,
	source              VARCHAR(16) NOT NULL,
	accession           VARCHAR(64) NOT NULL,
	object_uri_genome   VARCHAR(1024),
	object_uri_proteins VARCHAR(1024),
	sequence_hash       CHAR(64),
	total_bp            BIGINT NOT NULL DEFAULT 0,
	species             VARCHAR(255),
	kingdom             VARCHAR(32),
	origin              VARCHAR(32),
	status              VARCHAR(16) NOT NULL DEFAULT 'uploaded',
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
	const createFilteringStats = `
CREATE TABLE IF NOT EXISTS filtering_stats (
	id              BIGINT AUTO_INCREMENT PRIMARY KEY,
	source          VARCHAR(16) NOT NULL,
	accession       VARCHAR(64) NOT NULL,
	total_contigs   INT NOT NULL,
	contigs_kept    INT NOT NULL,
	contigs_removed INT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
	if _, err := s.db.ExecContext(ctx, createEntries); err != nil {
		return fmt.Errorf("create entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createFilteringStats); err != nil {
		return fmt.Errorf("create filtering_stats: %w", err)
	}

	if err := s.dedupeLegacyAccessions(ctx); err != nil {
		return fmt.Errorf("dedupe legacy accessions: %w", err)
	}

	for _, stmt := range []string{
		addUniqueIndexIfMissing("entries", "uq_entries_sequence_hash", "sequence_hash"),
		addUniqueIndexIfMissing("entries", "uq_entries_source_accession", "source, accession"),
		addIndexIfMissing("entries", "idx_entries_accession", "accession"),
		addIndexIfMissing("entries", "idx_entries_species", "species"),
		addIndexIfMissing("entries", "idx_entries_kingdom", "kingdom"),
		addIndexIfMissing("entries", "idx_entries_origin", "origin"),
		addIndexIfMissing("entries", "idx_entries_source", "source"),
	} {
		if err := s.execIdempotentIndex(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// dedupeLegacyAccessions keeps only the lowest-primary-key row per
// (source, accession) group before the unique index is created. This is
// a one-time migration branch; it is a no-op once the index exists
// because the group-by query will never find duplicates again.
func (s *Store) dedupeLegacyAccessions(ctx context.Context) error {
	const findDupes = `
SELECT source, accession, MIN(id) AS keep_id
FROM entries
GROUP BY source, accession
HAVING COUNT(*) > 1`
	rows, err := s.db.QueryContext(ctx, findDupes)
	if err != nil {
		return err
	}
	type group struct {
		source, accession string
		keepID            int64
	}
	var groups []group
	for rows.Next() {
		var g group
		if err := rows.Scan(&g.source, &g.accession, &g.keepID); err != nil {
			rows.Close()
			return err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, g := range groups {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM entries WHERE source = ? AND accession = ? AND id <> ?`,
			g.source, g.accession, g.keepID); err != nil {
			return err
		}
	}
	return nil
}

func addUniqueIndexIfMissing(table, name, cols string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)", name, table, cols)
}

func addIndexIfMissing(table, name, cols string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, cols)
}

// execIdempotentIndex runs a CREATE INDEX statement, swallowing the
// MySQL "duplicate key name" error (1061) so repeated calls are safe —
// MySQL has no native CREATE INDEX IF NOT EXISTS.
func (s *Store) execIdempotentIndex(ctx context.Context, stmt string) error {
	_, err := s.db.ExecContext(ctx, stmt)
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1061 {
		return nil
	}
	return err
}

// InsertEntry atomically inserts a new catalog row. On a uniqueness
// conflict it never returns an error for the conflict itself: it returns
// inserted=false and a Reason determined by probing the two unique
// indexes in order (hash first, then accession).
func (s *Store) InsertEntry(ctx context.Context, e *Entry) (inserted bool, reason Reason, err error) {
	const insert = `
INSERT INTO entries
	(source, accession, object_uri_genome, object_uri_proteins,
	 sequence_hash, total_bp, species, kingdom, origin, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, execErr := s.db.ExecContext(ctx, insert,
		e.Source, e.Accession,
		nullableString(e.ObjectURIGenome), nullableString(e.ObjectURIProteins),
		nullableString(e.SequenceHash), e.TotalBP,
		nullableString(e.Species), nullableString(e.Kingdom), nullableString(e.Origin),
		orDefault(e.Status, "uploaded"),
	)
	if execErr == nil {
		return true, ReasonNone, nil
	}

	var me *mysql.MySQLError
	if !errors.As(execErr, &me) || me.Number != 1062 {
		return false, ReasonNone, fmt.Errorf("insert entry: %w", execErr)
	}

	reason, probeErr := s.probeConflictReason(ctx, e)
	if probeErr != nil {
		return false, ReasonNone, fmt.Errorf("probe conflict reason: %w", probeErr)
	}
	return false, reason, nil
}

// probeConflictReason distinguishes which unique index rejected the
// insert by querying each in turn: sequence_hash first, then
// (source, accession).
func (s *Store) probeConflictReason(ctx context.Context, e *Entry) (Reason, error) {
	if e.SequenceHash != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM entries WHERE sequence_hash = ? LIMIT 1`, e.SequenceHash,
		).Scan(new(int))
		if err == nil {
			exists = true
		} else if !errors.Is(err, sql.ErrNoRows) {
			return ReasonNone, err
		}
		if exists {
			return ReasonHashConflict, nil
		}
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM entries WHERE source = ? AND accession = ? LIMIT 1`,
		e.Source, e.Accession,
	).Scan(new(int))
	if err == nil {
		exists = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return ReasonNone, err
	}
	if exists {
		return ReasonAccessionConflict, nil
	}

	return ReasonConflict, nil
}

// EntryExists reports whether any row has this accession, ignoring source.
func (s *Store) EntryExists(ctx context.Context, accession string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE accession = ?`, accession).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertFilteringStat appends a per-item contig filtering record.
func (s *Store) InsertFilteringStat(ctx context.Context, fs *FilteringStat) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO filtering_stats (source, accession, total_contigs, contigs_kept, contigs_removed)
VALUES (?, ?, ?, ?, ?)`,
		fs.Source, fs.Accession, fs.TotalContigs, fs.ContigsKept, fs.ContigsRemoved)
	return err
}

// ExistingHashes returns every non-null sequence_hash value, for
// materializing the process-scoped KnownHashes set at startup.
func (s *Store) ExistingHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence_hash FROM entries WHERE sequence_hash IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = struct{}{}
	}
	return out, rows.Err()
}

// ExistingAccessions returns every accession previously ingested for
// source, in both full and version-stripped root form, for adapter
// startup per §4.6 "Common policy".
func (s *Store) ExistingAccessions(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT accession FROM entries WHERE source = ?`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			return nil, err
		}
		out[acc] = struct{}{}
		out[StripVersion(acc)] = struct{}{}
	}
	return out, rows.Err()
}

// StripVersion removes a trailing ".N" version suffix from an accession,
// e.g. "GCF_000001.2" -> "GCF_000001".
func StripVersion(accession string) string {
	for i := len(accession) - 1; i >= 0; i-- {
		if accession[i] == '.' {
			return accession[:i]
		}
		if accession[i] < '0' || accession[i] > '9' {
			return accession
		}
	}
	return accession
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
