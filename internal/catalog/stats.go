package catalog

import "context"

// SourceStats summarizes one source's contribution to the catalog.
type SourceStats struct {
	Source          string
	EntryCount      int64
	TotalBP         int64
	DistinctSpecies int64
}

// StatsBySource returns per-source entry counts, base-pair sums, and
// distinct species counts, for the dashboard's per-source table.
func (s *Store) StatsBySource(ctx context.Context) ([]SourceStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source,
       COUNT(*) AS entry_count,
       COALESCE(SUM(total_bp), 0) AS total_bp,
       COUNT(DISTINCT species) AS distinct_species
FROM entries
GROUP BY source
ORDER BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceStats
	for rows.Next() {
		var s SourceStats
		if err := rows.Scan(&s.Source, &s.EntryCount, &s.TotalBP, &s.DistinctSpecies); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// KingdomCount is one row of a kingdom rollup, restricted to genome-bearing
// sources (kingdom is null for metagenomes).
type KingdomCount struct {
	Kingdom string
	Count   int64
}

// CountsByKingdom rolls up entry counts by kingdom across genome sources.
func (s *Store) CountsByKingdom(ctx context.Context) ([]KingdomCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kingdom, COUNT(*) FROM entries
WHERE kingdom IS NOT NULL
GROUP BY kingdom
ORDER BY kingdom`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KingdomCount
	for rows.Next() {
		var k KingdomCount
		if err := rows.Scan(&k.Kingdom, &k.Count); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// OriginCount is one row of an origin rollup, restricted to metagenome
// sources (origin is null for genomes).
type OriginCount struct {
	Origin string
	Count  int64
}

// CountsByOrigin rolls up entry counts by environmental origin across
// metagenome sources.
func (s *Store) CountsByOrigin(ctx context.Context) ([]OriginCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT origin, COUNT(*) FROM entries
WHERE origin IS NOT NULL
GROUP BY origin
ORDER BY origin`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OriginCount
	for rows.Next() {
		var o OriginCount
		if err := rows.Scan(&o.Origin, &o.Count); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DedupStats summarizes the effect of the dual-uniqueness dedup strategy.
type DedupStats struct {
	TotalEntries     int64
	DistinctIdentity int64
	Duplicates       int64
}

// DedupStats computes count(*), count(distinct coalesce(sequence_hash,
// accession)), and their difference.
func (s *Store) DedupStats(ctx context.Context) (*DedupStats, error) {
	var d DedupStats
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COUNT(DISTINCT COALESCE(sequence_hash, accession))
FROM entries`).Scan(&d.TotalEntries, &d.DistinctIdentity)
	if err != nil {
		return nil, err
	}
	d.Duplicates = d.TotalEntries - d.DistinctIdentity
	return &d, nil
}

// FilteringTotals summarizes the contig filtering stats across all
// ingested metagenome items.
type FilteringTotals struct {
	Items          int64
	TotalContigs   int64
	ContigsKept    int64
	ContigsRemoved int64
}

// FilteringStats aggregates the append-only filtering_stats table.
func (s *Store) FilteringStats(ctx context.Context) (*FilteringTotals, error) {
	var t FilteringTotals
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(total_contigs), 0),
       COALESCE(SUM(contigs_kept), 0),
       COALESCE(SUM(contigs_removed), 0)
FROM filtering_stats`).Scan(&t.Items, &t.TotalContigs, &t.ContigsKept, &t.ContigsRemoved)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
