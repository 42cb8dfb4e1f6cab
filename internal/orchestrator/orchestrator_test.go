package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mandrake-bioworks/bioetl/internal/sources"
)

const sampleFasta = `>contig1 short
ACGTACGTAC
>contig2 long enough
ACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGT
>contig3 also long enough
TTTTAAAACCCCGGGGTTTTAAAACCCCGGGGTTTTAAAACCCCGGGGTTTT
`

func writeFastaFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "input.fna")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFilterContigsDropsShortContigsAndTracksCounts(t *testing.T) {
	path := writeFastaFile(t, sampleFasta)

	outPath, stat, err := filterContigs(path, 30)
	if err != nil {
		t.Fatal(err)
	}
	if stat.TotalContigs != 3 {
		t.Errorf("TotalContigs = %d, want 3", stat.TotalContigs)
	}
	if stat.ContigsKept != 2 {
		t.Errorf("ContigsKept = %d, want 2", stat.ContigsKept)
	}
	if stat.ContigsRemoved != 1 {
		t.Errorf("ContigsRemoved = %d, want 1", stat.ContigsRemoved)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "contig1") {
		t.Error("filtered output still contains the short contig")
	}
	if !strings.Contains(string(data), "contig2") || !strings.Contains(string(data), "contig3") {
		t.Error("filtered output missing a kept contig")
	}
}

func TestFilterContigsAllBelowThresholdYieldsZeroKept(t *testing.T) {
	path := writeFastaFile(t, sampleFasta)

	_, stat, err := filterContigs(path, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if stat.ContigsKept != 0 {
		t.Errorf("ContigsKept = %d, want 0", stat.ContigsKept)
	}
	if stat.ContigsRemoved != 3 {
		t.Errorf("ContigsRemoved = %d, want 3", stat.ContigsRemoved)
	}
}

func TestResolveKingdomDefaultsToBacteria(t *testing.T) {
	if got := resolveKingdom(sources.Metadata{}); got != "bacteria" {
		t.Errorf("resolveKingdom(empty) = %q, want bacteria", got)
	}
	if got := resolveKingdom(sources.Metadata{Kingdom: "archaea"}); got != "archaea" {
		t.Errorf("resolveKingdom(archaea) = %q, want archaea", got)
	}
}

func TestResolveSpeciesPrefersCleanMetadataOverHeaderParse(t *testing.T) {
	path := writeFastaFile(t, ">NC_000001.1 Escherichia coli strain K-12, complete genome\nACGT\n")

	got := resolveSpecies(sources.Metadata{Species: "Homo sapiens"}, path)
	if got != "Homo sapiens" {
		t.Errorf("resolveSpecies with clean metadata = %q, want Homo sapiens", got)
	}
}

func TestResolveSpeciesFallsBackToHeaderParseWhenMetadataEmpty(t *testing.T) {
	path := writeFastaFile(t, ">NC_000001.1 Escherichia coli strain K-12, complete genome\nACGT\n")

	got := resolveSpecies(sources.Metadata{}, path)
	if got != "Escherichia coli" {
		t.Errorf("resolveSpecies fallback = %q, want Escherichia coli", got)
	}
}
