package seqtoolkit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleFasta = ">NC_000001.1 Escherichia coli chromosome, complete genome\n" +
	"ACGTACGTNNNNACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGT\n" +
	"ACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGT\n"

func TestValidateRejectsSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tiny.fna", ">x\nACGT\n")
	if _, err := Validate(path); err == nil {
		t.Fatal("expected error for a file under the minimum size")
	}
}

func TestValidateAcceptsRealFasta(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "genome.fna", sampleFasta+strings.Repeat("N", 120)+"\n")
	usable, err := Validate(path)
	if err != nil {
		t.Fatal(err)
	}
	if usable != path {
		t.Errorf("Validate returned %q for an already-uncompressed file, want %q", usable, path)
	}
}

func TestParseSpeciesRejectsBracketedHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "env.fna", ">sample1 [uncultured bacterium] metagenome\nACGT\n")
	if _, err := ParseSpecies(path); err == nil {
		t.Fatal("expected bracketed description to be rejected")
	}
}

func TestParseSpeciesTruncatesAtChromosomeToken(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "genome.fna", sampleFasta)
	species, err := ParseSpecies(path)
	if err != nil {
		t.Fatal(err)
	}
	if species != "Escherichia coli" {
		t.Errorf("ParseSpecies = %q, want %q", species, "Escherichia coli")
	}
}

func TestCleanSpeciesRejectsSingleToken(t *testing.T) {
	if _, err := CleanSpecies("Escherichia"); err == nil {
		t.Fatal("expected single-token candidate to be rejected")
	}
}

func TestSequenceHashInvariantToOrderAndNBases(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.fna", ">r1\nACGTACGT\n>r2\nTTTTGGGG\n")
	b := writeFile(t, dir, "b.fna", ">r2\nTTTTGGGG\n>r1\nACGNTACGT\n")

	hashA, err := SequenceHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hashB, err := SequenceHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if hashA != hashB {
		t.Errorf("SequenceHash should be invariant to record order and N-bases: %q != %q", hashA, hashB)
	}
}

func TestSequenceHashDiffersOnRealSequenceChange(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.fna", ">r1\nACGTACGT\n")
	b := writeFile(t, dir, "b.fna", ">r1\nACGTTTTT\n")

	hashA, err := SequenceHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hashB, err := SequenceHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if hashA == hashB {
		t.Error("SequenceHash should differ for genuinely different sequences")
	}
}

func TestEnsureGzippedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "genome.fna", sampleFasta)

	gzPath, err := EnsureGzipped(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(gzPath, ".gz") {
		t.Fatalf("expected a .gz path, got %q", gzPath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("uncompressed original should have been removed")
	}

	// Calling again on the already-gzipped path should be a no-op.
	again, err := EnsureGzipped(gzPath)
	if err != nil {
		t.Fatal(err)
	}
	if again != gzPath {
		t.Errorf("EnsureGzipped on an already-gzipped path changed it: %q", again)
	}
}
