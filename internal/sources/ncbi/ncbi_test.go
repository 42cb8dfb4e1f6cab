package ncbi

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQualifiesFiltersByLevelPathAndGenomeRep(t *testing.T) {
	a := &Adapter{requireFullGenome: true}
	cases := []struct {
		name string
		row  []string
		want bool
	}{
		{"complete genome full", row("GCF_1", "Complete Genome", "Full", "ftp://x"), true},
		{"chromosome full", row("GCF_1", "Chromosome", "Full", "ftp://x"), true},
		{"scaffold rejected", row("GCF_1", "Scaffold", "Full", "ftp://x"), false},
		{"na path rejected", row("GCF_1", "Complete Genome", "Full", "na"), false},
		{"partial genome rejected when full required", row("GCF_1", "Complete Genome", "Partial", "ftp://x"), false},
	}
	for _, c := range cases {
		if got := a.qualifies(c.row); got != c.want {
			t.Errorf("%s: qualifies = %v, want %v", c.name, got, c.want)
		}
	}
}

func row(accession, level, genomeRep, ftpPath string) []string {
	r := make([]string, 20)
	r[colAssemblyAccession] = accession
	r[colAssemblyLevel] = level
	r[colGenomeRep] = genomeRep
	r[colFtpPath] = ftpPath
	r[colOrganismName] = "Escherichia coli str. K-12"
	return r
}

func TestParseSummarySkipsCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.txt")
	content := "# comment line\n\nGCF_000001.1\tfoo\tbar\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	rows, err := parseSummary(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 data row, got %d", len(rows))
	}
	if rows[0][0] != "GCF_000001.1" {
		t.Errorf("unexpected first column: %q", rows[0][0])
	}
}

func TestFindGenomicFileMatchesAccessionPrefix(t *testing.T) {
	listing := `<a href="GCF_000001.1_ASM584v2_genomic.fna.gz">link</a> <a href="GCF_000001.1_ASM584v2_assembly_report.txt">other</a>`
	got := findGenomicFile(listing, "GCF_000001.1")
	if got != "GCF_000001.1_ASM584v2_genomic.fna.gz" {
		t.Errorf("findGenomicFile = %q", got)
	}
}

func TestStripVersion(t *testing.T) {
	if got := stripVersion("GCF_000001.2"); got != "GCF_000001" {
		t.Errorf("stripVersion = %q, want GCF_000001", got)
	}
	if got := stripVersion("GCF_000001"); got != "GCF_000001" {
		t.Errorf("stripVersion on unversioned = %q, want unchanged", got)
	}
}

func TestFirstTwoTokens(t *testing.T) {
	if got := firstTwoTokens("Escherichia coli str. K-12"); got != "Escherichia coli" {
		t.Errorf("firstTwoTokens = %q", got)
	}
	if got := firstTwoTokens("Solo"); got != "" {
		t.Errorf("firstTwoTokens on single token = %q, want empty", got)
	}
}

func TestToHTTPS(t *testing.T) {
	if got := toHTTPS("ftp://ftp.ncbi.nlm.nih.gov/genomes/x"); got != "https://ftp.ncbi.nlm.nih.gov/genomes/x" {
		t.Errorf("toHTTPS = %q", got)
	}
}
