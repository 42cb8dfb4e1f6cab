package objectstore

import "testing"

func TestKeyTemplates(t *testing.T) {
	c := &Client{bucket: "bio-bucket", finalPrefix: "genomes", proteinsPrefix: "proteins"}

	gotGenome := c.GenomeKey("ncbi", "GCF_000001.1", "GCF_000001.1_genomic.fna.gz")
	wantGenome := "genomes/ncbi/genomes/GCF_000001.1/GCF_000001.1_genomic.fna.gz"
	if gotGenome != wantGenome {
		t.Errorf("GenomeKey = %q, want %q", gotGenome, wantGenome)
	}

	gotProteins := c.ProteinsKey("ncbi", "GCF_000001.1", "GCF_000001.1_proteins.faa.gz")
	wantProteins := "proteins/ncbi/GCF_000001.1/GCF_000001.1_proteins.faa.gz"
	if gotProteins != wantProteins {
		t.Errorf("ProteinsKey = %q, want %q", gotProteins, wantProteins)
	}

	gotURI := c.URI(wantGenome)
	wantURI := "s3://bio-bucket/" + wantGenome
	if gotURI != wantURI {
		t.Errorf("URI = %q, want %q", gotURI, wantURI)
	}
}

func TestFilenameStem(t *testing.T) {
	cases := map[string]string{
		"GCF_000001.1_genomic.fna.gz": "GCF_000001.1_genomic",
		"ERZ123456.fasta.gz":          "ERZ123456",
		"sample.fna":                  "sample",
		"weird.txt":                   "weird",
	}
	for in, want := range cases {
		if got := FilenameStem(in); got != want {
			t.Errorf("FilenameStem(%q) = %q, want %q", in, got, want)
		}
	}
}
