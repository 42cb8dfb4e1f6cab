// Package ncbi implements the RefSeq assembly-summary adapter: cached
// per-kingdom summary files, genome candidacy filtering, and FTP
// directory listing to locate and download the genomic FASTA.
package ncbi

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mandrake-bioworks/bioetl/internal/sources"
	"github.com/mandrake-bioworks/bioetl/internal/sources/httpfetch"
)

const summaryBaseURL = "https://ftp.ncbi.nlm.nih.gov/genomes/refseq"

// Zero-based indexes of the tab-separated assembly_summary.txt fields
// this adapter cares about, per NCBI's documented column order.
const (
	colAssemblyAccession = 0
	colAssemblyLevel     = 11
	colFtpPath           = 19
	colGenomeRep         = 13
	colOrganismName      = 7
)

// Candidate is one row of the assembly summary that cleared filtering.
type Candidate struct {
	Accession    string
	FTPPath      string
	OrganismName string
}

// Adapter implements sources.Adapter for NCBI RefSeq.
type Adapter struct {
	http              *httpfetch.Client
	log               *slog.Logger
	cacheDir          string
	workDir           string
	kingdoms          []string
	forceUpdate       bool
	requireFullGenome bool

	cache    *sources.AccessionCache
	metadata map[string]sources.Metadata

	candidates []Candidate
	cursor     int
}

// New constructs the NCBI adapter. existingAccessions seeds the
// in-memory cache consulted before any per-call catalog probe.
func New(httpClient *httpfetch.Client, log *slog.Logger, cacheDir, workDir string,
	kingdoms []string, forceUpdate, requireFullGenome bool, existingAccessions map[string]struct{}) *Adapter {
	return &Adapter{
		http:              httpClient,
		log:               log,
		cacheDir:          cacheDir,
		workDir:           workDir,
		kingdoms:          kingdoms,
		forceUpdate:       forceUpdate,
		requireFullGenome: requireFullGenome,
		cache:             sources.NewAccessionCache(existingAccessions),
		metadata:          make(map[string]sources.Metadata),
	}
}

// DownloadBatch returns up to maxN newly downloaded genome files, lazily
// loading and filtering the cached assembly summaries on first call.
func (a *Adapter) DownloadBatch(ctx context.Context, maxN int, seen *sources.SeenSet) ([]sources.LocalItem, error) {
	if a.candidates == nil {
		if err := a.loadCandidates(ctx); err != nil {
			return nil, fmt.Errorf("ncbi: load candidates: %w", err)
		}
	}

	var items []sources.LocalItem
	for len(items) < maxN && a.cursor < len(a.candidates) {
		cand := a.candidates[a.cursor]
		a.cursor++

		if a.cache.Contains(cand.Accession) || a.cache.Contains(stripVersion(cand.Accession)) {
			continue
		}
		if !seen.AddIfAbsent(cand.Accession) {
			continue
		}

		localPath, filename, err := a.downloadGenome(ctx, cand)
		if err != nil {
			a.log.Warn("ncbi: download failed", "accession", cand.Accession, "error", err)
			continue
		}

		a.cache.Add(cand.Accession)
		items = append(items, sources.LocalItem{Path: localPath, Accession: cand.Accession, Filename: filename})
	}
	return items, nil
}

// GetMetadata looks up metadata under either the full or version-stripped
// accession form.
func (a *Adapter) GetMetadata(accession string) (sources.Metadata, bool) {
	if m, ok := a.metadata[accession]; ok {
		return m, true
	}
	m, ok := a.metadata[stripVersion(accession)]
	return m, ok
}

func (a *Adapter) setMetadata(accession string, m sources.Metadata) {
	a.metadata[accession] = m
	a.metadata[stripVersion(accession)] = m
}

func (a *Adapter) loadCandidates(ctx context.Context) error {
	for _, kingdom := range a.kingdoms {
		path, err := a.ensureSummaryCached(ctx, kingdom)
		if err != nil {
			a.log.Warn("ncbi: summary fetch failed", "kingdom", kingdom, "error", err)
			continue
		}
		rows, err := parseSummary(path)
		if err != nil {
			a.log.Warn("ncbi: summary parse failed", "kingdom", kingdom, "error", err)
			continue
		}
		for _, row := range rows {
			if !a.qualifies(row) {
				continue
			}
			cand := Candidate{
				Accession:    row[colAssemblyAccession],
				FTPPath:      toHTTPS(row[colFtpPath]),
				OrganismName: row[colOrganismName],
			}
			a.setMetadata(cand.Accession, sources.Metadata{Kingdom: kingdom, Species: firstTwoTokens(cand.OrganismName)})
			a.candidates = append(a.candidates, cand)
		}
	}
	return nil
}

func (a *Adapter) qualifies(row []string) bool {
	if len(row) <= colFtpPath {
		return false
	}
	level := row[colAssemblyLevel]
	if level != "Complete Genome" && level != "Chromosome" {
		return false
	}
	if row[colFtpPath] == "na" {
		return false
	}
	if a.requireFullGenome && row[colGenomeRep] != "Full" {
		return false
	}
	return true
}

func (a *Adapter) ensureSummaryCached(ctx context.Context, kingdom string) (string, error) {
	if err := os.MkdirAll(a.cacheDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(a.cacheDir, fmt.Sprintf("assembly_summary_%s.txt", kingdom))
	if !a.forceUpdate {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	url := fmt.Sprintf("%s/%s/assembly_summary.txt", summaryBaseURL, kingdom)
	body, err := a.http.GetBytes(ctx, url)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func parseSummary(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows, sc.Err()
}

// downloadGenome lists the assembly's FTP/HTTPS directory, finds the
// "*_genomic.fna.gz" file, and downloads it into the adapter's workDir.
func (a *Adapter) downloadGenome(ctx context.Context, cand Candidate) (localPath, filename string, err error) {
	listing, err := a.http.GetBytes(ctx, cand.FTPPath+"/")
	if err != nil {
		return "", "", fmt.Errorf("list %s: %w", cand.FTPPath, err)
	}

	filename = findGenomicFile(string(listing), cand.Accession)
	if filename == "" {
		return "", "", fmt.Errorf("no genomic.fna.gz found under %s", cand.FTPPath)
	}

	itemDir := filepath.Join(a.workDir, uuid.NewString())
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return "", "", err
	}
	localPath = filepath.Join(itemDir, filename)

	body, err := a.http.GetBytes(ctx, cand.FTPPath+"/"+filename)
	if err != nil {
		return "", "", fmt.Errorf("download %s: %w", filename, err)
	}
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return "", "", err
	}
	return localPath, filename, nil
}

// findGenomicFile scans an HTML/plain directory listing for a hyperlink
// whose text matches "<accession>...genomic.fna.gz".
func findGenomicFile(listing, accession string) string {
	tokens := strings.FieldsFunc(listing, func(r rune) bool {
		return strings.ContainsRune(" \t\r\n\"'<>=", r)
	})
	for _, token := range tokens {
		if strings.HasPrefix(token, accession) && strings.HasSuffix(token, "genomic.fna.gz") {
			return token
		}
	}
	return ""
}

func toHTTPS(ftpPath string) string {
	return strings.Replace(ftpPath, "ftp://", "https://", 1)
}

func firstTwoTokens(s string) string {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return ""
	}
	return fields[0] + " " + fields[1]
}

func stripVersion(accession string) string {
	if i := strings.LastIndex(accession, "."); i != -1 {
		if _, err := strconv.Atoi(accession[i+1:]); err == nil {
			return accession[:i]
		}
	}
	return accession
}
