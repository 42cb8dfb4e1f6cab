// Package ena implements the ENA adapter: a cached TSV catalog of
// prokaryotic whole-genome assemblies, regex-derived metadata, optional
// portal-API enrichment, and a three-endpoint FASTA download fallback.
package ena

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mandrake-bioworks/bioetl/internal/sources"
	"github.com/mandrake-bioworks/bioetl/internal/sources/httpfetch"
)

const (
	catalogTSVURL    = "https://www.ebi.ac.uk/ena/portal/api/search?result=assembly&query=assembly_level%3D%22complete%22&format=tsv&fields=accession,description"
	portalSearchURL  = "https://www.ebi.ac.uk/ena/portal/api/search"
	catalogFetchWait = 120 * time.Second
	enrichMaxTotal   = 1000
	enrichBatchSize  = 50
	downloadBackoff  = 2 * time.Second
	minDownloadBytes = 1024
)

// fastaEndpoints are tried in order for each accession.
var fastaEndpoints = []string{
	"https://www.ebi.ac.uk/ena/browser/api/fasta/%s",
	"https://www.ebi.ac.uk/ena/data/view/%s&display=fasta",
	"https://rest.ensembl.org/sequence/id/%s?content-type=text/x-fasta",
}

var descriptionPattern = regexp.MustCompile(`(?i:assembly for) ([A-Z][a-z]+ [a-z]+)`)

var archaealGenera = map[string]bool{
	"Methanobrevibacter": true, "Methanosarcina": true, "Haloferax": true,
	"Sulfolobus": true, "Pyrococcus": true, "Thermococcus": true, "Halobacterium": true,
}

// Adapter implements sources.Adapter for ENA.
type Adapter struct {
	http        *httpfetch.Client
	log         *slog.Logger
	cacheDir    string
	workDir     string
	maxRetries  int
	enrichment  bool
	enrichTried bool

	cache    *sources.AccessionCache
	metadata map[string]sources.Metadata

	rows      []catalogRow
	cursor    int
	exhausted bool
}

type catalogRow struct {
	Accession   string
	Description string
}

// New constructs the ENA adapter.
func New(httpClient *httpfetch.Client, log *slog.Logger, cacheDir, workDir string,
	maxRetries int, existingAccessions map[string]struct{}) *Adapter {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Adapter{
		http:       httpClient,
		log:        log,
		cacheDir:   cacheDir,
		workDir:    workDir,
		maxRetries: maxRetries,
		enrichment: true,
		cache:      sources.NewAccessionCache(existingAccessions),
		metadata:   make(map[string]sources.Metadata),
	}
}

// SearchExhausted reports cursor exhaustion for the "ena" source key.
func (a *Adapter) SearchExhausted() map[string]bool {
	return map[string]bool{"ena": a.exhausted}
}

// DownloadBatch returns up to maxN newly downloaded assemblies, advancing
// the adapter's stateful row cursor across calls within a run.
func (a *Adapter) DownloadBatch(ctx context.Context, maxN int, seen *sources.SeenSet) ([]sources.LocalItem, error) {
	if a.rows == nil {
		if err := a.loadCatalog(ctx); err != nil {
			return nil, fmt.Errorf("ena: load catalog: %w", err)
		}
		a.maybeEnrich(ctx)
	}

	var items []sources.LocalItem
	for len(items) < maxN && a.cursor < len(a.rows) {
		row := a.rows[a.cursor]
		a.cursor++

		if a.cache.Contains(row.Accession) {
			continue
		}
		if !seen.AddIfAbsent(row.Accession) {
			continue
		}

		localPath, filename, err := a.downloadAssembly(ctx, row.Accession)
		if err != nil {
			a.log.Warn("ena: download failed", "accession", row.Accession, "error", err)
			continue
		}

		if _, ok := a.metadata[row.Accession]; !ok {
			a.metadata[row.Accession] = deriveMetadata(row.Description)
		}
		a.cache.Add(row.Accession)
		items = append(items, sources.LocalItem{Path: localPath, Accession: row.Accession, Filename: filename})
	}
	if a.cursor >= len(a.rows) {
		a.exhausted = true
	}
	return items, nil
}

// GetMetadata returns the cached, regex-or-portal-derived metadata.
func (a *Adapter) GetMetadata(accession string) (sources.Metadata, bool) {
	m, ok := a.metadata[accession]
	return m, ok
}

func (a *Adapter) loadCatalog(ctx context.Context) error {
	if err := os.MkdirAll(a.cacheDir, 0o755); err != nil {
		return err
	}
	tsvPath := filepath.Join(a.cacheDir, "ena_catalog.tsv")

	if _, err := os.Stat(tsvPath); err != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, catalogFetchWait)
		defer cancel()
		body, err := a.http.GetBytes(fetchCtx, catalogTSVURL)
		if err != nil {
			return fmt.Errorf("fetch catalog: %w", err)
		}
		if err := os.WriteFile(tsvPath, body, 0o644); err != nil {
			return err
		}
	}

	a.loadMetadataCache(tsvPath + ".meta.json")

	f, err := os.Open(tsvPath)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			continue // header row
		}
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		row := catalogRow{Accession: fields[0]}
		if len(fields) > 1 {
			row.Description = fields[1]
		}
		a.rows = append(a.rows, row)
	}
	return sc.Err()
}

func (a *Adapter) loadMetadataCache(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cached map[string]sources.Metadata
	if err := json.Unmarshal(data, &cached); err == nil {
		a.metadata = cached
	}
}

func (a *Adapter) saveMetadataCache(path string) {
	data, err := json.Marshal(a.metadata)
	if err != nil {
		return
	}
	os.WriteFile(path, data, 0o644)
}

// deriveMetadata extracts "Genus species" from the description via
// regex and infers kingdom from virus keywords and a fixed archaeal
// genus list.
func deriveMetadata(description string) sources.Metadata {
	m := sources.Metadata{Kingdom: "bacteria"}
	if match := descriptionPattern.FindStringSubmatch(description); match != nil {
		m.Species = match[1]
		genus := strings.Fields(match[1])[0]
		if archaealGenera[genus] {
			m.Kingdom = "archaea"
		}
	}
	lower := strings.ToLower(description)
	if strings.Contains(lower, "virus") || strings.Contains(lower, "phage") || strings.Contains(lower, "viroid") {
		m.Kingdom = "viral"
	}
	return m
}

// maybeEnrich queries the portal API to overwrite metadata for up to
// enrichMaxTotal accessions in batches of enrichBatchSize. If the first
// probe fails, enrichment is disabled for the rest of the run.
func (a *Adapter) maybeEnrich(ctx context.Context) {
	if !a.enrichment || a.enrichTried {
		return
	}
	a.enrichTried = true

	limit := len(a.rows)
	if limit > enrichMaxTotal {
		limit = enrichMaxTotal
	}
	for start := 0; start < limit; start += enrichBatchSize {
		end := start + enrichBatchSize
		if end > limit {
			end = limit
		}
		batch := a.rows[start:end]
		if err := a.enrichBatch(ctx, batch); err != nil {
			a.log.Warn("ena: portal enrichment disabled after failed probe", "error", err)
			a.enrichment = false
			return
		}
	}
	a.saveMetadataCache(filepath.Join(a.cacheDir, "ena_catalog.tsv.meta.json"))
}

func (a *Adapter) enrichBatch(ctx context.Context, batch []catalogRow) error {
	accessions := make([]string, len(batch))
	for i, r := range batch {
		accessions[i] = r.Accession
	}
	url := fmt.Sprintf("%s?result=assembly&accession=%s&fields=assembly_level,scientific_name,tax_division&format=json",
		portalSearchURL, strings.Join(accessions, ","))

	body, err := a.http.GetBytes(ctx, url)
	if err != nil {
		return err
	}

	var rows []struct {
		Accession      string `json:"accession"`
		AssemblyLevel  string `json:"assembly_level"`
		ScientificName string `json:"scientific_name"`
		TaxDivision    string `json:"tax_division"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("parse enrichment response: %w", err)
	}
	for _, r := range rows {
		m := a.metadata[r.Accession]
		if r.ScientificName != "" {
			m.Species = r.ScientificName
		}
		m.Kingdom = kingdomFromDivision(r.TaxDivision, m.Kingdom)
		a.metadata[r.Accession] = m
	}
	return nil
}

func kingdomFromDivision(division, fallback string) string {
	switch strings.ToUpper(division) {
	case "PRO", "BCT":
		return "bacteria"
	case "ARC":
		return "archaea"
	case "VRL", "PHG":
		return "viral"
	default:
		if fallback == "" {
			return "bacteria"
		}
		return fallback
	}
}

// downloadAssembly tries each FASTA endpoint in order, retrying each up
// to maxRetries times with a fixed backoff, accepting the first response
// whose body starts with '>' and exceeds minDownloadBytes.
func (a *Adapter) downloadAssembly(ctx context.Context, accession string) (localPath, filename string, err error) {
	itemDir := filepath.Join(a.workDir, uuid.NewString())
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return "", "", err
	}
	filename = accession + ".fasta"
	localPath = filepath.Join(itemDir, filename)

	var lastErr error
	for _, tmpl := range fastaEndpoints {
		url := fmt.Sprintf(tmpl, accession)
		for attempt := 0; attempt < a.maxRetries; attempt++ {
			body, ferr := a.http.GetBytes(ctx, url)
			if ferr == nil && len(body) > minDownloadBytes && body[0] == '>' {
				if werr := os.WriteFile(localPath, body, 0o644); werr != nil {
					return "", "", werr
				}
				return localPath, filename, nil
			}
			if ferr != nil {
				lastErr = ferr
			} else {
				lastErr = fmt.Errorf("response too small or missing FASTA marker (%d bytes)", len(body))
			}
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(downloadBackoff):
			}
		}
	}
	return "", "", fmt.Errorf("all endpoints exhausted: %w", lastErr)
}
