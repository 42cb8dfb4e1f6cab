// Package mgnify implements the MGnify metagenome adapter: per-environment
// study/analysis traversal, downloads-manifest scanning, and a HEAD-checked
// size gate before committing to a download.
package mgnify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mandrake-bioworks/bioetl/internal/sources"
	"github.com/mandrake-bioworks/bioetl/internal/sources/httpfetch"
)

const apiBase = "https://www.ebi.ac.uk/metagenomics/api/v1"

// DefaultEnvironments mirrors the biome buckets surveyed when the run
// config does not override the list.
var DefaultEnvironments = []string{"soil", "marine", "freshwater", "plant", "gut", "sediment"}

// originByKeyword maps free-text study/analysis descriptions to a
// normalized origin label, checked in order.
var originByKeyword = []struct {
	keyword, origin string
}{
	{"soil", "soil"},
	{"marine", "marine"},
	{"hypersaline", "hypersaline"},
	{"wastewater", "wastewater"},
	{"biofilm", "biofilm"},
	{"permafrost", "permafrost"},
	{"freshwater", "freshwater"},
	{"sediment", "sediment"},
	{"rhizosphere", "plant"},
	{"plant", "plant"},
	{"gut", "gut"},
	{"fecal", "gut"},
}

// Adapter implements sources.Adapter for MGnify.
type Adapter struct {
	http             *httpfetch.Client
	log              *slog.Logger
	workDir          string
	environments     []string
	analysesPerStudy int
	maxFileMB        int64
	delay            time.Duration

	cache    *sources.AccessionCache
	metadata map[string]sources.Metadata

	queue     []downloadTarget
	envCursor int
	exhausted bool
	lastFetch time.Time
}

type downloadTarget struct {
	Accession   string
	URL         string
	Environment string
	StudyText   string
}

// New constructs the MGnify adapter.
func New(httpClient *httpfetch.Client, log *slog.Logger, workDir string,
	environments []string, analysesPerStudy int, maxFileMB int64, delaySeconds float64,
	existingAccessions map[string]struct{}) *Adapter {
	if len(environments) == 0 {
		environments = DefaultEnvironments
	}
	if analysesPerStudy <= 0 {
		analysesPerStudy = 5
	}
	if maxFileMB <= 0 {
		maxFileMB = 500
	}
	return &Adapter{
		http:             httpClient,
		log:              log,
		workDir:          workDir,
		environments:     environments,
		analysesPerStudy: analysesPerStudy,
		maxFileMB:        maxFileMB,
		delay:            time.Duration(delaySeconds * float64(time.Second)),
		cache:            sources.NewAccessionCache(existingAccessions),
		metadata:         make(map[string]sources.Metadata),
	}
}

// SearchExhausted reports whether every configured environment has been
// traversed with no further analyses queued.
func (a *Adapter) SearchExhausted() map[string]bool {
	return map[string]bool{"mgnify": a.exhausted}
}

// DownloadBatch returns up to maxN newly downloaded metagenome files,
// refilling the target queue by scanning environments round-robin as
// it drains.
func (a *Adapter) DownloadBatch(ctx context.Context, maxN int, seen *sources.SeenSet) ([]sources.LocalItem, error) {
	var items []sources.LocalItem
	for len(items) < maxN {
		if len(a.queue) == 0 {
			if !a.refillQueue(ctx) {
				a.exhausted = true
				break
			}
			continue
		}

		target := a.queue[0]
		a.queue = a.queue[1:]

		if a.cache.Contains(target.Accession) || !seen.AddIfAbsent(target.Accession) {
			continue
		}

		a.throttle(ctx)

		size, err := a.http.HeadContentLength(ctx, target.URL)
		if err == nil && size > 0 && size > a.maxFileMB*1024*1024 {
			a.log.Info("mgnify: skipping oversized analysis", "accession", target.Accession, "bytes", size)
			continue
		}

		localPath, filename, err := a.download(ctx, target)
		if err != nil {
			a.log.Warn("mgnify: download failed", "accession", target.Accession, "error", err)
			continue
		}

		a.metadata[target.Accession] = sources.Metadata{
			Kingdom: "metagenome",
			Origin:  normalizeOrigin(target.Environment, target.StudyText),
			Species: "",
		}
		a.cache.Add(target.Accession)
		items = append(items, sources.LocalItem{Path: localPath, Accession: target.Accession, Filename: filename})
	}
	return items, nil
}

// GetMetadata returns the cached origin/kingdom for a downloaded analysis.
func (a *Adapter) GetMetadata(accession string) (sources.Metadata, bool) {
	m, ok := a.metadata[accession]
	return m, ok
}

func (a *Adapter) throttle(ctx context.Context) {
	if a.delay <= 0 {
		return
	}
	elapsed := time.Since(a.lastFetch)
	if elapsed < a.delay {
		select {
		case <-ctx.Done():
		case <-time.After(a.delay - elapsed):
		}
	}
	a.lastFetch = time.Now()
}

// refillQueue advances through the environment list, pulling studies and
// their analyses' download manifests, until the queue gains entries or
// every environment has been exhausted. Returns false when nothing is
// left to scan.
func (a *Adapter) refillQueue(ctx context.Context) bool {
	for a.envCursor < len(a.environments) {
		env := a.environments[a.envCursor]
		a.envCursor++

		studies, err := a.searchStudies(ctx, env)
		if err != nil {
			a.log.Warn("mgnify: study search failed", "environment", env, "error", err)
			continue
		}
		for _, study := range studies {
			analyses, err := a.listAnalyses(ctx, study.accession)
			if err != nil {
				a.log.Warn("mgnify: list analyses failed", "study", study.accession, "error", err)
				continue
			}
			count := 0
			for _, analysis := range analyses {
				if count >= a.analysesPerStudy {
					break
				}
				target, ok, err := a.resolveDownload(ctx, analysis)
				if err != nil || !ok {
					continue
				}
				target.Environment = env
				target.StudyText = study.description
				a.queue = append(a.queue, target)
				count++
			}
		}
		if len(a.queue) > 0 {
			return true
		}
	}
	return false
}

type study struct {
	accession   string
	description string
}

func (a *Adapter) searchStudies(ctx context.Context, environment string) ([]study, error) {
	url := fmt.Sprintf("%s/studies?biome_name=%s&page_size=25", apiBase, environment)
	body, err := a.http.GetBytes(ctx, url)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data []struct {
			ID         string `json:"id"`
			Attributes struct {
				StudyName string `json:"study-name"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse studies response: %w", err)
	}
	studies := make([]study, 0, len(payload.Data))
	for _, d := range payload.Data {
		studies = append(studies, study{accession: d.ID, description: d.Attributes.StudyName})
	}
	return studies, nil
}

type analysisRef struct {
	accession string
}

func (a *Adapter) listAnalyses(ctx context.Context, studyAccession string) ([]analysisRef, error) {
	url := fmt.Sprintf("%s/studies/%s/analyses?page_size=%d", apiBase, studyAccession, a.analysesPerStudy)
	body, err := a.http.GetBytes(ctx, url)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse analyses response: %w", err)
	}
	refs := make([]analysisRef, 0, len(payload.Data))
	for _, d := range payload.Data {
		refs = append(refs, analysisRef{accession: d.ID})
	}
	return refs, nil
}

// resolveDownload fetches an analysis's downloads manifest and selects
// the first FASTA/FASTQ file, rejecting predicted-protein outputs.
func (a *Adapter) resolveDownload(ctx context.Context, analysis analysisRef) (downloadTarget, bool, error) {
	url := fmt.Sprintf("%s/analyses/%s/downloads", apiBase, analysis.accession)
	body, err := a.http.GetBytes(ctx, url)
	if err != nil {
		return downloadTarget{}, false, err
	}
	var payload struct {
		Data []struct {
			Attributes struct {
				Alias string `json:"alias"`
			} `json:"attributes"`
			Links struct {
				Self string `json:"self"`
			} `json:"links"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return downloadTarget{}, false, fmt.Errorf("parse downloads response: %w", err)
	}
	for _, d := range payload.Data {
		if isSequenceFile(d.Attributes.Alias) {
			return downloadTarget{Accession: analysis.accession, URL: d.Links.Self}, true, nil
		}
	}
	return downloadTarget{}, false, nil
}

// isSequenceFile selects raw-read FASTA/FASTQ manifest entries while
// rejecting predicted-protein (.faa) and predicted-gene (.ffn) outputs.
func isSequenceFile(alias string) bool {
	lower := strings.ToLower(alias)
	if strings.HasSuffix(lower, ".faa") || strings.HasSuffix(lower, ".faa.gz") {
		return false
	}
	if strings.HasSuffix(lower, ".ffn") || strings.HasSuffix(lower, ".ffn.gz") {
		return false
	}
	return strings.Contains(lower, "fastq") || strings.Contains(lower, "fasta")
}

func (a *Adapter) download(ctx context.Context, target downloadTarget) (localPath, filename string, err error) {
	itemDir := filepath.Join(a.workDir, uuid.NewString())
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return "", "", err
	}
	filename = target.Accession + sourceExt(target.URL)
	localPath = filepath.Join(itemDir, filename)

	f, err := os.Create(localPath)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	n, _, err := a.http.DownloadToFile(ctx, target.URL, f)
	if err != nil {
		os.Remove(localPath)
		return "", "", err
	}
	if n == 0 {
		os.Remove(localPath)
		return "", "", fmt.Errorf("empty download for %s", target.Accession)
	}
	return localPath, filename, nil
}

func sourceExt(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, ".fasta.gz"), strings.Contains(lower, ".fa.gz"):
		return ".fasta.gz"
	case strings.Contains(lower, ".fastq.gz"):
		return ".fastq.gz"
	case strings.Contains(lower, ".fasta"), strings.Contains(lower, ".fa"):
		return ".fasta"
	default:
		return ".fastq"
	}
}

// normalizeOrigin maps an environment/free-text hint to the fixed origin
// vocabulary, falling back to the raw environment bucket.
func normalizeOrigin(environment, freeText string) string {
	lower := strings.ToLower(environment + " " + freeText)
	for _, rule := range originByKeyword {
		if strings.Contains(lower, rule.keyword) {
			return rule.origin
		}
	}
	if environment != "" {
		return environment
	}
	return "unknown"
}
