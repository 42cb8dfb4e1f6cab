// Package orchestrator drives the end-to-end ingestion run: per-source
// batch pulls, a bounded worker pool over the validate/dedup/predict/
// publish pipeline, and the shared in-memory dedup sets every adapter
// and worker consult.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mandrake-bioworks/bioetl/internal/catalog"
	"github.com/mandrake-bioworks/bioetl/internal/config"
	"github.com/mandrake-bioworks/bioetl/internal/diskmgr"
	"github.com/mandrake-bioworks/bioetl/internal/genepredict"
	"github.com/mandrake-bioworks/bioetl/internal/objectstore"
	"github.com/mandrake-bioworks/bioetl/internal/seqtoolkit"
	"github.com/mandrake-bioworks/bioetl/internal/sources"
)

const consecutiveEmptyTolerance = 5

// ItemResult is the outcome of running one downloaded item through the
// full pipeline.
type ItemResult struct {
	Source    string
	Accession string
	Success   bool
	Skipped   bool
	Reason    string
	Err       error
}

// Orchestrator wires the catalog, object store, disk guard, and gene
// predictor around the configured source adapters.
type Orchestrator struct {
	log       *slog.Logger
	cfg       *config.Config
	store     *catalog.Store
	objects   *objectstore.Client
	disk      *diskmgr.Manager
	predictor *genepredict.Predictor

	seen   *sources.SeenSet
	hashes *sources.KnownHashes

	adapters map[string]sources.Adapter
}

// New assembles an Orchestrator. knownHashes should be seeded from
// catalog.Store.ExistingHashes at startup.
func New(log *slog.Logger, cfg *config.Config, store *catalog.Store, objects *objectstore.Client,
	disk *diskmgr.Manager, predictor *genepredict.Predictor, knownHashes map[string]struct{},
	adapters map[string]sources.Adapter) *Orchestrator {
	return &Orchestrator{
		log:       log,
		cfg:       cfg,
		store:     store,
		objects:   objects,
		disk:      disk,
		predictor: predictor,
		seen:      sources.NewSeenSet(),
		hashes:    sources.NewKnownHashes(knownHashes),
		adapters:  adapters,
	}
}

// Run ingests every configured source in order, returning the aggregate
// per-source results once every batch is drained or exhausted.
func (o *Orchestrator) Run(ctx context.Context) ([]ItemResult, error) {
	var all []ItemResult
	for _, name := range o.cfg.Sources.Order {
		common, enabled := o.sourceCommon(name)
		if !enabled {
			o.log.Info("orchestrator: source disabled, skipping", "source", name)
			continue
		}
		adapter, ok := o.adapters[name]
		if !ok {
			o.log.Warn("orchestrator: no adapter wired for configured source", "source", name)
			continue
		}

		results, err := o.runSource(ctx, name, adapter, common)
		all = append(all, results...)
		if err != nil {
			return all, fmt.Errorf("orchestrator: source %s: %w", name, err)
		}
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
	}
	return all, nil
}

func (o *Orchestrator) sourceCommon(name string) (config.SourceCommon, bool) {
	switch name {
	case "ncbi":
		return o.cfg.Sources.NCBI.SourceCommon, o.cfg.Sources.NCBI.Enabled
	case "ena":
		return o.cfg.Sources.ENA.SourceCommon, o.cfg.Sources.ENA.Enabled
	case "mgnify":
		return o.cfg.Sources.MGnify.SourceCommon, o.cfg.Sources.MGnify.Enabled
	default:
		return config.SourceCommon{}, false
	}
}

// runSource pulls batches from adapter until its own limit is reached,
// its cursor reports exhaustion, or consecutiveEmptyTolerance consecutive
// empty batches have been returned.
func (o *Orchestrator) runSource(ctx context.Context, name string, adapter sources.Adapter, common config.SourceCommon) ([]ItemResult, error) {
	var results []ItemResult
	ingested := 0
	consecutiveEmpty := 0

	purgeRoots := []string{o.cfg.Paths.Temp, o.cfg.Paths.BaseData}

	for ingested < common.Limit {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if reporter, ok := adapter.(sources.ExhaustionReporter); ok && reporter.SearchExhausted()[name] {
			o.log.Info("orchestrator: source cursor exhausted", "source", name)
			break
		}

		if ok, err := o.disk.EnsureFreeSpace(o.cfg.Paths.Temp, o.cfg.Processing.MinFreeGB, purgeRoots); err != nil {
			return results, fmt.Errorf("disk check: %w", err)
		} else if !ok {
			o.log.Error("orchestrator: insufficient disk space, aborting source", "source", name)
			break
		}

		want := common.BatchSize
		if remaining := common.Limit - ingested; remaining < want {
			want = remaining
		}
		items, err := adapter.DownloadBatch(ctx, want, o.seen)
		if err != nil {
			return results, err
		}
		if len(items) == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= consecutiveEmptyTolerance {
				o.log.Info("orchestrator: consecutive empty batches, stopping source", "source", name)
				break
			}
			continue
		}
		consecutiveEmpty = 0

		batchResults, err := o.processBatch(ctx, name, adapter, items)
		results = append(results, batchResults...)
		if err != nil {
			return results, err
		}
		for _, r := range batchResults {
			if r.Success {
				ingested++
			}
		}
	}
	return results, nil
}

// processBatch runs every item in items through the pipeline concurrently,
// bounded by Processing.Workers, fanning out with errgroup the way the
// metagenome split predictor does.
func (o *Orchestrator) processBatch(ctx context.Context, source string, adapter sources.Adapter, items []sources.LocalItem) ([]ItemResult, error) {
	results := make([]ItemResult, len(items))
	sem := make(chan struct{}, o.cfg.Processing.Workers)
	g, gctx := errgroup.WithContext(ctx)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			results[i] = o.processItem(gctx, source, adapter, item)
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// processItem runs one item through validate, dedup, optional contig
// filtering, prediction, publish, and catalog insert. Pipeline failures
// are captured on the result rather than propagated, so one bad item
// never cancels its siblings.
func (o *Orchestrator) processItem(ctx context.Context, source string, adapter sources.Adapter, item sources.LocalItem) ItemResult {
	res := ItemResult{Source: source, Accession: item.Accession}
	workDir := filepath.Dir(item.Path)
	defer os.RemoveAll(workDir)

	tempRoot := filepath.Dir(workDir)
	if ok, err := o.disk.EnsureFreeSpace(tempRoot, o.cfg.Processing.MinFreeGB, []string{tempRoot, o.cfg.Paths.BaseData}); err != nil {
		res.Err = fmt.Errorf("disk check: %w", err)
		return res
	} else if !ok {
		o.log.Warn("orchestrator: proceeding under disk pressure", "accession", item.Accession)
	}

	usablePath, err := seqtoolkit.Validate(item.Path)
	if err != nil {
		res.Err = fmt.Errorf("validate: %w", err)
		return res
	}

	isMetagenome := source == "mgnify"
	meta, _ := adapter.GetMetadata(item.Accession)

	if isMetagenome {
		filtered, stat, err := filterContigs(usablePath, o.cfg.Filtering.Metagenomes.MinContigLength)
		if err != nil {
			res.Err = fmt.Errorf("contig filter: %w", err)
			return res
		}
		stat.Source, stat.Accession = source, item.Accession
		if err := o.store.InsertFilteringStat(ctx, &stat); err != nil {
			o.log.Warn("orchestrator: filtering stat insert failed", "accession", item.Accession, "error", err)
		}
		if stat.ContigsKept == 0 {
			o.log.Warn("orchestrator: all contigs filtered out, continuing with unfiltered file",
				"accession", item.Accession)
		} else {
			usablePath = filtered
		}
	}

	hash, err := seqtoolkit.SequenceHash(usablePath)
	if err != nil {
		res.Err = fmt.Errorf("hash: %w", err)
		return res
	}
	if !o.hashes.CheckAndAdd(hash) {
		res.Skipped = true
		res.Reason = "duplicate_sequence_hash"
		return res
	}

	totalBP, err := seqtoolkit.TotalBasePairs(usablePath)
	if err != nil {
		res.Err = fmt.Errorf("count bases: %w", err)
		return res
	}

	var proteinsPath string
	if isMetagenome {
		proteinsPath, err = o.predictor.PredictMetagenome(ctx, usablePath, workDir)
	} else {
		proteinsPath, err = o.predictor.PredictGenome(ctx, usablePath, workDir)
	}
	if err != nil {
		res.Err = fmt.Errorf("predict: %w", err)
		return res
	}

	genomeGz, err := seqtoolkit.EnsureGzipped(usablePath)
	if err != nil {
		res.Err = fmt.Errorf("compress genome: %w", err)
		return res
	}

	genomeKey := o.objects.GenomeKey(source, item.Accession, filepath.Base(genomeGz))
	genomeURI, err := o.objects.Upload(ctx, genomeGz, genomeKey)
	if err != nil {
		res.Err = fmt.Errorf("upload genome: %w", err)
		return res
	}
	os.Remove(genomeGz)

	proteinsKey := o.objects.ProteinsKey(source, item.Accession, filepath.Base(proteinsPath))
	proteinsURI, err := o.objects.Upload(ctx, proteinsPath, proteinsKey)
	if err != nil {
		res.Err = fmt.Errorf("upload proteins: %w", err)
		return res
	}
	os.Remove(proteinsPath)

	entry := &catalog.Entry{
		Source:            source,
		Accession:         item.Accession,
		ObjectURIGenome:   genomeURI,
		ObjectURIProteins: proteinsURI,
		SequenceHash:      hash,
		TotalBP:           totalBP,
		Status:            "uploaded",
	}
	if isMetagenome {
		entry.Origin = meta.Origin
	} else {
		entry.Kingdom = resolveKingdom(meta)
		entry.Species = resolveSpecies(meta, usablePath)
	}

	inserted, reason, err := o.store.InsertEntry(ctx, entry)
	if err != nil {
		res.Err = fmt.Errorf("insert entry: %w", err)
		return res
	}
	if !inserted {
		res.Skipped = true
		res.Reason = string(reason)
		return res
	}

	res.Success = true
	return res
}

func resolveKingdom(meta sources.Metadata) string {
	if meta.Kingdom != "" {
		return meta.Kingdom
	}
	return "bacteria"
}

// resolveSpecies prefers adapter-supplied metadata, falling back to
// header-derived parsing when the adapter has nothing usable.
func resolveSpecies(meta sources.Metadata, usablePath string) string {
	if clean, err := seqtoolkit.CleanSpecies(meta.Species); err == nil {
		return clean
	}
	if parsed, err := seqtoolkit.ParseSpecies(usablePath); err == nil {
		return parsed
	}
	return ""
}

// filterContigs drops sequences shorter than minLen, writing the
// survivors to a sibling "<name>.filtered.fna" file.
func filterContigs(path string, minLen int) (string, catalog.FilteringStat, error) {
	records, err := seqtoolkit.ReadAll(path)
	if err != nil {
		return "", catalog.FilteringStat{}, err
	}

	stat := catalog.FilteringStat{TotalContigs: len(records)}
	outPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".filtered.fna"
	f, err := os.Create(outPath)
	if err != nil {
		return "", catalog.FilteringStat{}, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range records {
		if len(rec.Sequence) < minLen {
			stat.ContigsRemoved++
			continue
		}
		stat.ContigsKept++
		fmt.Fprintf(w, ">%s\n%s\n", rec.Header, rec.Sequence)
	}
	if err := w.Flush(); err != nil {
		return "", catalog.FilteringStat{}, err
	}
	return outPath, stat, nil
}
