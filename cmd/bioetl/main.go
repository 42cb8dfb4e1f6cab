// Command bioetl runs one end-to-end ingestion pass: it pulls genome and
// metagenome assemblies from the configured sources, predicts proteins,
// and publishes both to the object store and the relational catalog.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mandrake-bioworks/bioetl/internal/catalog"
	"github.com/mandrake-bioworks/bioetl/internal/config"
	"github.com/mandrake-bioworks/bioetl/internal/diskmgr"
	"github.com/mandrake-bioworks/bioetl/internal/genepredict"
	"github.com/mandrake-bioworks/bioetl/internal/logging"
	"github.com/mandrake-bioworks/bioetl/internal/objectstore"
	"github.com/mandrake-bioworks/bioetl/internal/orchestrator"
	"github.com/mandrake-bioworks/bioetl/internal/sources"
	"github.com/mandrake-bioworks/bioetl/internal/sources/ena"
	"github.com/mandrake-bioworks/bioetl/internal/sources/httpfetch"
	"github.com/mandrake-bioworks/bioetl/internal/sources/mgnify"
	"github.com/mandrake-bioworks/bioetl/internal/sources/ncbi"
)

func main() {
	cfgPath := "etl_config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgPath); err != nil {
		slog.Error("bioetl: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := logging.New(cfg.Paths.Logs, "info")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()

	logger.Info("bioetl: starting run", "config", cfgPath)

	store, err := catalog.Open(cfg.AWS.RDS.ConnectionString, cfg.Processing.DBMaxConnections)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close()

	objects, err := objectstore.New(ctx, cfg.AWS.Region, cfg.AWS.S3.BucketName,
		cfg.AWS.S3.FinalPrefix, cfg.AWS.S3.ProteinsPrefix)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	disk := diskmgr.New(logger)
	predictor := genepredict.New("", "")

	knownHashes, err := store.ExistingHashes(ctx)
	if err != nil {
		return fmt.Errorf("load known hashes: %w", err)
	}

	httpClient := httpfetch.New(httpfetch.Config{
		Timeout:    cfg.Processing.DownloadTimeout,
		MaxRetries: cfg.Processing.MaxRetries,
		Logger:     logger,
	})

	adapters, err := buildAdapters(ctx, cfg, store, httpClient, logger)
	if err != nil {
		return fmt.Errorf("build source adapters: %w", err)
	}

	orch := orchestrator.New(logger, cfg, store, objects, disk, predictor, knownHashes, adapters)

	results, err := orch.Run(ctx)
	logSummary(logger, results)
	if err != nil {
		return fmt.Errorf("ingestion run: %w", err)
	}
	return nil
}

// buildAdapters constructs one adapter per configured, enabled source,
// seeding each from the catalog's existing-accession snapshot.
func buildAdapters(ctx context.Context, cfg *config.Config, store *catalog.Store,
	httpClient *httpfetch.Client, logger *slog.Logger) (map[string]sources.Adapter, error) {
	adapters := make(map[string]sources.Adapter)
	tempRoot := cfg.Paths.Temp
	cacheRoot := filepath.Join(cfg.Paths.BaseData, "cache")

	if cfg.Sources.NCBI.Enabled {
		existing, err := store.ExistingAccessions(ctx, "ncbi")
		if err != nil {
			return nil, fmt.Errorf("ncbi: load existing accessions: %w", err)
		}
		adapters["ncbi"] = ncbi.New(httpClient, logger,
			filepath.Join(cacheRoot, "ncbi"), filepath.Join(tempRoot, "ncbi"),
			cfg.Sources.NCBI.Kingdoms, cfg.Sources.NCBI.ForceUpdateSummaries,
			cfg.Sources.NCBI.RequireFullGenome, existing)
	}
	if cfg.Sources.ENA.Enabled {
		existing, err := store.ExistingAccessions(ctx, "ena")
		if err != nil {
			return nil, fmt.Errorf("ena: load existing accessions: %w", err)
		}
		adapters["ena"] = ena.New(httpClient, logger,
			filepath.Join(cacheRoot, "ena"), filepath.Join(tempRoot, "ena"),
			cfg.Processing.MaxRetries, existing)
	}
	if cfg.Sources.MGnify.Enabled {
		existing, err := store.ExistingAccessions(ctx, "mgnify")
		if err != nil {
			return nil, fmt.Errorf("mgnify: load existing accessions: %w", err)
		}
		adapters["mgnify"] = mgnify.New(httpClient, logger, filepath.Join(tempRoot, "mgnify"),
			cfg.Sources.MGnify.Environments, cfg.Sources.MGnify.AnalysesPerStudy,
			int64(cfg.Sources.MGnify.MaxFileMB), cfg.Sources.MGnify.DelaySeconds, existing)
	}
	return adapters, nil
}

func logSummary(logger *slog.Logger, results []orchestrator.ItemResult) {
	var succeeded, skipped, failed int
	for _, r := range results {
		switch {
		case r.Success:
			succeeded++
		case r.Skipped:
			skipped++
		default:
			failed++
		}
	}
	logger.Info("bioetl: run complete",
		"total", len(results), "succeeded", succeeded, "skipped", skipped, "failed", failed)
}
