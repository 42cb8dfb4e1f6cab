// Package genepredict invokes the external gene-prediction and
// FASTA-splitting binaries for single-genome and metagenome items,
// implementing the metagenome pre-filter/split/parallel-predict/merge
// pipeline with fail-fast cancellation.
package genepredict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mandrake-bioworks/bioetl/internal/seqtoolkit"
)

const (
	singleGenomeTimeout = 5 * time.Minute
	splitTimeout        = 300 * time.Second
	mergeTimeout        = 600 * time.Second

	preFilterMinBP   = 200
	preFilterMinSeqs = 10
	preFilterMinKB   = 50 * 1024

	directPredictMaxSeqs = 1000
	directPredictMaxKB   = 500 * 1024

	splitTargetKB = 100 * 1024
	minSplits     = 2
	maxSplits     = 8
	splitMinSeqs  = 10
	splitMinKB    = 10 * 1024

	maxCapturedOutput = 64 * 1024
)

// ErrPreFilterFailed means the metagenome did not survive the pre-filter.
var ErrPreFilterFailed = errors.New("genepredict: metagenome failed pre-filter thresholds")

// ErrSplitInvalid means a generated split failed its own size/seq floor.
var ErrSplitInvalid = errors.New("genepredict: split below minimum size or sequence count")

// Predictor wraps the external predictor and splitter binaries.
type Predictor struct {
	PredictorBin string // default "predict_proteins"
	SplitBin     string // default "split2" / "split"
}

// New returns a Predictor using the given binary names.
func New(predictorBin, splitBin string) *Predictor {
	if predictorBin == "" {
		predictorBin = "predict_proteins"
	}
	if splitBin == "" {
		splitBin = "split2"
	}
	return &Predictor{PredictorBin: predictorBin, SplitBin: splitBin}
}

// PredictGenome runs the predictor in default (non-metagenome) mode and
// returns the path to the gzip-compressed protein output.
func (p *Predictor) PredictGenome(ctx context.Context, genomePath, workDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, singleGenomeTimeout)
	defer cancel()

	faaPath := filepath.Join(workDir, "proteins.faa")
	if err := p.runPredictor(ctx, genomePath, faaPath, false); err != nil {
		return "", fmt.Errorf("genepredict: single-genome predict: %w", err)
	}
	gzPath, err := seqtoolkit.EnsureGzipped(faaPath)
	if err != nil {
		return "", fmt.Errorf("genepredict: compress proteins: %w", err)
	}
	return gzPath, nil
}

func (p *Predictor) runPredictor(ctx context.Context, input, proteinOut string, meta bool) error {
	args := []string{"-i", input, "-a", proteinOut, "-o", os.DevNull, "-q"}
	if meta {
		args = append(args, "-p", "meta")
	}
	cmd := exec.CommandContext(ctx, p.PredictorBin, args...)
	return runBounded(cmd)
}

// contigInfo is one pre-filter pass result for a split/merge decision.
type contigInfo struct {
	keptSeqs  int
	keptBases int64
}

// PredictMetagenome runs the full metagenome pipeline described in
// §4.5: pre-filter, size decision, split, validate splits, parallel
// predict with fail-fast cancellation, merge and compress.
func (p *Predictor) PredictMetagenome(ctx context.Context, genomePath, workDir string) (string, error) {
	filtered, info, err := p.preFilter(ctx, genomePath, workDir)
	if err != nil {
		return "", err
	}

	if info.keptSeqs < directPredictMaxSeqs || info.keptBases < directPredictMaxKB {
		return p.predictDirect(ctx, filtered, workDir)
	}

	splitDir := filepath.Join(workDir, "splits")
	if err := os.MkdirAll(splitDir, 0o755); err != nil {
		return "", fmt.Errorf("genepredict: mkdir splits: %w", err)
	}
	splitCount := splitCountFor(info.keptBases)

	splitCtx, cancel := context.WithTimeout(ctx, splitTimeout)
	defer cancel()
	splitFiles, err := p.runSplit(splitCtx, filtered, splitDir, splitCount)
	if err != nil {
		return "", fmt.Errorf("genepredict: split: %w", err)
	}

	for _, sf := range splitFiles {
		seqs, bases, err := countSeqsAndBases(sf)
		if err != nil {
			return "", fmt.Errorf("genepredict: inspect split %s: %w", sf, err)
		}
		if seqs < splitMinSeqs || bases < splitMinKB {
			return "", fmt.Errorf("%w: %s (%d seqs, %d bp)", ErrSplitInvalid, sf, seqs, bases)
		}
	}

	proteinFiles, err := p.predictSplitsParallel(ctx, splitFiles, splitDir)
	if err != nil {
		return "", fmt.Errorf("genepredict: parallel predict: %w", err)
	}

	return p.mergeAndCompress(ctx, proteinFiles, workDir)
}

func (p *Predictor) predictDirect(ctx context.Context, filtered, workDir string) (string, error) {
	faaPath := filepath.Join(workDir, "proteins.faa")
	predictCtx, cancel := context.WithTimeout(ctx, singleGenomeTimeout)
	defer cancel()
	if err := p.runPredictor(predictCtx, filtered, faaPath, true); err != nil {
		return "", fmt.Errorf("genepredict: direct metagenome predict: %w", err)
	}
	gzPath, err := seqtoolkit.EnsureGzipped(faaPath)
	if err != nil {
		return "", fmt.Errorf("genepredict: compress proteins: %w", err)
	}
	return gzPath, nil
}

// preFilter drops sequences shorter than preFilterMinBP and requires the
// survivors to clear the minimum sequence count and base count.
func (p *Predictor) preFilter(ctx context.Context, genomePath, workDir string) (string, contigInfo, error) {
	records, err := readFastaRecords(genomePath)
	if err != nil {
		return "", contigInfo{}, fmt.Errorf("genepredict: read %s: %w", genomePath, err)
	}

	filteredPath := filepath.Join(workDir, "prefiltered.fna")
	f, err := os.Create(filteredPath)
	if err != nil {
		return "", contigInfo{}, fmt.Errorf("genepredict: create %s: %w", filteredPath, err)
	}
	defer f.Close()

	var info contigInfo
	for _, r := range records {
		if len(r.Sequence) < preFilterMinBP {
			continue
		}
		fmt.Fprintf(f, ">%s\n%s\n", r.Header, r.Sequence)
		info.keptSeqs++
		info.keptBases += int64(len(r.Sequence))
	}
	if info.keptSeqs < preFilterMinSeqs || info.keptBases < preFilterMinKB {
		return "", info, fmt.Errorf("%w: %d seqs, %d bp kept", ErrPreFilterFailed, info.keptSeqs, info.keptBases)
	}
	return filteredPath, info, nil
}

// splitCountFor targets ~100 KB per split, capped between minSplits and
// maxSplits.
func splitCountFor(totalBases int64) int {
	n := int(totalBases / splitTargetKB)
	if n < minSplits {
		n = minSplits
	}
	if n > maxSplits {
		n = maxSplits
	}
	return n
}

// runSplit invokes the size-based splitter first; if unavailable, falls
// back to the parts-based form.
func (p *Predictor) runSplit(ctx context.Context, input, outDir string, splitCount int) ([]string, error) {
	sizeKB := splitTargetKB / 1024
	cmd := exec.CommandContext(ctx, p.SplitBin, "-s", fmt.Sprintf("%dk", sizeKB), "-O", outDir, input)
	if err := runBounded(cmd); err != nil {
		// Size-based splitting unavailable: fall back to parts-based.
		fallback := exec.CommandContext(ctx, "split", "-p", fmt.Sprintf("%d", splitCount), "-O", outDir, input)
		if ferr := runBounded(fallback); ferr != nil {
			return nil, fmt.Errorf("size-based split failed (%v), parts-based fallback failed: %w", err, ferr)
		}
	}
	return listSplitFiles(outDir)
}

func listSplitFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.New("genepredict: splitter produced no output files")
	}
	return files, nil
}

// predictSplitsParallel runs the predictor on each split with worker
// count min(8, split_count); any split failure cancels the remaining
// siblings via errgroup.
func (p *Predictor) predictSplitsParallel(ctx context.Context, splits []string, splitDir string) ([]string, error) {
	workers := len(splits)
	if workers > 8 {
		workers = 8
	}
	sem := make(chan struct{}, workers)

	g, gctx := errgroup.WithContext(ctx)
	outputs := make([]string, len(splits))
	for i, sf := range splits {
		i, sf := i, sf
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			out := filepath.Join(splitDir, fmt.Sprintf("split-%d.faa", i))
			predictCtx, cancel := context.WithTimeout(gctx, singleGenomeTimeout)
			defer cancel()
			if err := p.runPredictor(predictCtx, sf, out, true); err != nil {
				return fmt.Errorf("split %s: %w", sf, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// mergeAndCompress concatenates all protein outputs, gzips the result,
// and removes every intermediate (splits and per-split proteins).
func (p *Predictor) mergeAndCompress(ctx context.Context, proteinFiles []string, workDir string) (string, error) {
	mergeCtx, cancel := context.WithTimeout(ctx, mergeTimeout)
	defer cancel()
	if err := mergeCtx.Err(); err != nil {
		return "", fmt.Errorf("genepredict: merge cancelled: %w", err)
	}

	mergedPath := filepath.Join(workDir, "proteins.faa")
	out, err := os.Create(mergedPath)
	if err != nil {
		return "", fmt.Errorf("genepredict: create merged output: %w", err)
	}
	for _, pf := range proteinFiles {
		if err := appendFile(out, pf); err != nil {
			out.Close()
			return "", fmt.Errorf("genepredict: merge %s: %w", pf, err)
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("genepredict: close merged output: %w", err)
	}

	gzPath, err := seqtoolkit.EnsureGzipped(mergedPath)
	if err != nil {
		return "", fmt.Errorf("genepredict: compress merged output: %w", err)
	}

	os.RemoveAll(filepath.Join(workDir, "splits"))
	return gzPath, nil
}

func appendFile(dst *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(dst, in)
	return err
}

// runBounded runs cmd with stdout/stderr captured and bounded, returning
// a wrapped error including the tail of stderr on failure.
func runBounded(cmd *exec.Cmd) error {
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &boundedWriter{buf: &stderr, limit: maxCapturedOutput}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Path, err, stderr.String())
	}
	return nil
}

type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	return w.buf.Write(p)
}

func readFastaRecords(path string) ([]seqtoolkit.Record, error) {
	return seqtoolkit.ReadAll(path)
}

// countSeqsAndBases inspects a split file's sequence count and total
// base count for the post-split validation floor.
func countSeqsAndBases(path string) (int, int64, error) {
	records, err := seqtoolkit.ReadAll(path)
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, r := range records {
		total += int64(len(r.Sequence))
	}
	return len(records), total, nil
}
