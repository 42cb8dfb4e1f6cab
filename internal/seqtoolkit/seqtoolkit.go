// Package seqtoolkit implements FASTA validation, species-name parsing,
// canonical sequence hashing, and gzip discipline for downloaded genome
// and metagenome payloads.
package seqtoolkit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/grailbio/bio/encoding/fasta"
	"github.com/klauspost/compress/gzip"
)

const minValidFileBytes = 100

// ErrNoUsableRecords is returned when a FASTA file parses but has no
// records with sequence content.
var ErrNoUsableRecords = errors.New("seqtoolkit: no usable FASTA records")

// Record is one parsed FASTA entry: the sequence name from the index (the
// header's ID token, without '>' or the description) and the raw
// (upper/lower mixed) sequence bytes.
type Record struct {
	Header   string
	Sequence []byte
}

// Validate confirms path is a readable FASTA file (optionally gzip
// compressed) with at least one record and a minimum file size. If the
// input is gzip compressed, it is decompressed to a sibling path first.
// Returns the path to the usable, uncompressed file, or an error.
func Validate(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("seqtoolkit: stat %s: %w", path, err)
	}
	if info.Size() < minValidFileBytes {
		return "", fmt.Errorf("seqtoolkit: %s: file too small (%d bytes)", path, info.Size())
	}

	usable := path
	if isGzipPath(path) {
		usable = strings.TrimSuffix(path, ".gz")
		if err := decompressTo(path, usable); err != nil {
			return "", fmt.Errorf("seqtoolkit: decompress %s: %w", path, err)
		}
	}

	records, err := readRecords(usable)
	if err != nil {
		return "", fmt.Errorf("seqtoolkit: parse %s: %w", usable, err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("seqtoolkit: %s: %w", usable, ErrNoUsableRecords)
	}
	return usable, nil
}

var bracketed = regexp.MustCompile(`[\[\]]`)
var truncateTokens = regexp.MustCompile(`(?i)[,]|\b(chromosome|scaffold|contig|strain|complete)\b`)

// ParseSpecies reads the first record's header line and extracts a
// normalized "Genus species" binomial, rejecting headers that look like
// environmental-sample descriptions (bracketed text). This reads the raw
// ">ID description" line directly rather than through the indexed FASTA
// reader, whose SeqNames only carries the ID token, not the description.
func ParseSpecies(path string) (string, error) {
	header, err := firstHeaderLine(path)
	if err != nil {
		return "", fmt.Errorf("seqtoolkit: %s: %w", path, err)
	}

	fields := strings.SplitN(header, " ", 2)
	if len(fields) < 2 {
		return "", fmt.Errorf("seqtoolkit: header has no description: %q", header)
	}
	desc := fields[1]
	if bracketed.MatchString(desc) {
		return "", fmt.Errorf("seqtoolkit: header looks like an environmental sample: %q", header)
	}

	if loc := truncateTokens.FindStringIndex(desc); loc != nil {
		desc = desc[:loc[0]]
	}
	tokens := strings.Fields(desc)
	if len(tokens) < 2 {
		return "", fmt.Errorf("seqtoolkit: could not derive a binomial from %q", header)
	}
	return CleanSpecies(tokens[0] + " " + tokens[1])
}

// CleanSpecies rejects bracketed, single-token, or empty species
// candidates, matching the cleaner applied to both header-derived and
// adapter-supplied species per the orchestrator's per-item pipeline.
func CleanSpecies(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", errors.New("seqtoolkit: empty species candidate")
	}
	if bracketed.MatchString(candidate) {
		return "", fmt.Errorf("seqtoolkit: bracketed species candidate: %q", candidate)
	}
	if len(strings.Fields(candidate)) < 2 {
		return "", fmt.Errorf("seqtoolkit: single-token species candidate: %q", candidate)
	}
	return candidate, nil
}

// SequenceHash computes the canonical fingerprint: per-record SHA-256 of
// the uppercased, N-stripped sequence, sorted lexically and joined with
// "|", then SHA-256 of that. Invariant under record reordering and
// N-base edits.
func SequenceHash(path string) (string, error) {
	records, err := readRecords(path)
	if err != nil {
		return "", fmt.Errorf("seqtoolkit: parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return "", ErrNoUsableRecords
	}

	digests := make([]string, 0, len(records))
	for _, r := range records {
		canon := canonicalize(r.Sequence)
		if len(canon) == 0 {
			continue
		}
		sum := sha256.Sum256(canon)
		digests = append(digests, hex.EncodeToString(sum[:]))
	}
	if len(digests) == 0 {
		return "", ErrNoUsableRecords
	}
	sort.Strings(digests)
	final := sha256.Sum256([]byte(strings.Join(digests, "|")))
	return hex.EncodeToString(final[:]), nil
}

func canonicalize(seq []byte) []byte {
	out := make([]byte, 0, len(seq))
	for _, b := range seq {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		if b == 'N' {
			continue
		}
		out = append(out, b)
	}
	return out
}

// TotalBasePairs sums the sequence lengths across every record in path.
func TotalBasePairs(path string) (int64, error) {
	records, err := readRecords(path)
	if err != nil {
		return 0, fmt.Errorf("seqtoolkit: parse %s: %w", path, err)
	}
	var total int64
	for _, r := range records {
		total += int64(len(r.Sequence))
	}
	return total, nil
}

// EnsureGzipped confirms path (or a cached path+".gz") is a valid gzip
// file, creating one and deleting the uncompressed original on success.
// A cached gzip newer than or equal in mtime to the source is accepted
// without recompressing.
func EnsureGzipped(path string) (string, error) {
	if isGzipPath(path) {
		if err := validateGzipHeader(path); err != nil {
			return "", fmt.Errorf("seqtoolkit: %s: %w", path, err)
		}
		return path, nil
	}

	gzPath := path + ".gz"
	srcInfo, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("seqtoolkit: stat %s: %w", path, err)
	}
	if cachedInfo, err := os.Stat(gzPath); err == nil && !cachedInfo.ModTime().Before(srcInfo.ModTime()) {
		if verr := validateGzipHeader(gzPath); verr == nil {
			os.Remove(path)
			return gzPath, nil
		}
	}

	if err := compressTo(path, gzPath); err != nil {
		return "", fmt.Errorf("seqtoolkit: compress %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("seqtoolkit: remove uncompressed %s: %w", path, err)
	}
	return gzPath, nil
}

func isGzipPath(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

func validateGzipHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a valid gzip stream: %w", err)
	}
	defer gr.Close()

	buf := make([]byte, 1024)
	if _, err := io.ReadAtLeast(gr, buf, 1); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading first kilobyte: %w", err)
	}
	return nil
}

func decompressTo(srcGz, dst string) error {
	in, err := os.Open(srcGz)
	if err != nil {
		return err
	}
	defer in.Close()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, gr)
	return err
}

func compressTo(src, dstGz string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dstGz)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// firstHeaderLine returns the first FASTA header line with its leading
// '>' stripped.
func firstHeaderLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, ">") {
			return strings.TrimPrefix(line, ">"), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNoUsableRecords
}

// ReadAll parses every record of an uncompressed FASTA file at path,
// for callers (the gene predictor's pre-filter and split validation)
// that need direct record access rather than a derived property.
func ReadAll(path string) ([]Record, error) {
	return readRecords(path)
}

// readRecords parses path (assumed already decompressed) into Records
// via grailbio/bio's indexed FASTA reader: generate an in-memory index,
// open indexed access, then walk every sequence name.
func readRecords(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var idx bytes.Buffer
	if err := fasta.GenerateIndex(&idx, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("generate index: %w", err)
	}

	fa, err := fasta.NewIndexed(bytes.NewReader(raw), bytes.NewReader(idx.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("open indexed fasta: %w", err)
	}

	names := fa.SeqNames()
	records := make([]Record, 0, len(names))
	for _, name := range names {
		length, err := fa.Len(name)
		if err != nil {
			return nil, fmt.Errorf("len %s: %w", name, err)
		}
		seq, err := fa.Get(name, 0, length)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", name, err)
		}
		records = append(records, Record{Header: name, Sequence: seq})
	}
	return records, nil
}
