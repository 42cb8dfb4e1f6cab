package diskmgr

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager() *Manager {
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1})))
}

func TestEnsureFreeSpaceAboveThreshold(t *testing.T) {
	m := newTestManager()
	ok, err := m.EnsureFreeSpace(t.TempDir(), 0.000001, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected free space to already satisfy a near-zero threshold")
	}
}

func TestEnsureFreeSpaceUnreachableThresholdReturnsFalseNotError(t *testing.T) {
	m := newTestManager()
	root := t.TempDir()
	// A threshold far beyond any real disk's capacity must report false,
	// not an error: disk pressure aborts the batch, it is not fatal.
	ok, err := m.EnsureFreeSpace(root, 1e12, []string{root})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected an unreachable threshold to report false")
	}
}

func TestPurgeRemovesSplitsDirAndPartFiles(t *testing.T) {
	root := t.TempDir()
	splitsDir := filepath.Join(root, "item1", "splits")
	if err := os.MkdirAll(splitsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(splitsDir, "chunk0.fna"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	partFile := filepath.Join(root, "download.fna.part")
	if err := os.WriteFile(partFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	keepFile := filepath.Join(root, "keep.txt")
	if err := os.WriteFile(keepFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := purge(root); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(splitsDir); !os.IsNotExist(err) {
		t.Error("splits directory should have been removed")
	}
	if _, err := os.Stat(partFile); !os.IsNotExist(err) {
		t.Error(".part file should have been removed")
	}
	if _, err := os.Stat(keepFile); err != nil {
		t.Error("unrelated file should have survived purge")
	}
}
