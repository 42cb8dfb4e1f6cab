// Package diskmgr guards the shared ingestion workspace against running
// out of disk, purging reclaimable split/partial artifacts on demand.
package diskmgr

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
)

// ErrPurgeFailed describes free space still below threshold after a purge.
// EnsureFreeSpace does not return it: it reports that case as (false, nil).
var ErrPurgeFailed = errors.New("diskmgr: insufficient free space after purge")

// Manager checks and reclaims free space on the filesystem backing the
// workspace roots.
type Manager struct {
	log *slog.Logger
}

// New returns a Manager that logs via log.
func New(log *slog.Logger) *Manager {
	return &Manager{log: log}
}

// EnsureFreeSpace reports whether the filesystem holding root has at
// least minGB free, purging `splits` directories and `.part` files under
// purgeRoots and re-checking if it does not.
func (m *Manager) EnsureFreeSpace(root string, minGB float64, purgeRoots []string) (bool, error) {
	free, err := freeBytes(root)
	if err != nil {
		return false, fmt.Errorf("diskmgr: statfs %s: %w", root, err)
	}
	minBytes := uint64(minGB * 1024 * 1024 * 1024)
	if free >= minBytes {
		return true, nil
	}

	m.log.Warn("disk space below threshold, purging reclaimable artifacts",
		"free", humanize.Bytes(free), "threshold", humanize.Bytes(minBytes))

	var purgeErr error
	for _, pr := range purgeRoots {
		if err := purge(pr); err != nil {
			purgeErr = errors.Join(purgeErr, err)
		}
	}
	if purgeErr != nil {
		m.log.Warn("purge encountered errors", "error", purgeErr)
	}

	free, err = freeBytes(root)
	if err != nil {
		return false, fmt.Errorf("diskmgr: statfs %s: %w", root, err)
	}
	if free < minBytes {
		m.log.Error("purge did not restore free space",
			"free", humanize.Bytes(free), "threshold", humanize.Bytes(minBytes))
		return false, nil
	}
	m.log.Info("purge restored free space", "free", humanize.Bytes(free))
	return true, nil
}

// purge removes every directory named "splits" and every file ending in
// ".part" beneath root. These are guaranteed reclaimable: splits are
// regenerable from their source genome, and .part files are incomplete
// downloads.
func purge(root string) error {
	var toRemove []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() && d.Name() == "splits" {
			toRemove = append(toRemove, path)
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".part") {
			toRemove = append(toRemove, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("diskmgr: walk %s: %w", root, err)
	}
	var errs error
	for _, p := range toRemove {
		if err := os.RemoveAll(p); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// freeBytes reports free space on the filesystem containing path.
// syscall.Statfs is used directly: none of the reference libraries wrap
// it portably, and the pipeline only ever runs on Linux hosts.
func freeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
