// Package fsutil provides the small filesystem helpers shared by the
// package registry and the runner backends: existence probes that treat
// "missing" as a normal answer, tolerant directory removal, and du-like
// directory summaries.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/snev68/cubicle/names"
)

// TryExists reports whether path exists, distinguishing "does not exist"
// from probe errors.
func TryExists(path names.HostPath) (bool, error) {
	_, err := os.Lstat(path.String())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// TryIterdir returns the sorted entry names of a directory. A missing
// directory yields an empty list, not an error.
func TryIterdir(dir names.HostPath) ([]string, error) {
	entries, err := os.ReadDir(dir.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entryNames := make([]string, 0, len(entries))
	for _, e := range entries {
		entryNames = append(entryNames, e.Name())
	}
	sort.Strings(entryNames)
	return entryNames, nil
}

// Rmtree removes a directory tree. If the direct removal fails (read-only
// modes inside the tree, for instance), it falls back to rm -rf.
func Rmtree(path names.HostPath) error {
	if err := os.RemoveAll(path.String()); err == nil {
		return nil
	}
	cmd := exec.Command("rm", "-rf", path.String())
	return cmd.Run()
}

// DirSummary describes the disk usage of a directory tree.
type DirSummary struct {
	// Errors is set when parts of the tree could not be read; the
	// totals then under-report.
	Errors       bool
	TotalSize    uint64
	LastModified time.Time
}

// NewSummaryWithErrors returns an empty summary flagged as erroneous,
// used where a directory is missing or unreadable.
func NewSummaryWithErrors() DirSummary {
	return DirSummary{Errors: true}
}

// SummarizeDir walks a directory tree and accumulates total size and the
// latest modification time. Unreadable entries set Errors and are
// otherwise skipped.
func SummarizeDir(dir names.HostPath) (DirSummary, error) {
	summary := DirSummary{}
	root := dir.String()
	if _, err := os.Lstat(root); err != nil {
		return NewSummaryWithErrors(), err
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			summary.Errors = true
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			summary.Errors = true
			return nil
		}
		if info.Mode().IsRegular() {
			summary.TotalSize += uint64(info.Size())
		}
		if info.ModTime().After(summary.LastModified) {
			summary.LastModified = info.ModTime()
		}
		return nil
	})
	if err != nil {
		summary.Errors = true
	}
	return summary, nil
}
