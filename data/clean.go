package data

import (
	"context"
	"os"
	"path/filepath"

	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/data/db"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/pkg/errors"
)

// ErrTooSmall image below the minimum side length
var ErrTooSmall = errors.New("image too small")

// CleanOptions which directories to check
type CleanOptions struct {
	Dirs    []string
	MinSide int
	DryRun  bool // report only, keep the files
}

// DirClean per directory counters of a clean run
type DirClean struct {
	Dir          string `json:"dir"`
	Missing      bool   `json:"missing"`
	Files        int    `json:"files"`
	Removed      int    `json:"removed"`
	DeleteErrors int    `json:"deleteErrors"`
	Remaining    int    `json:"remaining"`
}

// CleanResult outcome of Clean
type CleanResult struct {
	RunID        string     `json:"runId"`
	Dirs         []DirClean `json:"dirs"`
	Checked      int        `json:"checked"`
	OK           int        `json:"ok"`
	Removed      int        `json:"removed"`
	DeleteErrors int        `json:"deleteErrors"`
}

// VerifyImage decodes the whole file and checks both sides are at least minSide pixels
func VerifyImage(file string, minSide int) error {
	img, _, err := dataset.DecodeFile(file)
	if err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() < minSide || b.Dy() < minSide {
		return errors.Wrapf(ErrTooSmall, "%dx%d", b.Dx(), b.Dy())
	}
	return nil
}

// Clean deletes unreadable or undersized images from the given directories
func (dm *Manager) Clean(ctx context.Context, opts CleanOptions) (*CleanResult, error) {
	exts := constants.ImageExtensions
	result := &CleanResult{RunID: newRunID()}
	dm.banner("CHECKING AND CLEANING CORRUPTED IMAGES")

	for _, dir := range opts.Dirs {
		dc := DirClean{Dir: dir}
		names, err := ListImages(dir, exts)
		if err != nil {
			dm.printf("\n   Folder not found: %s\n", dir)
			dc.Missing = true
			result.Dirs = append(result.Dirs, dc)
			continue
		}

		dm.printf("\nChecking: %s\n", dir)
		dm.printf("   Total files: %d\n", len(names))
		dc.Files = len(names)

		for i, name := range names {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			file := filepath.Join(dir, name)
			result.Checked++
			if (i+1)%constants.CleanProgressEvery == 0 {
				dm.printf("   Checked: %d/%d...\n", i+1, len(names))
			}

			verr := VerifyImage(file, opts.MinSide)
			if verr == nil {
				result.OK++
				continue
			}

			dm.printf("   Removing: %s\n", name)
			dm.printf("      Reason: %s\n", verr)
			if !opts.DryRun {
				if err := os.Remove(file); err != nil {
					dm.printf("      Error removing: %s\n", err)
					dc.DeleteErrors++
					result.DeleteErrors++
					continue
				}
			}
			dc.Removed++
			result.Removed++
			if opts.DryRun {
				continue
			}
			dm.record(db.Item{
				RunID:      result.RunID,
				Operation:  db.OpClean,
				Label:      filepath.Base(dir),
				Split:      filepath.Base(filepath.Dir(dir)),
				Filename:   name,
				FileFormat: dataset.Format(name),
				FilePath:   file,
				Detail:     verr.Error(),
			})
		}

		dc.Remaining = dc.Files - dc.Removed
		if dc.Removed == 0 {
			dm.printf("   All %d images are OK\n", dc.Files)
		} else {
			dm.printf("   Removed: %d images\n", dc.Removed)
			dm.printf("   Remaining: %d images\n", dc.Remaining)
		}
		result.Dirs = append(result.Dirs, dc)
	}

	dm.printCleanSummary(result, opts)

	return result, nil
}

func (dm *Manager) printCleanSummary(r *CleanResult, opts CleanOptions) {
	dm.banner("CLEANING SUMMARY")
	dm.printf("\n   Total checked: %d\n", r.Checked)
	dm.printf("   Images OK: %d\n", r.OK)
	dm.printf("   Images removed: %d\n", r.Removed)
	if r.Removed > 0 {
		if opts.DryRun {
			dm.printf("\n   %d corrupted images found (dry run, nothing deleted)\n", r.Removed)
		} else {
			dm.printf("\n   %d corrupted images were removed\n", r.Removed)
		}
		dm.printf("   Removed share: %.2f%%\n", float64(r.Removed)/float64(r.Checked)*100)
	} else {
		dm.printf("\n   No corrupted images found\n")
	}

	dm.banner("FINAL COUNT")
	for _, dir := range opts.Dirs {
		if n, err := CountImages(dir, constants.ImageExtensions); err == nil {
			dm.printf("   %s: %d images\n", dir, n)
		}
	}
	dm.banner("CLEANING COMPLETED")
}
