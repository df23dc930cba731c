package data

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/data/db"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/pkg/errors"
)

// SplitOptions where to move the validation share from
type SplitOptions struct {
	TrainDir      string
	ValidationDir string
	Classes       []string
	Fraction      float64
	Seed          int64 // 0 picks a time based seed
}

// ClassSplit per class counters of a split run
type ClassSplit struct {
	Class           string `json:"class"`
	Before          int    `json:"before"`
	Selected        int    `json:"selected"`
	Moved           int    `json:"moved"`
	Errors          int    `json:"errors"`
	TrainAfter      int    `json:"trainAfter"`
	ValidationAfter int    `json:"validationAfter"`
}

// SplitResult outcome of Split
type SplitResult struct {
	RunID   string       `json:"runId"`
	Classes []ClassSplit `json:"classes"`
}

// Totals sums train and validation images over all classes after the split
func (r *SplitResult) Totals() (train, validation int) {
	for _, c := range r.Classes {
		train += c.TrainAfter
		validation += c.ValidationAfter
	}
	return
}

// Split moves a random fraction of every training class into the validation tree
func (dm *Manager) Split(ctx context.Context, opts SplitOptions) (*SplitResult, error) {
	if opts.Fraction <= 0 || opts.Fraction >= 1 {
		return nil, errors.Errorf("validation fraction must be in (0, 1), got %g", opts.Fraction)
	}
	exts := constants.SplitExtensions
	dm.banner("SPLITTING TRAINING AND VALIDATION DATA")

	dm.printf("\n[1/4] Creating validation folders...\n")
	for _, class := range opts.Classes {
		dir := filepath.Join(opts.ValidationDir, class)
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrap(err, "create validation folder")
		}
		dm.printf("   %s\n", dir)
	}

	dm.printf("\n[2/4] Counting images...\n")
	files := make([][]string, len(opts.Classes))
	for i, class := range opts.Classes {
		dir := filepath.Join(opts.TrainDir, class)
		names, err := ListImages(dir, exts)
		if err != nil {
			return nil, errors.Wrapf(err, "training folder not found, images are expected in %s/<class>/", opts.TrainDir)
		}
		files[i] = names
		dm.printf("   %s in train: %d\n", class, len(names))
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	result := &SplitResult{RunID: newRunID()}
	dm.printf("\n[3/4] Moving images to validation...\n")
	dm.printf("   %.0f%% of each class goes to validation\n", opts.Fraction*100)
	for i, class := range opts.Classes {
		cs := ClassSplit{
			Class:    class,
			Before:   len(files[i]),
			Selected: int(float64(len(files[i])) * opts.Fraction),
		}
		dm.printf("   %s: %d images\n", class, cs.Selected)
		result.Classes = append(result.Classes, cs)
	}

	for i, class := range opts.Classes {
		cs := &result.Classes[i]
		names := files[i]
		rng.Shuffle(len(names), func(a, b int) { names[a], names[b] = names[b], names[a] })

		dm.printf("\n   Moving %d images of %s...\n", cs.Selected, class)
		for _, name := range names[:cs.Selected] {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			src := filepath.Join(opts.TrainDir, class, name)
			dst := filepath.Join(opts.ValidationDir, class, name)
			if err := moveFile(src, dst); err != nil {
				cs.Errors++
				continue
			}
			cs.Moved++
			if cs.Moved%constants.SplitProgressEvery == 0 {
				dm.printf("      %d/%d moved...\n", cs.Moved, cs.Selected)
			}
			dm.record(db.Item{
				RunID:      result.RunID,
				Operation:  db.OpSplit,
				Label:      class,
				Split:      "validation",
				Filename:   name,
				FileFormat: dataset.Format(name),
				FilePath:   dst,
				Detail:     "moved from " + src,
			})
		}
		dm.printf("   %d images moved\n", cs.Moved)
		if cs.Errors > 0 {
			dm.printf("   %d errors\n", cs.Errors)
		}
	}

	dm.printf("\n[4/4] Checking final result...\n")
	for i, class := range opts.Classes {
		cs := &result.Classes[i]
		var err error
		if cs.TrainAfter, err = CountImages(filepath.Join(opts.TrainDir, class), exts); err != nil {
			return result, errors.Wrap(err, "recount train")
		}
		if cs.ValidationAfter, err = CountImages(filepath.Join(opts.ValidationDir, class), exts); err != nil {
			return result, errors.Wrap(err, "recount validation")
		}
	}
	dm.printSplitSummary(result)

	return result, nil
}

func (dm *Manager) printSplitSummary(r *SplitResult) {
	dm.banner("FINAL SUMMARY")
	train, validation := r.Totals()

	dm.printf("\nTRAIN:\n")
	for _, c := range r.Classes {
		dm.printf("   %s: %d images\n", c.Class, c.TrainAfter)
	}
	dm.printf("   Total: %d images\n", train)

	dm.printf("\nVALIDATION:\n")
	for _, c := range r.Classes {
		dm.printf("   %s: %d images\n", c.Class, c.ValidationAfter)
	}
	dm.printf("   Total: %d images\n", validation)
	dm.banner("SPLIT COMPLETED")
}
