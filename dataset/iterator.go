package dataset

import (
	"context"
	"io"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/pkg/errors"
)

// Sample one labelled image file
type Sample struct {
	Path  string
	Label int
}

// Batch of images in NCHW order with binary labels.
// Only the first N entries are real samples, the rest pad the batch to full size.
type Batch struct {
	X     []float32
	Y     []float32
	N     int
	Paths []string
}

// Size number of entries including padding
func (b *Batch) Size() int {
	return len(b.Y)
}

// Options for NewIterator
type Options struct {
	Classes    []string // class sub-directories in label order; empty means all, sorted
	Extensions []string
	ImageSize  int
	BatchSize  int
	Shuffle    bool
	Augment    *Augmentation
	Workers    int
	Seed       int64
}

// Iterator walks a class-per-directory image tree in batches, like a keras directory flow
type Iterator struct {
	Root    string
	Classes []string
	Samples []Sample

	opts  Options
	order []int
	pos   int
	rng   *rand.Rand
	wrng  []*rand.Rand
}

// ScanDirectory lists the images under root/<class>/. Classes default to the sorted sub-directories.
func ScanDirectory(root string, classes []string, exts []string) ([]string, []Sample, error) {
	entries, err := ioutil.ReadDir(root)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scan dataset")
	}
	if len(classes) == 0 {
		for _, e := range entries {
			if e.IsDir() {
				classes = append(classes, e.Name())
			}
		}
		sort.Strings(classes)
	}
	if len(classes) == 0 {
		return nil, nil, errors.Errorf("no class directories under %s", root)
	}

	var samples []Sample
	for label, class := range classes {
		files, err := ioutil.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "scan class %s", class)
		}
		for _, f := range files {
			if f.Mode().IsRegular() && HasExt(f.Name(), exts) {
				samples = append(samples, Sample{
					Path:  filepath.Join(root, class, f.Name()),
					Label: label,
				})
			}
		}
	}
	return classes, samples, nil
}

// DefaultWorkers number of image loading goroutines
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// NewIterator scans root and prepares an iterator positioned at the start of the first epoch
func NewIterator(root string, opts Options) (*Iterator, error) {
	if opts.ImageSize < 1 || opts.BatchSize < 1 {
		return nil, errors.Errorf("invalid image size %d or batch size %d", opts.ImageSize, opts.BatchSize)
	}
	classes, samples, err := ScanDirectory(root, opts.Classes, opts.Extensions)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("no images found under %s", root)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	it := &Iterator{
		Root:    root,
		Classes: classes,
		Samples: samples,
		opts:    opts,
		order:   make([]int, len(samples)),
		rng:     rand.New(rand.NewSource(seed)),
	}
	for i := 0; i < opts.Workers; i++ {
		it.wrng = append(it.wrng, rand.New(rand.NewSource(it.rng.Int63())))
	}
	for i := range it.order {
		it.order[i] = i
	}
	it.Reset()

	return it, nil
}

// FromConfig builds the shuffled, augmented training iterator and the validation iterator
func FromConfig(cfg config.Config) (train, validation *Iterator, err error) {
	augment := DefaultAugmentation()
	train, err = NewIterator(cfg.TrainDir, Options{
		Classes:    cfg.Classes,
		Extensions: constants.ImageExtensions,
		ImageSize:  cfg.ImageSize,
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		Augment:    &augment,
		Workers:    cfg.Workers,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "training data")
	}

	validation, err = NewIterator(cfg.ValidationDir, Options{
		Classes:    cfg.Classes,
		Extensions: constants.ImageExtensions,
		ImageSize:  cfg.ImageSize,
		BatchSize:  cfg.BatchSize,
		Workers:    cfg.Workers,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "validation data")
	}

	return train, validation, nil
}

// Len number of samples
func (it *Iterator) Len() int {
	return len(it.Samples)
}

// BatchSize number of entries per batch
func (it *Iterator) BatchSize() int {
	return it.opts.BatchSize
}

// ImageSize side of the square network input
func (it *Iterator) ImageSize() int {
	return it.opts.ImageSize
}

// Batches number of batches per epoch
func (it *Iterator) Batches() int {
	return (len(it.Samples) + it.opts.BatchSize - 1) / it.opts.BatchSize
}

// Counts samples per class
func (it *Iterator) Counts() []int {
	counts := make([]int, len(it.Classes))
	for _, s := range it.Samples {
		counts[s.Label]++
	}
	return counts
}

// Reset starts a new epoch, reshuffling when enabled
func (it *Iterator) Reset() {
	it.pos = 0
	if it.opts.Shuffle {
		it.rng.Shuffle(len(it.order), func(i, j int) {
			it.order[i], it.order[j] = it.order[j], it.order[i]
		})
	}
}

// Next loads the next batch, returning io.EOF at the end of the epoch.
// A short final batch is filled up with samples from the start of the epoch order.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	if it.pos >= len(it.order) {
		return nil, io.EOF
	}
	bs := it.opts.BatchSize
	n := len(it.order) - it.pos
	if n > bs {
		n = bs
	}
	index := make([]int, bs)
	for i := range index {
		if i < n {
			index[i] = it.order[it.pos+i]
		} else {
			index[i] = it.order[(i-n)%len(it.order)]
		}
	}
	it.pos += n

	b, err := it.load(ctx, index)
	if err != nil {
		return nil, err
	}
	b.N = n
	return b, nil
}

// load reads the indexed samples in parallel, one random source per worker
func (it *Iterator) load(ctx context.Context, index []int) (*Batch, error) {
	size := it.opts.ImageSize
	stride := Channels * size * size
	b := &Batch{
		X:     make([]float32, len(index)*stride),
		Y:     make([]float32, len(index)),
		Paths: make([]string, len(index)),
	}

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		loadErr error
	)
	queue := make(chan int, len(it.wrng))
	for worker := range it.wrng {
		wg.Add(1)
		go func(rng *rand.Rand) {
			defer wg.Done()
			var tmp []float32
			for i := range queue {
				s := it.Samples[index[i]]
				dst := b.X[i*stride : (i+1)*stride]
				var err error
				if it.opts.Augment != nil && !it.opts.Augment.None() {
					if tmp, err = LoadImage(s.Path, size, tmp); err == nil {
						it.opts.Augment.Apply(tmp, size, rng, dst)
					}
				} else {
					_, err = LoadImage(s.Path, size, dst)
				}
				if err != nil {
					errOnce.Do(func() { loadErr = err })
					continue
				}
				b.Y[i] = float32(s.Label)
				b.Paths[i] = s.Path
			}
		}(it.wrng[worker])
	}
	for i := range index {
		if ctx.Err() != nil {
			break
		}
		queue <- i
	}
	close(queue)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b, loadErr
}
