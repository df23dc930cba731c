package dataset

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/maricarminate/Cats-vs-Dogs/config"
	"gotest.tools/assert"
)

func writeImage(t *testing.T, file string, w, h int, c color.Color) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(file), 0755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(file)
	assert.NilError(t, err)
	defer f.Close()
	if filepath.Ext(file) == ".jpg" {
		assert.NilError(t, jpeg.Encode(f, img, nil))
	} else {
		assert.NilError(t, png.Encode(f, img))
	}
}

func makeTree(t *testing.T, cats, dogs int) string {
	root := t.TempDir()
	for i := 0; i < cats; i++ {
		writeImage(t, filepath.Join(root, "cats", "cat."+string(rune('a'+i))+".png"), 20, 12, color.RGBA{R: 255, A: 255})
	}
	for i := 0; i < dogs; i++ {
		writeImage(t, filepath.Join(root, "dogs", "dog."+string(rune('a'+i))+".jpg"), 12, 20, color.RGBA{B: 255, A: 255})
	}
	// ignored entries
	assert.NilError(t, os.WriteFile(filepath.Join(root, "cats", "notes.txt"), []byte("x"), 0644))
	return root
}

func TestLoadImage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "red.png")
	writeImage(t, file, 30, 17, color.RGBA{R: 255, G: 0, B: 0, A: 255})

	px, err := LoadImage(file, 8, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(px), 3*8*8)
	for i := 0; i < 64; i++ {
		assert.Equal(t, px[i], float32(1))
		assert.Equal(t, px[64+i], float32(0))
		assert.Equal(t, px[128+i], float32(0))
	}
}

func TestDecodeFileRejectsGarbage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "broken.jpg")
	assert.NilError(t, os.WriteFile(file, []byte("definitely not a jpeg"), 0644))
	_, _, err := DecodeFile(file)
	assert.ErrorContains(t, err, "broken.jpg")
}

func TestHasExt(t *testing.T) {
	exts := []string{".jpg", ".png"}
	assert.Assert(t, HasExt("a.JPG", exts))
	assert.Assert(t, HasExt("dir/b.png", exts))
	assert.Assert(t, !HasExt("c.gif", exts))
	assert.Assert(t, !HasExt("jpg", exts))
	assert.Equal(t, Format("x.JPEG"), "jpeg")
}

func TestScanDirectory(t *testing.T) {
	root := makeTree(t, 3, 2)
	classes, samples, err := ScanDirectory(root, nil, []string{".jpg", ".png"})
	assert.NilError(t, err)
	assert.DeepEqual(t, classes, []string{"cats", "dogs"})
	assert.Equal(t, len(samples), 5)
	for _, s := range samples {
		if filepath.Base(filepath.Dir(s.Path)) == "dogs" {
			assert.Equal(t, s.Label, 1)
		} else {
			assert.Equal(t, s.Label, 0)
		}
	}

	_, _, err = ScanDirectory(filepath.Join(root, "missing"), nil, nil)
	assert.Assert(t, err != nil)
}

func TestIteratorEpoch(t *testing.T) {
	root := makeTree(t, 3, 2)
	it, err := NewIterator(root, Options{
		Extensions: []string{".jpg", ".png"},
		ImageSize:  6,
		BatchSize:  2,
		Shuffle:    true,
		Workers:    2,
		Seed:       7,
	})
	assert.NilError(t, err)
	assert.Equal(t, it.Len(), 5)
	assert.Equal(t, it.Batches(), 3)
	assert.DeepEqual(t, it.Counts(), []int{3, 2})

	for epoch := 0; epoch < 2; epoch++ {
		it.Reset()
		seen := map[string]int{}
		total := 0
		for {
			b, err := it.Next(context.Background())
			if err == io.EOF {
				break
			}
			assert.NilError(t, err)
			assert.Equal(t, b.Size(), 2)
			assert.Equal(t, len(b.X), 2*3*6*6)
			for i := 0; i < b.N; i++ {
				seen[b.Paths[i]]++
				isDog := filepath.Base(filepath.Dir(b.Paths[i])) == "dogs"
				assert.Equal(t, b.Y[i] == 1, isDog)
			}
			total += b.N
		}
		assert.Equal(t, total, 5)
		assert.Equal(t, len(seen), 5)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TrainDir = makeTree(t, 3, 2)
	cfg.ValidationDir = makeTree(t, 1, 1)
	cfg.ImageSize = 8
	cfg.BatchSize = 4
	cfg.Workers = 2
	cfg.Seed = 3

	train, validation, err := FromConfig(cfg)
	assert.NilError(t, err)
	assert.DeepEqual(t, train.Classes, []string{"cats", "dogs"})
	assert.DeepEqual(t, train.Counts(), []int{3, 2})
	assert.Assert(t, train.opts.Shuffle && train.opts.Augment != nil)
	assert.Equal(t, validation.Len(), 2)
	assert.Assert(t, !validation.opts.Shuffle && validation.opts.Augment == nil)

	cfg.ValidationDir = filepath.Join(t.TempDir(), "missing")
	_, _, err = FromConfig(cfg)
	assert.ErrorContains(t, err, "validation data")
}

func TestIteratorCancelled(t *testing.T) {
	root := makeTree(t, 2, 2)
	it, err := NewIterator(root, Options{Extensions: []string{".jpg", ".png"}, ImageSize: 4, BatchSize: 4, Workers: 1})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = it.Next(ctx)
	assert.Equal(t, err, context.Canceled)
}

func TestAugmentIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := make([]float32, 3*5*5)
	for i := range src {
		src[i] = rng.Float32()
	}
	dst := Augmentation{}.Apply(src, 5, rng, nil)
	assert.DeepEqual(t, dst, src)
}

func TestAugmentFlipAndRange(t *testing.T) {
	size := 4
	src := make([]float32, 3*size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			src[x+y*size] = float32(x) / 3
		}
	}
	rng := rand.New(rand.NewSource(3))
	flipped := false
	for i := 0; i < 20; i++ {
		dst := Augmentation{HorizontalFlip: true}.Apply(src, size, rng, nil)
		if dst[0] == 1 {
			flipped = true
			assert.Equal(t, dst[size-1], float32(0))
		}
	}
	assert.Assert(t, flipped)

	aug := DefaultAugmentation()
	for i := 0; i < 10; i++ {
		dst := aug.Apply(src, size, rng, nil)
		assert.Equal(t, len(dst), len(src))
		for _, v := range dst {
			assert.Assert(t, v >= -1e-6 && v <= 1+1e-6)
		}
	}
}
