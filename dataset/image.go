// Package dataset reads labelled image directories into normalised training batches.
package dataset

import (
	"bufio"
	"image"
	// registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Channels number of colour planes fed to the network
const Channels = 3

// Decode fully decodes an encoded image, returning the format name
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(bufio.NewReader(r))
	if err != nil {
		return nil, "", err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, format, errors.Errorf("empty %s image", format)
	}
	return img, format, nil
}

// DecodeFile opens and fully decodes an image file
func DecodeFile(file string) (image.Image, string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	img, format, err := Decode(f)
	if err != nil {
		return nil, "", errors.Wrapf(err, "decode %s", filepath.Base(file))
	}
	return img, format, nil
}

// Resize scales img to a size x size RGBA image using bilinear interpolation
func Resize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Pixels unpacks img into channel-major float32 planes rescaled to [0, 1]
func Pixels(img *image.RGBA, dst []float32) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	if len(dst) < Channels*plane {
		dst = make([]float32, Channels*plane)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			dst[i] = float32(img.Pix[off]) / 255
			dst[plane+i] = float32(img.Pix[off+1]) / 255
			dst[2*plane+i] = float32(img.Pix[off+2]) / 255
		}
	}
	return dst[:Channels*plane]
}

// LoadImage decodes file, resizes it to size x size and returns normalised pixels
func LoadImage(file string, size int, dst []float32) ([]float32, error) {
	img, _, err := DecodeFile(file)
	if err != nil {
		return nil, err
	}
	return Pixels(Resize(img, size), dst), nil
}

// HasExt reports whether name ends in one of exts, ignoring case
func HasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Format lower case file extension without the dot
func Format(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
