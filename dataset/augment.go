package dataset

import (
	"math"
	"math/rand"
)

// Augmentation random transforms applied to training images
type Augmentation struct {
	RotationRange  float64 // degrees, uniform in [-r, r]
	WidthShift     float64 // fraction of the width
	HeightShift    float64 // fraction of the height
	HorizontalFlip bool
}

// DefaultAugmentation rotation 20, shifts 0.2 and horizontal flips
func DefaultAugmentation() Augmentation {
	return Augmentation{
		RotationRange:  20,
		WidthShift:     0.2,
		HeightShift:    0.2,
		HorizontalFlip: true,
	}
}

// None reports whether the augmentation is the identity
func (a Augmentation) None() bool {
	return a.RotationRange == 0 && a.WidthShift == 0 && a.HeightShift == 0 && !a.HorizontalFlip
}

// Apply transforms the channel-major size x size image src into dst.
// Points mapped outside the source take the nearest edge pixel.
func (a Augmentation) Apply(src []float32, size int, rng *rand.Rand, dst []float32) []float32 {
	plane := size * size
	if len(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]

	var sina, cosa float64 = 0, 1
	if a.RotationRange > 0 {
		angle := a.RotationRange * (math.Pi / 180) * (2*rng.Float64() - 1)
		sina, cosa = math.Sincos(angle)
	}
	var tx, ty float64
	if a.WidthShift > 0 {
		tx = a.WidthShift * float64(size) * (2*rng.Float64() - 1)
	}
	if a.HeightShift > 0 {
		ty = a.HeightShift * float64(size) * (2*rng.Float64() - 1)
	}
	flip := a.HorizontalFlip && rng.Float64() < 0.5

	c := float64(size-1) / 2
	last := float64(size - 1)
	for y := 0; y < size; y++ {
		ym := float64(y) - c
		for x := 0; x < size; x++ {
			xm := float64(x) - c
			sx := cosa*xm + sina*ym + c - tx
			sy := -sina*xm + cosa*ym + c - ty
			if flip {
				sx = last - sx
			}
			sx = clamp(sx, 0, last)
			sy = clamp(sy, 0, last)
			ix, iy := int(sx), int(sy)
			ix1, iy1 := minInt(ix+1, size-1), minInt(iy+1, size-1)
			xf, yf := float32(sx-float64(ix)), float32(sy-float64(iy))
			for ch := 0; ch*plane < len(src); ch++ {
				p := src[ch*plane : (ch+1)*plane]
				avg0 := p[ix+iy*size]*(1-xf) + p[ix1+iy*size]*xf
				avg1 := p[ix+iy1*size]*(1-xf) + p[ix1+iy1*size]*xf
				dst[ch*plane+x+y*size] = avg0*(1-yf) + avg1*yf
			}
		}
	}
	return dst
}

func clamp(x, x0, x1 float64) float64 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
