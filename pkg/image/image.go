// Package image holds the pipeline-side view of images: N-dimensional sizes,
// regions, multi-band pixel access and the copy routines between image regions
// and engine tensors.
//
// Dimensions are ordered x first, as the pipeline addresses pixels. Tensors
// use the engine layout [tile, ..., y, x, components].
package image

import (
	"errors"
	"fmt"
	"slices"
)

// ErrOutsideImage is returned when a requested region is not fully contained in an image.
var ErrOutsideImage = errors.New("region outside image")

// Size is an extent per dimension.
type Size []int

// Validate checks that every extent is strictly positive.
func (s Size) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("size has no dimensions")
	}
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("size %v: dimension %d must be positive", s, i)
		}
	}
	return nil
}

// NumPixels is the product of all extents.
func (s Size) NumPixels() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Index addresses one pixel.
type Index []int

// Region is an axis-aligned block of pixels.
type Region struct {
	Index Index
	Size  Size
}

// CenteredRegion returns the region of the given size centred on center.
// For even extents the centre falls on the pixel right of the middle.
func CenteredRegion(center Index, size Size) Region {
	start := make(Index, len(size))
	for i := range size {
		start[i] = center[i] - size[i]/2
	}
	return Region{Index: start, Size: slices.Clone(size)}
}

// Contains reports whether r lies entirely within o.
func (o Region) Contains(r Region) bool {
	if len(r.Index) != len(o.Index) || len(r.Size) != len(o.Size) {
		return false
	}
	for i := range o.Index {
		if r.Index[i] < o.Index[i] || r.Index[i]+r.Size[i] > o.Index[i]+o.Size[i] {
			return false
		}
	}
	return true
}

func (r Region) String() string {
	return fmt.Sprintf("index=%v size=%v", r.Index, r.Size)
}

// Image is a borrowed, read-only multi-band image.
type Image interface {
	LargestRegion() Region
	Components() int
	Spacing() []float64
	Origin() []float64

	// ReadRegion returns the pixels of r, x varying fastest and components interleaved.
	ReadRegion(r Region) ([]float32, error)
}

// Spec is what downstream consumers need to allocate an image.
type Spec struct {
	Size       Size
	Components int
	Spacing    []float64
	Origin     []float64
}
