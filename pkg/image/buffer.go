package image

import (
	"fmt"
	"slices"
)

// Buffer is an in-memory image.
type Buffer struct {
	region     Region
	components int
	spacing    []float64
	origin     []float64
	pixels     []float32
}

var _ Image = (*Buffer)(nil)

// NewBuffer allocates a zero-filled image starting at the origin index with unit spacing.
func NewBuffer(size Size, components int) (*Buffer, error) {
	if err := size.Validate(); err != nil {
		return nil, err
	}
	if components <= 0 {
		return nil, fmt.Errorf("components must be positive, got %d", components)
	}
	spacing := make([]float64, len(size))
	for i := range spacing {
		spacing[i] = 1
	}
	return &Buffer{
		region:     Region{Index: make(Index, len(size)), Size: slices.Clone(size)},
		components: components,
		spacing:    spacing,
		origin:     make([]float64, len(size)),
		pixels:     make([]float32, size.NumPixels()*components),
	}, nil
}

func (b *Buffer) LargestRegion() Region {
	return Region{Index: slices.Clone(b.region.Index), Size: slices.Clone(b.region.Size)}
}

func (b *Buffer) Components() int    { return b.components }
func (b *Buffer) Spacing() []float64 { return slices.Clone(b.spacing) }
func (b *Buffer) Origin() []float64  { return slices.Clone(b.origin) }

// Pixels exposes the backing storage, x fastest and components interleaved.
func (b *Buffer) Pixels() []float32 { return b.pixels }

func (b *Buffer) SetSpacing(s []float64) { b.spacing = slices.Clone(s) }
func (b *Buffer) SetOrigin(o []float64)  { b.origin = slices.Clone(o) }

// Fill sets every component of every pixel to v.
func (b *Buffer) Fill(v float32) {
	for i := range b.pixels {
		b.pixels[i] = v
	}
}

func (b *Buffer) offset(idx Index) (int, error) {
	if len(idx) != len(b.region.Size) {
		return 0, fmt.Errorf("index %v has %d dimensions, image has %d", idx, len(idx), len(b.region.Size))
	}
	offset := 0
	stride := 1
	for d := range idx {
		p := idx[d] - b.region.Index[d]
		if p < 0 || p >= b.region.Size[d] {
			return 0, fmt.Errorf("index %v: %w", idx, ErrOutsideImage)
		}
		offset += p * stride
		stride *= b.region.Size[d]
	}
	return offset * b.components, nil
}

// Pixel returns the components at idx.
func (b *Buffer) Pixel(idx Index) ([]float32, error) {
	offset, err := b.offset(idx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(b.pixels[offset : offset+b.components]), nil
}

// SetPixel writes the components at idx.
func (b *Buffer) SetPixel(idx Index, values ...float32) error {
	if len(values) != b.components {
		return fmt.Errorf("pixel has %d components, got %d values", b.components, len(values))
	}
	offset, err := b.offset(idx)
	if err != nil {
		return err
	}
	copy(b.pixels[offset:], values)
	return nil
}

func (b *Buffer) ReadRegion(r Region) ([]float32, error) {
	if !b.region.Contains(r) {
		return nil, fmt.Errorf("reading %v from image %v: %w", r, b.region, ErrOutsideImage)
	}
	out := make([]float32, 0, r.Size.NumPixels()*b.components)
	idx := slices.Clone(r.Index)
	rowLen := r.Size[0] * b.components
	for n := 0; n < r.Size.NumPixels()/r.Size[0]; n++ {
		offset, err := b.offset(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, b.pixels[offset:offset+rowLen]...)
		// advance to the next row, x excluded
		for d := 1; d < len(idx); d++ {
			idx[d]++
			if idx[d] < r.Index[d]+r.Size[d] {
				break
			}
			idx[d] = r.Index[d]
		}
	}
	return out, nil
}
