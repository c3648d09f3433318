package image

import (
	"fmt"

	"github.com/justinsb/tensorstage/pkg/engine"
)

// TensorShape returns the engine shape [tiles, ..., y, x, components] for a region size.
func TensorShape(tiles int64, size Size, components int) engine.Shape {
	shape := make(engine.Shape, 0, len(size)+2)
	shape = append(shape, tiles)
	for d := len(size) - 1; d >= 0; d-- {
		shape = append(shape, int64(size[d]))
	}
	return append(shape, int64(components))
}

// ToTensor copies region r of img into a single-tile tensor of the given dtype.
func ToTensor(img Image, r Region, dtype engine.DataType) (*engine.Tensor, error) {
	if err := r.Size.Validate(); err != nil {
		return nil, err
	}
	pixels, err := img.ReadRegion(r)
	if err != nil {
		return nil, err
	}
	t, err := engine.FromFloat32s(TensorShape(1, r.Size, img.Components()), pixels)
	if err != nil {
		return nil, fmt.Errorf("copying region %v to tensor: %w", r, err)
	}
	return t.Cast(dtype)
}

// FromTensor copies one tile of a [tiles, ..., y, x, components] tensor into a new Buffer.
func FromTensor(t *engine.Tensor, tile int) (*Buffer, error) {
	if len(t.Shape) < 3 {
		return nil, fmt.Errorf("tensor shape %v is not [tiles, spatial..., components]", t.Shape)
	}
	if tile < 0 || int64(tile) >= t.Shape[0] {
		return nil, fmt.Errorf("tile %d out of range for shape %v", tile, t.Shape)
	}
	spatial := t.Shape[1 : len(t.Shape)-1]
	size := make(Size, len(spatial))
	for i := range spatial {
		size[i] = int(spatial[len(spatial)-1-i])
	}
	components := int(t.Shape[len(t.Shape)-1])
	b, err := NewBuffer(size, components)
	if err != nil {
		return nil, err
	}
	start := tile * len(b.pixels)
	for i := range b.pixels {
		b.pixels[i] = float32(t.At(start + i))
	}
	return b, nil
}
