package fallback

import (
	"fmt"
	"math"
	"slices"

	"github.com/justinsb/tensorstage/pkg/engine"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	opPlaceholder = "placeholder"
	opConst       = "const"
	opIdentity    = "identity"
	opCast        = "cast"
	opAdd         = "add"
	opMul         = "mul"
	opRMSNorm     = "rms_norm"
	opCenterCrop  = "center_crop"
	opMeanPool    = "mean_pool"
	opConcat      = "concat"
	opCounter     = "counter"
)

type computeFunc func(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error)

type op struct {
	// minInputs and maxInputs bound the number of inputs; maxInputs < 0 is unbounded.
	minInputs, maxInputs int
	validate             func(def NodeDef) error
	compute              computeFunc
}

func (o op) check(def NodeDef) error {
	n := len(def.Inputs)
	if n < o.minInputs || (o.maxInputs >= 0 && n > o.maxInputs) {
		return fmt.Errorf("op %q takes %d..%d inputs, got %d", def.Op, o.minInputs, o.maxInputs, n)
	}
	if o.validate != nil {
		return o.validate(def)
	}
	return nil
}

var ops map[string]op

func init() {
	ops = map[string]op{
		opPlaceholder: {minInputs: 0, maxInputs: 0, validate: requireDType, compute: computePlaceholder},
		opConst:       {minInputs: 0, maxInputs: 0, validate: requireDType, compute: computeConst},
		opIdentity:    {minInputs: 1, maxInputs: 1, compute: computeIdentity},
		opCast:        {minInputs: 1, maxInputs: 1, validate: requireDType, compute: computeCast},
		opAdd:         {minInputs: 2, maxInputs: 2, compute: elementwise(func(a, b float64) float64 { return a + b })},
		opMul:         {minInputs: 2, maxInputs: 2, compute: elementwise(func(a, b float64) float64 { return a * b })},
		opRMSNorm:     {minInputs: 1, maxInputs: 1, compute: computeRMSNorm},
		opCenterCrop:  {minInputs: 1, maxInputs: 1, validate: validateCenterCrop, compute: computeCenterCrop},
		opMeanPool:    {minInputs: 1, maxInputs: 1, validate: validateMeanPool, compute: computeMeanPool},
		opConcat:      {minInputs: 1, maxInputs: -1, compute: computeConcat},
		opCounter:     {minInputs: 0, maxInputs: -1, compute: computeCounter},
	}
}

func requireDType(def NodeDef) error {
	if def.DType == "" {
		return fmt.Errorf("op %q requires dtype", def.Op)
	}
	return nil
}

func validateCenterCrop(def NodeDef) error {
	if len(def.Size) == 0 {
		return fmt.Errorf("center_crop requires size")
	}
	for _, d := range def.Size {
		if d <= 0 {
			return fmt.Errorf("center_crop size must be positive, got %v", def.Size)
		}
	}
	return nil
}

func validateMeanPool(def NodeDef) error {
	if def.Factor <= 0 {
		return fmt.Errorf("mean_pool factor must be positive, got %d", def.Factor)
	}
	return nil
}

func computePlaceholder(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	return nil, status.Errorf(codes.InvalidArgument, "you must feed a value for placeholder %q with dtype %s and shape %v", n.def.Name, n.dtype, n.shape)
}

func computeConst(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	return engine.FromFloat64s(n.dtype, engine.Shape{}, []float64{n.def.Value})
}

func computeIdentity(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	return inputs[0], nil
}

func computeCast(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	return inputs[0].Cast(n.dtype)
}

// elementwise applies f to two tensors of the same dtype. A single-element
// operand is broadcast against the other.
func elementwise(f func(a, b float64) float64) computeFunc {
	return func(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
		a, b := inputs[0], inputs[1]
		if a.DType != b.DType {
			return nil, fmt.Errorf("operand types differ: %s and %s", a.DType, b.DType)
		}
		shape := a.Shape
		switch {
		case slices.Equal(a.Shape, b.Shape):
		case b.Len() == 1:
		case a.Len() == 1:
			shape = b.Shape
		default:
			return nil, fmt.Errorf("incompatible shapes %v and %v", a.Shape, b.Shape)
		}
		out := make([]float64, shape.NumElements())
		for i := range out {
			out[i] = f(a.At(broadcastIndex(a, i)), b.At(broadcastIndex(b, i)))
		}
		return engine.FromFloat64s(a.DType, shape, out)
	}
}

func broadcastIndex(t *engine.Tensor, i int) int {
	if t.Len() == 1 {
		return 0
	}
	return i
}

func computeRMSNorm(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	source := inputs[0]
	if source.DType != engine.Float32 && source.DType != engine.Float64 {
		return nil, fmt.Errorf("rms_norm requires a floating point input, got %s", source.DType)
	}
	epsilon := float32(1e-5)
	if v := n.def.Epsilon; v != 0 {
		epsilon = v
	}

	values := source.Float64s()
	if len(values) == 0 {
		return source, nil
	}
	sum_x2 := float64(0)
	for _, v := range values {
		sum_x2 += v * v
	}
	mean := sum_x2 / float64(len(values))
	rms := 1.0 / math.Sqrt(mean+float64(epsilon))
	for i := range values {
		values[i] *= rms
	}
	return engine.FromFloat64s(source.DType, source.Shape, values)
}

// Spatial ops work on [batch, spatial..., channels] tensors.
func spatialRank(t *engine.Tensor) (int, error) {
	if len(t.Shape) < 3 {
		return 0, fmt.Errorf("expected a [batch, spatial..., channels] tensor, got shape %v", t.Shape)
	}
	return len(t.Shape) - 2, nil
}

func computeCenterCrop(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	in := inputs[0]
	rank, err := spatialRank(in)
	if err != nil {
		return nil, err
	}
	if len(n.def.Size) != rank {
		return nil, fmt.Errorf("crop size %v does not match %d spatial dimensions of %v", n.def.Size, rank, in.Shape)
	}
	outShape := slices.Clone(in.Shape)
	offsets := make([]int64, len(in.Shape))
	for i, size := range n.def.Size {
		if size > in.Shape[i+1] {
			return nil, fmt.Errorf("crop size %v larger than input %v", n.def.Size, in.Shape)
		}
		outShape[i+1] = size
		offsets[i+1] = (in.Shape[i+1] - size) / 2
	}

	inStrides := strides(in.Shape)
	out := make([]float64, outShape.NumElements())
	coords := make([]int64, len(outShape))
	for i := range out {
		unravel(int64(i), outShape, coords)
		src := int64(0)
		for d, coord := range coords {
			src += (coord + offsets[d]) * inStrides[d]
		}
		out[i] = in.At(int(src))
	}
	return engine.FromFloat64s(in.DType, outShape, out)
}

func computeMeanPool(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	in := inputs[0]
	rank, err := spatialRank(in)
	if err != nil {
		return nil, err
	}
	factor := n.def.Factor
	outShape := slices.Clone(in.Shape)
	for d := 1; d <= rank; d++ {
		if in.Shape[d]%factor != 0 {
			return nil, fmt.Errorf("spatial dimension %d of %v is not divisible by %d", d, in.Shape, factor)
		}
		outShape[d] = in.Shape[d] / factor
	}

	outStrides := strides(outShape)
	sums := make([]float64, outShape.NumElements())
	coords := make([]int64, len(in.Shape))
	for i := 0; i < in.Len(); i++ {
		unravel(int64(i), in.Shape, coords)
		dst := int64(0)
		for d, coord := range coords {
			if d >= 1 && d <= rank {
				coord /= factor
			}
			dst += coord * outStrides[d]
		}
		sums[dst] += in.At(i)
	}
	window := math.Pow(float64(factor), float64(rank))
	for i := range sums {
		sums[i] /= window
	}
	return engine.FromFloat64s(in.DType, outShape, sums)
}

func computeConcat(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	first := inputs[0]
	last := len(first.Shape) - 1
	if last < 0 {
		return nil, fmt.Errorf("cannot concatenate scalars")
	}
	outShape := slices.Clone(first.Shape)
	outShape[last] = 0
	for _, in := range inputs {
		if in.DType != first.DType {
			return nil, fmt.Errorf("operand types differ: %s and %s", first.DType, in.DType)
		}
		if len(in.Shape) != len(first.Shape) || !slices.Equal(in.Shape[:last], first.Shape[:last]) {
			return nil, fmt.Errorf("incompatible shapes %v and %v", first.Shape, in.Shape)
		}
		outShape[last] += in.Shape[last]
	}

	rows := int(outShape.NumElements() / max(outShape[last], 1))
	out := make([]float64, 0, outShape.NumElements())
	for row := 0; row < rows; row++ {
		for _, in := range inputs {
			width := int(in.Shape[last])
			for j := 0; j < width; j++ {
				out = append(out, in.At(row*width+j))
			}
		}
	}
	return engine.FromFloat64s(first.DType, outShape, out)
}

// computeCounter increments a per-session counter; its inputs only order it after other nodes.
func computeCounter(c *calculationScope, n *node, inputs []*engine.Tensor) (*engine.Tensor, error) {
	value := c.session.increment(n.def.Name)
	return engine.FromInt64s(engine.Shape{}, []int64{value})
}

func strides(shape engine.Shape) []int64 {
	out := make([]int64, len(shape))
	stride := int64(1)
	for d := len(shape) - 1; d >= 0; d-- {
		out[d] = stride
		stride *= shape[d]
	}
	return out
}

func unravel(i int64, shape engine.Shape, coords []int64) {
	for d := len(shape) - 1; d >= 0; d-- {
		coords[d] = i % shape[d]
		i /= shape[d]
	}
}
