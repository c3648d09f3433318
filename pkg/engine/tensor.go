package engine

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// DataType is the element type of a tensor.
type DataType string

const (
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Uint8   DataType = "uint8"
	Bool    DataType = "bool"
)

// ParseDataType accepts the names used in graph definitions and stage configs.
func ParseDataType(s string) (DataType, error) {
	switch DataType(strings.ToLower(s)) {
	case Float32, "float":
		return Float32, nil
	case Float64, "double":
		return Float64, nil
	case Int32, "int":
		return Int32, nil
	case Int64:
		return Int64, nil
	case Uint8:
		return Uint8, nil
	case Bool:
		return Bool, nil
	}
	return "", fmt.Errorf("unsupported data type %q", s)
}

// Shape is a tensor shape. A dimension of -1 is unknown.
type Shape []int64

// NumElements returns the number of elements, or -1 if any dimension is unknown.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// Compatible reports whether a concrete shape o matches s, treating -1 in s as a wildcard.
func (s Shape) Compatible(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i, d := range s {
		if d >= 0 && d != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d < 0 {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprint(d)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Tensor is a typed, shaped value exchanged with the engine.
// Exactly one of the storage slices is populated, matching DType.
type Tensor struct {
	DType DataType
	Shape Shape

	f32 []float32
	f64 []float64
	i32 []int32
	i64 []int64
	u8  []uint8
	b   []bool
}

// NewTensor allocates a zero-valued tensor.
func NewTensor(dtype DataType, shape Shape) (*Tensor, error) {
	n := shape.NumElements()
	if n < 0 {
		return nil, fmt.Errorf("cannot allocate tensor with unknown shape %v", shape)
	}
	t := &Tensor{DType: dtype, Shape: slices.Clone(shape)}
	switch dtype {
	case Float32:
		t.f32 = make([]float32, n)
	case Float64:
		t.f64 = make([]float64, n)
	case Int32:
		t.i32 = make([]int32, n)
	case Int64:
		t.i64 = make([]int64, n)
	case Uint8:
		t.u8 = make([]uint8, n)
	case Bool:
		t.b = make([]bool, n)
	default:
		return nil, fmt.Errorf("unsupported data type %q", dtype)
	}
	return t, nil
}

// FromFloat32s wraps values without copying.
func FromFloat32s(shape Shape, values []float32) (*Tensor, error) {
	if err := checkLen(shape, len(values)); err != nil {
		return nil, err
	}
	return &Tensor{DType: Float32, Shape: slices.Clone(shape), f32: values}, nil
}

func FromInt32s(shape Shape, values []int32) (*Tensor, error) {
	if err := checkLen(shape, len(values)); err != nil {
		return nil, err
	}
	return &Tensor{DType: Int32, Shape: slices.Clone(shape), i32: values}, nil
}

func FromInt64s(shape Shape, values []int64) (*Tensor, error) {
	if err := checkLen(shape, len(values)); err != nil {
		return nil, err
	}
	return &Tensor{DType: Int64, Shape: slices.Clone(shape), i64: values}, nil
}

func FromBools(shape Shape, values []bool) (*Tensor, error) {
	if err := checkLen(shape, len(values)); err != nil {
		return nil, err
	}
	return &Tensor{DType: Bool, Shape: slices.Clone(shape), b: values}, nil
}

// FromFloat64s converts values into a tensor of the given dtype.
func FromFloat64s(dtype DataType, shape Shape, values []float64) (*Tensor, error) {
	if err := checkLen(shape, len(values)); err != nil {
		return nil, err
	}
	t, err := NewTensor(dtype, shape)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		t.set(i, v)
	}
	return t, nil
}

func checkLen(shape Shape, n int) error {
	want := shape.NumElements()
	if want != int64(n) {
		return fmt.Errorf("shape %v holds %d elements, but %d values were provided", shape, want, n)
	}
	return nil
}

// Len returns the number of stored elements.
func (t *Tensor) Len() int {
	switch t.DType {
	case Float32:
		return len(t.f32)
	case Float64:
		return len(t.f64)
	case Int32:
		return len(t.i32)
	case Int64:
		return len(t.i64)
	case Uint8:
		return len(t.u8)
	case Bool:
		return len(t.b)
	}
	return 0
}

// Float32s returns the backing storage of a float32 tensor.
func (t *Tensor) Float32s() []float32 { return t.f32 }

// Int32s returns the backing storage of an int32 tensor.
func (t *Tensor) Int32s() []int32 { return t.i32 }

// Int64s returns the backing storage of an int64 tensor.
func (t *Tensor) Int64s() []int64 { return t.i64 }

// Bools returns the backing storage of a bool tensor.
func (t *Tensor) Bools() []bool { return t.b }

// At returns element i converted to float64. Bools map to 0 and 1.
func (t *Tensor) At(i int) float64 {
	switch t.DType {
	case Float32:
		return float64(t.f32[i])
	case Float64:
		return t.f64[i]
	case Int32:
		return float64(t.i32[i])
	case Int64:
		return float64(t.i64[i])
	case Uint8:
		return float64(t.u8[i])
	case Bool:
		if t.b[i] {
			return 1
		}
		return 0
	}
	return math.NaN()
}

func (t *Tensor) set(i int, v float64) {
	switch t.DType {
	case Float32:
		t.f32[i] = float32(v)
	case Float64:
		t.f64[i] = v
	case Int32:
		t.i32[i] = int32(v)
	case Int64:
		t.i64[i] = int64(v)
	case Uint8:
		t.u8[i] = uint8(v)
	case Bool:
		t.b[i] = v != 0
	}
}

// Float64s returns a converted copy of all elements.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, t.Len())
	for i := range out {
		out[i] = t.At(i)
	}
	return out
}

// Cast returns t converted to dtype. It returns t itself when no conversion is needed.
func (t *Tensor) Cast(dtype DataType) (*Tensor, error) {
	if t.DType == dtype {
		return t, nil
	}
	return FromFloat64s(dtype, t.Shape, t.Float64s())
}

// Convert is Cast that fails instead of changing a value: non-integral numbers
// or values out of range for integer types, and anything but 0 or 1 for bool.
func (t *Tensor) Convert(dtype DataType) (*Tensor, error) {
	if t.DType == dtype {
		return t, nil
	}
	values := t.Float64s()
	for i, v := range values {
		if err := checkRepresentable(dtype, v); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return FromFloat64s(dtype, t.Shape, values)
}

func checkRepresentable(dtype DataType, v float64) error {
	var lo, hi float64
	switch dtype {
	case Float32:
		if math.Abs(v) > math.MaxFloat32 && !math.IsInf(v, 0) {
			return fmt.Errorf("%g overflows float32", v)
		}
		return nil
	case Float64:
		return nil
	case Bool:
		if v != 0 && v != 1 {
			return fmt.Errorf("%g is not a bool (0 or 1)", v)
		}
		return nil
	case Int32:
		lo, hi = math.MinInt32, math.MaxInt32
	case Int64:
		lo, hi = math.MinInt64, math.MaxInt64
	case Uint8:
		lo, hi = 0, math.MaxUint8
	default:
		return fmt.Errorf("unsupported data type %q", dtype)
	}
	if v != math.Trunc(v) {
		return fmt.Errorf("%g is not an integer, required by %s", v, dtype)
	}
	// float64(MaxInt64) rounds up to 2^63, which is already out of range.
	if v < lo || v > hi || (dtype == Int64 && v >= hi) {
		return fmt.Errorf("%g is out of range for %s", v, dtype)
	}
	return nil
}

// Reshape returns a tensor sharing storage with t under a new shape.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if err := checkLen(shape, t.Len()); err != nil {
		return nil, err
	}
	out := *t
	out.Shape = slices.Clone(shape)
	return &out, nil
}

// Stats is a short numeric summary used in debug output.
type Stats struct {
	Min, Max, Mean float64
	Head           []float64
}

// Summarize computes min, max, mean and the first n elements.
func (t *Tensor) Summarize(n int) Stats {
	count := t.Len()
	if count == 0 {
		return Stats{}
	}
	s := Stats{Min: t.At(0), Max: t.At(0)}
	var sum float64
	for i := 0; i < count; i++ {
		v := t.At(i)
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		sum += v
	}
	s.Mean = sum / float64(count)
	for i := 0; i < count && i < n; i++ {
		s.Head = append(s.Head, t.At(i))
	}
	return s
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.DType, t.Shape)
}
