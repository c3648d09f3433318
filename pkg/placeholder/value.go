package placeholder

import (
	"fmt"
	"strings"

	"github.com/justinsb/tensorstage/pkg/engine"
)

// Kind is the element kind of a Value.
type Kind int

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DataType is the engine type a Kind is fed as.
func (k Kind) DataType() engine.DataType {
	switch k {
	case KindBool:
		return engine.Bool
	case KindInt:
		return engine.Int32
	default:
		return engine.Float32
	}
}

// Value is a parsed scalar or 1-D array. Only the slice matching Kind is set.
type Value struct {
	Kind  Kind
	Array bool

	Bools  []bool
	Ints   []int32
	Floats []float32
}

func (v Value) Len() int {
	switch v.Kind {
	case KindBool:
		return len(v.Bools)
	case KindInt:
		return len(v.Ints)
	case KindFloat:
		return len(v.Floats)
	}
	return 0
}

// Tensor converts v to a rank-0 tensor, or rank-1 for arrays.
func (v Value) Tensor() (*engine.Tensor, error) {
	shape := engine.Shape{}
	if v.Array {
		shape = engine.Shape{int64(v.Len())}
	} else if v.Len() != 1 {
		return nil, fmt.Errorf("scalar value holds %d elements", v.Len())
	}
	switch v.Kind {
	case KindBool:
		return engine.FromBools(shape, v.Bools)
	case KindInt:
		return engine.FromInt32s(shape, v.Ints)
	case KindFloat:
		return engine.FromFloat32s(shape, v.Floats)
	}
	return nil, fmt.Errorf("value has no kind")
}

func (v Value) String() string {
	var parts []string
	switch v.Kind {
	case KindBool:
		for _, b := range v.Bools {
			parts = append(parts, fmt.Sprint(b))
		}
	case KindInt:
		for _, i := range v.Ints {
			parts = append(parts, fmt.Sprint(i))
		}
	case KindFloat:
		for _, f := range v.Floats {
			parts = append(parts, fmt.Sprint(f))
		}
	}
	if v.Array {
		return "(" + strings.Join(parts, ",") + ")"
	}
	return strings.Join(parts, "")
}

// Assignment binds a value to a placeholder name.
type Assignment struct {
	Name  string
	Value Value
}

func (a Assignment) String() string {
	return a.Name + "=" + a.Value.String()
}
