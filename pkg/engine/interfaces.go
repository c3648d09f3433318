package engine

import (
	"fmt"
	"slices"
)

// Graph is a frozen computational graph. Implementations are read only once loaded.
type Graph interface {
	// Name identifies the graph in logs and reports.
	Name() string

	// Placeholder returns the declared spec of a placeholder node, if the graph declares one.
	Placeholder(name string) (TensorSpec, bool)
}

// Session executes a Graph. A Session is owned by whoever created it;
// callers that borrow one must not close it.
type Session interface {
	// Run feeds inputs, computes outputNames and triggers targetNames for their side effects.
	// Outputs are returned in the order of outputNames; either all are produced or an error is returned.
	Run(inputs Dictionary, outputNames []string, targetNames []string) ([]*Tensor, error)
}

// TensorSpec describes a tensor without its content. Unknown dimensions are -1.
type TensorSpec struct {
	DType DataType
	Shape Shape
}

// NamedTensor binds a tensor to a graph node name.
type NamedTensor struct {
	Name   string
	Tensor *Tensor
}

// Dictionary is an insertion-ordered name to tensor mapping with unique names.
type Dictionary []NamedTensor

// Add appends name, failing if it is already present.
func (d *Dictionary) Add(name string, t *Tensor) error {
	if name == "" {
		return fmt.Errorf("tensor name must not be empty")
	}
	if _, found := d.Get(name); found {
		return fmt.Errorf("tensor %q already present", name)
	}
	*d = append(*d, NamedTensor{Name: name, Tensor: t})
	return nil
}

// Get returns the tensor bound to name.
func (d Dictionary) Get(name string) (*Tensor, bool) {
	for _, entry := range d {
		if entry.Name == name {
			return entry.Tensor, true
		}
	}
	return nil, false
}

// Names returns the names in insertion order.
func (d Dictionary) Names() []string {
	names := make([]string, len(d))
	for i, entry := range d {
		names[i] = entry.Name
	}
	return names
}

// Clone returns a shallow copy; tensors are shared.
func (d Dictionary) Clone() Dictionary {
	return slices.Clone(d)
}
