package model

import (
	"context"
	"fmt"
	"slices"

	"github.com/justinsb/tensorstage/pkg/engine"
	"github.com/justinsb/tensorstage/pkg/image"
	"k8s.io/klog/v2"
)

// TensorMetadata is the negotiated type and shape of an input or output.
// The leading tile dimension is -1.
type TensorMetadata struct {
	Name  string
	DType engine.DataType
	Shape engine.Shape
}

// Matches reports whether t has this type and a shape that differs at most in unknown dimensions.
func (md TensorMetadata) Matches(t *engine.Tensor) bool {
	return t != nil && t.DType == md.DType && md.Shape.Compatible(t.Shape)
}

func (md TensorMetadata) String() string {
	return fmt.Sprintf("%s:%s%v", md.Name, md.DType, md.Shape)
}

// NegotiateShapes validates the configuration and runs a probe to record the
// types and shapes of every input and output.
func (m *MultisourceModel) NegotiateShapes(ctx context.Context) error {
	log := klog.FromContext(ctx)

	m.invalidate()
	inputs, outputs, err := m.probe(ctx)
	if err != nil {
		return err
	}

	inputMetadata := make([]TensorMetadata, len(m.inputPlaceholders))
	for i, name := range m.inputPlaceholders {
		t, _ := inputs.Get(name)
		inputMetadata[i] = newMetadata(name, t)
	}
	outputMetadata := make([]TensorMetadata, len(m.outputTensors))
	for i, name := range m.outputTensors {
		outputMetadata[i] = newMetadata(name, outputs[i])
	}
	m.inputMetadata = inputMetadata
	m.outputMetadata = outputMetadata

	log.Info("negotiated tensor shapes", "inputs", inputMetadata, "outputs", outputMetadata)
	return nil
}

// Probe runs a dry run with zero-valued inputs sized by the receptive fields and
// returns the raw outputs. Target nodes are not run. The output content is meaningless.
func (m *MultisourceModel) Probe(ctx context.Context) ([]*engine.Tensor, error) {
	_, outputs, err := m.probe(ctx)
	return outputs, err
}

func (m *MultisourceModel) probe(ctx context.Context) (engine.Dictionary, []*engine.Tensor, error) {
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}

	var inputs engine.Dictionary
	for i, name := range m.inputPlaceholders {
		shape := image.TensorShape(1, m.inputReceptiveFields[i], m.inputs[i].Components())
		t, err := engine.NewTensor(m.placeholderType(name), shape)
		if err != nil {
			return nil, nil, configErrorf("probe tensor for %q: %v", name, err)
		}
		if err := inputs.Add(name, t); err != nil {
			return nil, nil, configErrorf("%v", err)
		}
	}
	inputs, err := m.mergeUserPlaceholders(inputs)
	if err != nil {
		return nil, nil, err
	}

	outputs, err := m.runSession(ctx, inputs, nil)
	if err != nil {
		return nil, nil, &ShapeNegotiationError{
			Cause:     err,
			Attempted: inputs,
			Report:    NewDebugReport(m.graphName(), inputs, m.outputTensors, nil),
		}
	}
	return inputs, outputs, nil
}

func newMetadata(name string, t *engine.Tensor) TensorMetadata {
	md := TensorMetadata{Name: name}
	if t == nil {
		return md
	}
	md.DType = t.DType
	md.Shape = slices.Clone(t.Shape)
	if len(md.Shape) > 0 {
		md.Shape[0] = -1
	}
	return md
}

// InputMetadata returns the negotiated metadata of each input placeholder, in declaration order.
func (m *MultisourceModel) InputMetadata() ([]TensorMetadata, error) {
	if m.inputMetadata == nil {
		return nil, ErrStaleMetadata
	}
	return cloneMetadata(m.inputMetadata), nil
}

// OutputMetadata returns the negotiated metadata of each output tensor, in declaration order.
func (m *MultisourceModel) OutputMetadata() ([]TensorMetadata, error) {
	if m.outputMetadata == nil {
		return nil, ErrStaleMetadata
	}
	return cloneMetadata(m.outputMetadata), nil
}

func (m *MultisourceModel) InputTensorsDataTypes() ([]engine.DataType, error) {
	md, err := m.InputMetadata()
	return dataTypes(md), err
}

func (m *MultisourceModel) OutputTensorsDataTypes() ([]engine.DataType, error) {
	md, err := m.OutputMetadata()
	return dataTypes(md), err
}

func (m *MultisourceModel) InputTensorsShapes() ([]engine.Shape, error) {
	md, err := m.InputMetadata()
	return shapes(md), err
}

func (m *MultisourceModel) OutputTensorsShapes() ([]engine.Shape, error) {
	md, err := m.OutputMetadata()
	return shapes(md), err
}

// OutputImageSpecs describes, per output, the image downstream stages receive:
// the expression field with as many components as the output's last dimension,
// on the grid of the first input. Outputs of rank below 2, or with an unknown
// last dimension, have one component.
func (m *MultisourceModel) OutputImageSpecs() ([]image.Spec, error) {
	md, err := m.OutputMetadata()
	if err != nil {
		return nil, err
	}
	var spacing, origin []float64
	if len(m.inputs) > 0 {
		spacing = m.inputs[0].Spacing()
		origin = m.inputs[0].Origin()
	}
	specs := make([]image.Spec, len(md))
	for i, output := range md {
		// Only [tile, ..., components] outputs carry a component dimension.
		components := 1
		if rank := len(output.Shape); rank >= 2 && output.Shape[rank-1] > 0 {
			components = int(output.Shape[rank-1])
		}
		specs[i] = image.Spec{
			Size:       slices.Clone(m.outputExpressionFields[i]),
			Components: components,
			Spacing:    slices.Clone(spacing),
			Origin:     slices.Clone(origin),
		}
	}
	return specs, nil
}

func cloneMetadata(md []TensorMetadata) []TensorMetadata {
	out := make([]TensorMetadata, len(md))
	for i, entry := range md {
		out[i] = TensorMetadata{Name: entry.Name, DType: entry.DType, Shape: slices.Clone(entry.Shape)}
	}
	return out
}

func dataTypes(md []TensorMetadata) []engine.DataType {
	if md == nil {
		return nil
	}
	out := make([]engine.DataType, len(md))
	for i, entry := range md {
		out[i] = entry.DType
	}
	return out
}

func shapes(md []TensorMetadata) []engine.Shape {
	if md == nil {
		return nil
	}
	out := make([]engine.Shape, len(md))
	for i, entry := range md {
		out[i] = entry.Shape
	}
	return out
}
