// Package model runs a frozen tensor graph as one stage of an image pipeline.
//
// A MultisourceModel maps N input images, each fed to a named placeholder
// through a receptive field, to M output tensors, each producing an
// expression field. NegotiateShapes issues a probe run to learn the output
// types and shapes before any real processing; Execute then feeds image
// regions plus user scalar placeholders and returns the outputs of one
// engine call.
//
// The graph and session are borrowed: the model never closes or mutates them.
// Configuration methods are not safe for concurrent use; Execute may be called
// concurrently once configuration is done if the session allows it.
package model

import (
	"slices"

	"github.com/justinsb/tensorstage/pkg/engine"
	"github.com/justinsb/tensorstage/pkg/image"
)

// InputBundle ties a source image to a placeholder and its receptive field.
type InputBundle struct {
	Placeholder    string
	ReceptiveField image.Size
	Image          image.Image
}

// OutputBundle ties an output tensor to its expression field.
type OutputBundle struct {
	TensorName      string
	ExpressionField image.Size
}

type MultisourceModel struct {
	graph   engine.Graph
	session engine.Session

	inputPlaceholders      []string
	inputReceptiveFields   []image.Size
	inputs                 []image.Image
	outputTensors          []string
	outputExpressionFields []image.Size
	userPlaceholders       engine.Dictionary
	targetNodes            []string

	// derived by NegotiateShapes; nil when stale
	inputMetadata  []TensorMetadata
	outputMetadata []TensorMetadata
}

// New returns a model bound to a borrowed graph and session. Either may be nil and set later.
func New(graph engine.Graph, session engine.Session) *MultisourceModel {
	return &MultisourceModel{graph: graph, session: session}
}

func (m *MultisourceModel) invalidate() {
	m.inputMetadata = nil
	m.outputMetadata = nil
}

func (m *MultisourceModel) SetGraph(g engine.Graph) {
	m.graph = g
	m.invalidate()
}

func (m *MultisourceModel) Graph() engine.Graph { return m.graph }

func (m *MultisourceModel) SetSession(s engine.Session) {
	m.session = s
	m.invalidate()
}

func (m *MultisourceModel) Session() engine.Session { return m.session }

// AddInput appends an input bundle.
func (m *MultisourceModel) AddInput(placeholder string, receptiveField image.Size, img image.Image) {
	m.inputPlaceholders = append(m.inputPlaceholders, placeholder)
	m.inputReceptiveFields = append(m.inputReceptiveFields, slices.Clone(receptiveField))
	m.inputs = append(m.inputs, img)
	m.invalidate()
}

// AddOutput appends an output bundle.
func (m *MultisourceModel) AddOutput(tensorName string, expressionField image.Size) {
	m.outputTensors = append(m.outputTensors, tensorName)
	m.outputExpressionFields = append(m.outputExpressionFields, slices.Clone(expressionField))
	m.invalidate()
}

func (m *MultisourceModel) SetInputPlaceholders(names []string) {
	m.inputPlaceholders = slices.Clone(names)
	m.invalidate()
}

func (m *MultisourceModel) InputPlaceholders() []string { return slices.Clone(m.inputPlaceholders) }

func (m *MultisourceModel) SetInputReceptiveFields(fields []image.Size) {
	m.inputReceptiveFields = cloneSizes(fields)
	m.invalidate()
}

func (m *MultisourceModel) InputReceptiveFields() []image.Size { return cloneSizes(m.inputReceptiveFields) }

// SetInputs replaces the source images.
func (m *MultisourceModel) SetInputs(images []image.Image) {
	m.inputs = slices.Clone(images)
	m.invalidate()
}

func (m *MultisourceModel) Inputs() []image.Image { return slices.Clone(m.inputs) }

func (m *MultisourceModel) SetOutputTensors(names []string) {
	m.outputTensors = slices.Clone(names)
	m.invalidate()
}

func (m *MultisourceModel) OutputTensors() []string { return slices.Clone(m.outputTensors) }

func (m *MultisourceModel) SetOutputExpressionFields(fields []image.Size) {
	m.outputExpressionFields = cloneSizes(fields)
	m.invalidate()
}

func (m *MultisourceModel) OutputExpressionFields() []image.Size {
	return cloneSizes(m.outputExpressionFields)
}

// SetUserPlaceholders sets the scalar placeholders fed alongside the image tensors,
// typically built with placeholder.ParseDictionary.
func (m *MultisourceModel) SetUserPlaceholders(dict engine.Dictionary) {
	m.userPlaceholders = dict.Clone()
	m.invalidate()
}

func (m *MultisourceModel) UserPlaceholders() engine.Dictionary { return m.userPlaceholders.Clone() }

// SetTargetNodes sets nodes run for their side effects on Execute. They are not run by the probe.
func (m *MultisourceModel) SetTargetNodes(names []string) {
	m.targetNodes = slices.Clone(names)
	m.invalidate()
}

func (m *MultisourceModel) TargetNodes() []string { return slices.Clone(m.targetNodes) }

// InputBundles returns the registered inputs. Call Validate first for consistent counts.
func (m *MultisourceModel) InputBundles() []InputBundle {
	n := min(len(m.inputPlaceholders), len(m.inputReceptiveFields), len(m.inputs))
	out := make([]InputBundle, n)
	for i := range out {
		out[i] = InputBundle{
			Placeholder:    m.inputPlaceholders[i],
			ReceptiveField: slices.Clone(m.inputReceptiveFields[i]),
			Image:          m.inputs[i],
		}
	}
	return out
}

// OutputBundles returns the registered outputs.
func (m *MultisourceModel) OutputBundles() []OutputBundle {
	n := min(len(m.outputTensors), len(m.outputExpressionFields))
	out := make([]OutputBundle, n)
	for i := range out {
		out[i] = OutputBundle{
			TensorName:      m.outputTensors[i],
			ExpressionField: slices.Clone(m.outputExpressionFields[i]),
		}
	}
	return out
}

// Validate checks that inputs and outputs are consistently declared.
func (m *MultisourceModel) Validate() error {
	if len(m.inputPlaceholders) != len(m.inputReceptiveFields) || len(m.inputPlaceholders) != len(m.inputs) {
		return configErrorf("number of input placeholders (%d), receptive fields (%d) and input images (%d) must match",
			len(m.inputPlaceholders), len(m.inputReceptiveFields), len(m.inputs))
	}
	if len(m.outputTensors) != len(m.outputExpressionFields) {
		return configErrorf("number of output tensors (%d) and expression fields (%d) must match",
			len(m.outputTensors), len(m.outputExpressionFields))
	}

	seen := make(map[string]bool, len(m.inputPlaceholders))
	for i, name := range m.inputPlaceholders {
		if name == "" {
			return configErrorf("input placeholder #%d has no name", i)
		}
		if seen[name] {
			return configErrorf("input placeholder %q declared more than once", name)
		}
		seen[name] = true
		if err := m.inputReceptiveFields[i].Validate(); err != nil {
			return configErrorf("receptive field of %q: %v", name, err)
		}
		if m.inputs[i] == nil {
			return configErrorf("input placeholder %q has no image", name)
		}
		if dims := len(m.inputs[i].LargestRegion().Size); dims != len(m.inputReceptiveFields[i]) {
			return configErrorf("receptive field %v of %q has %d dimensions, image has %d",
				m.inputReceptiveFields[i], name, len(m.inputReceptiveFields[i]), dims)
		}
	}
	for _, up := range m.userPlaceholders {
		if seen[up.Name] {
			return configErrorf("user placeholder %q collides with an input placeholder", up.Name)
		}
	}
	for i, name := range m.outputTensors {
		if name == "" {
			return configErrorf("output tensor #%d has no name", i)
		}
		if err := m.outputExpressionFields[i].Validate(); err != nil {
			return configErrorf("expression field of %q: %v", name, err)
		}
	}
	return nil
}

func cloneSizes(sizes []image.Size) []image.Size {
	if sizes == nil {
		return nil
	}
	out := make([]image.Size, len(sizes))
	for i, s := range sizes {
		out[i] = slices.Clone(s)
	}
	return out
}
