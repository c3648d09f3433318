package model

import (
	"fmt"

	"github.com/justinsb/tensorstage/pkg/engine"
	"github.com/justinsb/tensorstage/pkg/image"
)

// AssembleInputs builds the feed dictionary for one processing call: for each
// input, the receptive field centred on center, then the user placeholders in
// their supplied order.
func (m *MultisourceModel) AssembleInputs(center image.Index) (engine.Dictionary, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var inputs engine.Dictionary
	for i, name := range m.inputPlaceholders {
		img := m.inputs[i]
		if len(center) != len(img.LargestRegion().Size) {
			return nil, configErrorf("center %v has %d dimensions, image of %q has %d",
				center, len(center), name, len(img.LargestRegion().Size))
		}
		region := image.CenteredRegion(center, m.inputReceptiveFields[i])
		t, err := image.ToTensor(img, region, m.placeholderType(name))
		if err != nil {
			return nil, fmt.Errorf("assembling input %q: %w", name, err)
		}
		if err := inputs.Add(name, t); err != nil {
			return nil, configErrorf("%v", err)
		}
	}
	return m.mergeUserPlaceholders(inputs)
}

// mergeUserPlaceholders appends the user placeholders to inputs. A name already
// present is a configuration error, never an override.
func (m *MultisourceModel) mergeUserPlaceholders(inputs engine.Dictionary) (engine.Dictionary, error) {
	merged := inputs.Clone()
	for _, up := range m.userPlaceholders {
		if _, found := merged.Get(up.Name); found {
			return nil, configErrorf("user placeholder %q collides with an already fed placeholder", up.Name)
		}
		t := up.Tensor
		if spec, declared := m.declaredPlaceholder(up.Name); declared && t != nil && spec.DType != t.DType {
			cast, err := t.Convert(spec.DType)
			if err != nil {
				return nil, configErrorf("user placeholder %q: cannot convert %s to %s: %v", up.Name, t.DType, spec.DType, err)
			}
			t = cast
		}
		if err := merged.Add(up.Name, t); err != nil {
			return nil, configErrorf("user placeholder: %v", err)
		}
	}
	return merged, nil
}

func (m *MultisourceModel) declaredPlaceholder(name string) (engine.TensorSpec, bool) {
	if m.graph == nil {
		return engine.TensorSpec{}, false
	}
	return m.graph.Placeholder(name)
}

// placeholderType is the dtype image tensors are fed as: the graph's declared
// type when known, float32 otherwise.
func (m *MultisourceModel) placeholderType(name string) engine.DataType {
	if spec, declared := m.declaredPlaceholder(name); declared && spec.DType != "" {
		return spec.DType
	}
	return engine.Float32
}
