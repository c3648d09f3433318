package model

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/justinsb/tensorstage/pkg/engine"
	"github.com/justinsb/tensorstage/pkg/engine/fallback"
	"github.com/justinsb/tensorstage/pkg/image"
	"github.com/justinsb/tensorstage/pkg/placeholder"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const twoSourceGraph = `
name: two-source
nodes:
- name: x1
  op: placeholder
  dtype: float32
  shape: [-1, 16, 16, 2]
- name: x2
  op: placeholder
  dtype: float32
  shape: [-1, 8, 8, 2]
- name: scale
  op: placeholder
  dtype: float32
  shape: []
- name: c1
  op: center_crop
  inputs: [x1]
  size: [4, 4]
- name: c2
  op: center_crop
  inputs: [x2]
  size: [4, 4]
- name: sum
  op: add
  inputs: [c1, c2]
- name: y
  op: mul
  inputs: [sum, scale]
- name: calls
  op: counter
`

// countingSession fails every run and records how often it was called.
type countingSession struct {
	calls int
}

func (s *countingSession) Run(inputs engine.Dictionary, outputNames []string, targetNames []string) ([]*engine.Tensor, error) {
	s.calls++
	return nil, errors.New("engine should not have been called")
}

type shortSession struct{}

func (s *shortSession) Run(inputs engine.Dictionary, outputNames []string, targetNames []string) ([]*engine.Tensor, error) {
	return nil, nil
}

func filledImage(t *testing.T, size image.Size, components int, value float32) *image.Buffer {
	t.Helper()
	b, err := image.NewBuffer(size, components)
	require.NoError(t, err)
	b.Fill(value)
	return b
}

// newTwoSourceModel wires x1 (16x16 field on a 32x32 image of ones) and
// x2 (8x8 field on a 16x16 image of twos) to y with a 4x4 expression field.
func newTwoSourceModel(t *testing.T) (*MultisourceModel, *fallback.Session) {
	t.Helper()
	g, err := fallback.ParseGraph([]byte(twoSourceGraph))
	require.NoError(t, err)
	session, err := fallback.NewSession(g)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	x1 := filledImage(t, image.Size{32, 32}, 2, 1)
	x1.SetSpacing([]float64{0.5, 0.5})
	x2 := filledImage(t, image.Size{16, 16}, 2, 2)

	userPlaceholders, err := placeholder.ParseDictionary("scale=2")
	require.NoError(t, err)

	m := New(g, session)
	m.AddInput("x1", image.Size{16, 16}, x1)
	m.AddInput("x2", image.Size{8, 8}, x2)
	m.AddOutput("y", image.Size{4, 4})
	m.SetUserPlaceholders(userPlaceholders)
	return m, session
}

func TestNegotiateShapes(t *testing.T) {
	ctx := context.Background()
	m, _ := newTwoSourceModel(t)

	require.NoError(t, m.NegotiateShapes(ctx))

	inputs, err := m.InputMetadata()
	require.NoError(t, err)
	wantInputs := []TensorMetadata{
		{Name: "x1", DType: engine.Float32, Shape: engine.Shape{-1, 16, 16, 2}},
		{Name: "x2", DType: engine.Float32, Shape: engine.Shape{-1, 8, 8, 2}},
	}
	if diff := cmp.Diff(wantInputs, inputs); diff != "" {
		t.Errorf("unexpected input metadata (-want +got):\n%s", diff)
	}

	outputs, err := m.OutputMetadata()
	require.NoError(t, err)
	wantOutputs := []TensorMetadata{
		{Name: "y", DType: engine.Float32, Shape: engine.Shape{-1, 4, 4, 2}},
	}
	if diff := cmp.Diff(wantOutputs, outputs); diff != "" {
		t.Errorf("unexpected output metadata (-want +got):\n%s", diff)
	}

	dtypes, err := m.OutputTensorsDataTypes()
	require.NoError(t, err)
	require.Equal(t, []engine.DataType{engine.Float32}, dtypes)
	shapes, err := m.InputTensorsShapes()
	require.NoError(t, err)
	require.Equal(t, []engine.Shape{{-1, 16, 16, 2}, {-1, 8, 8, 2}}, shapes)

	specs, err := m.OutputImageSpecs()
	require.NoError(t, err)
	want := []image.Spec{{
		Size:       image.Size{4, 4},
		Components: 2,
		Spacing:    []float64{0.5, 0.5},
		Origin:     []float64{0, 0},
	}}
	if diff := cmp.Diff(want, specs); diff != "" {
		t.Errorf("unexpected output specs (-want +got):\n%s", diff)
	}
}

func TestNegotiateShapesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTwoSourceModel(t)

	require.NoError(t, m.NegotiateShapes(ctx))
	first, err := m.OutputMetadata()
	require.NoError(t, err)

	require.NoError(t, m.NegotiateShapes(ctx))
	second, err := m.OutputMetadata()
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("metadata changed between negotiations (-first +second):\n%s", diff)
	}
}

func TestExecuteMatchesNegotiatedMetadata(t *testing.T) {
	ctx := context.Background()
	m, _ := newTwoSourceModel(t)
	require.NoError(t, m.NegotiateShapes(ctx))

	center := image.Index{8, 8}
	inputs, err := m.AssembleInputs(center)
	require.NoError(t, err)
	require.Equal(t, []string{"x1", "x2", "scale"}, inputs.Names())

	inputMetadata, err := m.InputMetadata()
	require.NoError(t, err)
	for _, md := range inputMetadata {
		tensor, found := inputs.Get(md.Name)
		require.True(t, found)
		require.True(t, md.Matches(tensor), "input %s does not match %v", md, tensor)
	}

	scale, _ := inputs.Get("scale")
	require.Equal(t, engine.Float32, scale.DType, "user placeholder should be fed as the declared type")

	outputs, err := m.Execute(ctx, center)
	require.NoError(t, err)
	outputMetadata, err := m.OutputMetadata()
	require.NoError(t, err)
	require.Len(t, outputs, len(outputMetadata))
	for i, md := range outputMetadata {
		require.True(t, md.Matches(outputs[i]), "output %s does not match %v", md, outputs[i])
	}
	for i, v := range outputs[0].Float32s() {
		require.Equal(t, float32(6), v, "y[%d]", i)
	}
}

func TestCountMismatchIsConfigurationError(t *testing.T) {
	ctx := context.Background()
	session := &countingSession{}

	m := New(nil, session)
	m.SetInputPlaceholders([]string{"x1", "x2"})
	m.SetInputReceptiveFields([]image.Size{{16, 16}, {8, 8}})
	m.SetInputs([]image.Image{filledImage(t, image.Size{32, 32}, 1, 0)})
	m.AddOutput("y", image.Size{4, 4})

	err := m.NegotiateShapes(ctx)
	require.ErrorIs(t, err, ErrConfiguration)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
	require.Contains(t, configErr.Msg, "(2)")

	_, err = m.Execute(ctx, image.Index{8, 8})
	require.ErrorIs(t, err, ErrConfiguration)

	require.Equal(t, 0, session.calls)
}

func TestValidate(t *testing.T) {
	img := filledImage(t, image.Size{16, 16}, 1, 0)

	grid := []struct {
		name  string
		setup func(m *MultisourceModel)
		want  string
	}{
		{
			name: "output count mismatch",
			setup: func(m *MultisourceModel) {
				m.SetOutputTensors([]string{"y", "z"})
				m.SetOutputExpressionFields([]image.Size{{4, 4}})
			},
			want: "output tensors (2) and expression fields (1)",
		},
		{
			name: "duplicate input",
			setup: func(m *MultisourceModel) {
				m.AddInput("x", image.Size{4, 4}, img)
				m.AddInput("x", image.Size{4, 4}, img)
			},
			want: "more than once",
		},
		{
			name:  "empty field",
			setup: func(m *MultisourceModel) { m.AddInput("x", image.Size{4, 0}, img) },
			want:  "receptive field",
		},
		{
			name:  "dimension mismatch",
			setup: func(m *MultisourceModel) { m.AddInput("x", image.Size{4, 4, 4}, img) },
			want:  "dimensions",
		},
		{
			name:  "nil image",
			setup: func(m *MultisourceModel) { m.AddInput("x", image.Size{4, 4}, nil) },
			want:  "no image",
		},
		{
			name:  "unnamed output",
			setup: func(m *MultisourceModel) { m.AddOutput("", image.Size{4, 4}) },
			want:  "no name",
		},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			m := New(nil, nil)
			g.setup(m)
			err := m.Validate()
			require.ErrorIs(t, err, ErrConfiguration)
			require.Contains(t, err.Error(), g.want)
		})
	}
}

func TestUserPlaceholderCollision(t *testing.T) {
	ctx := context.Background()
	colliding, err := placeholder.ParseDictionary("x1=1.5")
	require.NoError(t, err)

	t.Run("set after inputs", func(t *testing.T) {
		session := &countingSession{}
		m := New(nil, session)
		m.AddInput("x1", image.Size{4, 4}, filledImage(t, image.Size{8, 8}, 1, 0))
		m.AddOutput("y", image.Size{4, 4})
		m.SetUserPlaceholders(colliding)

		require.ErrorIs(t, m.NegotiateShapes(ctx), ErrConfiguration)
		_, err := m.Execute(ctx, image.Index{4, 4})
		require.ErrorIs(t, err, ErrConfiguration)
		require.Equal(t, 0, session.calls)
	})

	t.Run("set before inputs", func(t *testing.T) {
		session := &countingSession{}
		m := New(nil, session)
		m.SetUserPlaceholders(colliding)
		m.AddInput("x1", image.Size{4, 4}, filledImage(t, image.Size{8, 8}, 1, 0))
		m.AddOutput("y", image.Size{4, 4})

		err := m.NegotiateShapes(ctx)
		require.ErrorIs(t, err, ErrConfiguration)
		require.Contains(t, err.Error(), `"x1"`)
		require.Equal(t, 0, session.calls)
	})
}

func TestFailingTarget(t *testing.T) {
	ctx := context.Background()
	m, session := newTwoSourceModel(t)
	m.SetTargetNodes([]string{"nonexistent"})

	// The probe does not run targets, so negotiation still succeeds.
	require.NoError(t, m.NegotiateShapes(ctx))

	_, err := m.Execute(ctx, image.Index{8, 8})
	require.ErrorIs(t, err, ErrSessionExecution)

	var execErr *SessionExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, codes.NotFound, execErr.Code())

	report := execErr.Report()
	require.Same(t, report, execErr.Report())
	require.Equal(t, "two-source", report.Graph)
	require.Equal(t, []string{"nonexistent"}, report.Targets)
	require.NotEmpty(t, report.RunID)

	x1, found := report.Input("x1")
	require.True(t, found)
	require.Equal(t, engine.Shape{1, 16, 16, 2}, x1.Shape)
	require.Equal(t, float64(1), x1.Stats.Mean)
	x2, found := report.Input("x2")
	require.True(t, found)
	require.Equal(t, engine.Shape{1, 8, 8, 2}, x2.Shape)
	require.Contains(t, report.String(), `"x2"`)

	// Only the probe completed.
	require.Equal(t, int64(1), session.Runs())
}

func TestTargetsOnly(t *testing.T) {
	ctx := context.Background()
	m, session := newTwoSourceModel(t)
	m.SetOutputTensors(nil)
	m.SetOutputExpressionFields(nil)
	m.SetTargetNodes([]string{"calls"})

	require.NoError(t, m.NegotiateShapes(ctx))
	require.Equal(t, int64(0), session.Counter("calls"), "targets must not run during the probe")

	outputs, err := m.Execute(ctx, image.Index{8, 8})
	require.NoError(t, err)
	require.Empty(t, outputs)
	require.Equal(t, int64(1), session.Counter("calls"))

	md, err := m.OutputMetadata()
	require.NoError(t, err)
	require.Empty(t, md)
}

func TestStaleMetadata(t *testing.T) {
	ctx := context.Background()
	m, _ := newTwoSourceModel(t)

	_, err := m.OutputMetadata()
	require.ErrorIs(t, err, ErrStaleMetadata)

	require.NoError(t, m.NegotiateShapes(ctx))
	_, err = m.OutputMetadata()
	require.NoError(t, err)

	m.SetTargetNodes([]string{"calls"})
	_, err = m.InputTensorsDataTypes()
	require.ErrorIs(t, err, ErrStaleMetadata)
	_, err = m.OutputImageSpecs()
	require.ErrorIs(t, err, ErrStaleMetadata)
}

func TestShapeNegotiationFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newTwoSourceModel(t)
	// x1 is declared 16x16 by the graph.
	m.SetInputReceptiveFields([]image.Size{{12, 12}, {8, 8}})

	err := m.NegotiateShapes(ctx)
	require.ErrorIs(t, err, ErrShapeNegotiation)

	var negErr *ShapeNegotiationError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, codes.InvalidArgument, negErr.Code())
	require.Equal(t, []string{"x1", "x2", "scale"}, negErr.Attempted.Names())

	x1, found := negErr.Report.Input("x1")
	require.True(t, found)
	require.Equal(t, engine.Shape{1, 12, 12, 2}, x1.Shape)
	require.True(t, strings.Contains(err.Error(), "[1,12,12,2]"), "error should describe attempted shapes: %v", err)

	_, err = m.OutputMetadata()
	require.ErrorIs(t, err, ErrStaleMetadata)
}

func TestProbeWithoutSession(t *testing.T) {
	m := New(nil, nil)
	m.AddInput("x", image.Size{4, 4}, filledImage(t, image.Size{8, 8}, 1, 0))

	_, err := m.Probe(context.Background())
	var negErr *ShapeNegotiationError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, codes.FailedPrecondition, negErr.Code())
}

func TestEngineReturnsTooFewOutputs(t *testing.T) {
	m := New(nil, &shortSession{})
	m.AddInput("x", image.Size{4, 4}, filledImage(t, image.Size{8, 8}, 1, 0))
	m.AddOutput("y", image.Size{4, 4})

	err := m.NegotiateShapes(context.Background())
	var negErr *ShapeNegotiationError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, codes.Internal, negErr.Code())
}

func TestExecuteOutsideImage(t *testing.T) {
	ctx := context.Background()
	m, session := newTwoSourceModel(t)

	_, err := m.Execute(ctx, image.Index{2, 2})
	require.ErrorIs(t, err, image.ErrOutsideImage)
	require.Contains(t, err.Error(), `"x1"`)
	require.Equal(t, int64(0), session.Runs())

	_, err = m.Execute(ctx, image.Index{8})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestBundles(t *testing.T) {
	m, _ := newTwoSourceModel(t)

	inputs := m.InputBundles()
	require.Len(t, inputs, 2)
	require.Equal(t, "x2", inputs[1].Placeholder)
	require.Equal(t, image.Size{8, 8}, inputs[1].ReceptiveField)

	outputs := m.OutputBundles()
	require.Equal(t, []OutputBundle{{TensorName: "y", ExpressionField: image.Size{4, 4}}}, outputs)

	// Returned slices are copies.
	inputs[1].ReceptiveField[0] = 100
	require.Equal(t, image.Size{8, 8}, m.InputReceptiveFields()[1])
}

const typedScalarGraph = `
name: typed-scalars
nodes:
- name: k
  op: placeholder
  dtype: int32
  shape: []
- name: b
  op: placeholder
  dtype: uint8
  shape: []
- name: flag
  op: placeholder
  dtype: bool
  shape: []
- name: w
  op: placeholder
  dtype: float32
  shape: [2]
- name: y
  op: identity
  inputs: [k]
- name: wy
  op: identity
  inputs: [w]
`

func newScalarModel(t *testing.T, outputs ...string) *MultisourceModel {
	t.Helper()
	g, err := fallback.ParseGraph([]byte(typedScalarGraph))
	require.NoError(t, err)
	session, err := fallback.NewSession(g)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	m := New(g, session)
	for _, name := range outputs {
		m.AddOutput(name, image.Size{2})
	}
	return m
}

func TestUserPlaceholderConversion(t *testing.T) {
	ctx := context.Background()

	grid := []struct {
		expr    string
		badName string
	}{
		{expr: "k=0.7 b=1 flag=true", badName: "k"},
		{expr: "k=3e9 b=1 flag=true", badName: "k"},
		{expr: "k=1 b=-1 flag=true", badName: "b"},
		{expr: "k=1 b=256 flag=true", badName: "b"},
		{expr: "k=1 b=1 flag=2", badName: "flag"},
		{expr: "k=4.0 b=255 flag=1", badName: ""},
		{expr: "k=-7 b=0 flag=false", badName: ""},
	}
	for _, g := range grid {
		t.Run(g.expr, func(t *testing.T) {
			m := newScalarModel(t, "y")
			userPlaceholders, err := placeholder.ParseDictionary(g.expr)
			require.NoError(t, err)
			m.SetUserPlaceholders(userPlaceholders)

			err = m.NegotiateShapes(ctx)
			_, execErr := m.Execute(ctx, nil)
			if g.badName == "" {
				require.NoError(t, err)
				require.NoError(t, execErr)
				return
			}
			for _, err := range []error{err, execErr} {
				var configErr *ConfigurationError
				require.ErrorAs(t, err, &configErr)
				require.Contains(t, configErr.Msg, `"`+g.badName+`"`)
			}
		})
	}
}

func TestConvertedUserPlaceholderValues(t *testing.T) {
	m := newScalarModel(t, "y")
	userPlaceholders, err := placeholder.ParseDictionary("k=4.0 b=255 flag=1")
	require.NoError(t, err)
	m.SetUserPlaceholders(userPlaceholders)

	inputs, err := m.AssembleInputs(nil)
	require.NoError(t, err)
	k, _ := inputs.Get("k")
	require.Equal(t, []int32{4}, k.Int32s())
	flag, _ := inputs.Get("flag")
	require.Equal(t, []bool{true}, flag.Bools())
}

func TestOutputImageSpecsLowRankOutputs(t *testing.T) {
	ctx := context.Background()
	m := newScalarModel(t, "wy", "y")
	userPlaceholders, err := placeholder.ParseDictionary("k=1 w=(1.0,2.0)")
	require.NoError(t, err)
	m.SetUserPlaceholders(userPlaceholders)

	require.NoError(t, m.NegotiateShapes(ctx))

	md, err := m.OutputMetadata()
	require.NoError(t, err)
	require.Equal(t, engine.Shape{-1}, md[0].Shape)
	require.Equal(t, engine.Shape{}, md[1].Shape)

	specs, err := m.OutputImageSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	for _, spec := range specs {
		require.Equal(t, 1, spec.Components)
	}
}
