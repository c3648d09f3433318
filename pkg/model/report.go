package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/justinsb/tensorstage/pkg/engine"
)

// reportHeadElements is how many leading values of each tensor a report shows.
const reportHeadElements = 8

// DebugReport summarizes an engine call for diagnosis.
type DebugReport struct {
	// RunID correlates the report with log lines.
	RunID   string
	Graph   string
	Outputs []string
	Targets []string
	Inputs  []TensorReport
}

// TensorReport describes one fed tensor.
type TensorReport struct {
	Name  string
	DType engine.DataType
	Shape engine.Shape
	Stats engine.Stats
}

func NewDebugReport(graph string, inputs engine.Dictionary, outputs, targets []string) *DebugReport {
	r := &DebugReport{
		RunID:   uuid.NewString(),
		Graph:   graph,
		Outputs: append([]string(nil), outputs...),
		Targets: append([]string(nil), targets...),
	}
	for _, input := range inputs {
		tr := TensorReport{Name: input.Name}
		if input.Tensor != nil {
			tr.DType = input.Tensor.DType
			tr.Shape = input.Tensor.Shape
			tr.Stats = input.Tensor.Summarize(reportHeadElements)
		}
		r.Inputs = append(r.Inputs, tr)
	}
	return r
}

// Input returns the entry for a fed tensor name.
func (r *DebugReport) Input(name string) (TensorReport, bool) {
	for _, in := range r.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return TensorReport{}, false
}

func (r *DebugReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s on graph %q\n", r.RunID, r.Graph)
	fmt.Fprintf(&b, "requested outputs: %v\n", r.Outputs)
	fmt.Fprintf(&b, "target nodes: %v\n", r.Targets)
	for i, in := range r.Inputs {
		fmt.Fprintf(&b, "input #%d %q: dtype=%s shape=%v min=%g max=%g mean=%g head=%v\n",
			i, in.Name, in.DType, in.Shape, in.Stats.Min, in.Stats.Max, in.Stats.Mean, in.Stats.Head)
	}
	return b.String()
}
