package model

import (
	"context"
	"time"

	"github.com/justinsb/tensorstage/pkg/engine"
	"github.com/justinsb/tensorstage/pkg/image"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Execute runs one processing call with the receptive fields centred on center
// and returns the output tensors in declaration order. Target nodes are run
// for their side effects. The call blocks until the engine returns.
//
// Execute does not require NegotiateShapes to have run and never consults the
// negotiated metadata; a graph or session changed since negotiation is used as is.
func (m *MultisourceModel) Execute(ctx context.Context, center image.Index) ([]*engine.Tensor, error) {
	inputs, err := m.AssembleInputs(center)
	if err != nil {
		return nil, err
	}

	outputs, err := m.runSession(ctx, inputs, m.targetNodes)
	if err != nil {
		return nil, &SessionExecutionError{
			Cause:   err,
			graph:   m.graphName(),
			inputs:  inputs,
			outputs: m.OutputTensors(),
			targets: m.TargetNodes(),
		}
	}
	return outputs, nil
}

// runSession is the single engine call shared by the probe and Execute.
func (m *MultisourceModel) runSession(ctx context.Context, inputs engine.Dictionary, targets []string) ([]*engine.Tensor, error) {
	log := klog.FromContext(ctx)

	if m.session == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "no session assigned")
	}

	log.V(2).Info("running session", "graph", m.graphName(), "inputs", inputs.Names(), "outputs", m.outputTensors, "targets", targets)
	startedAt := time.Now()

	outputs, err := m.session.Run(inputs, m.outputTensors, targets)
	if err != nil {
		return nil, err
	}
	if len(outputs) != len(m.outputTensors) {
		return nil, status.Errorf(codes.Internal, "engine returned %d tensors for %d requested outputs", len(outputs), len(m.outputTensors))
	}
	for i, t := range outputs {
		if t == nil {
			return nil, status.Errorf(codes.Internal, "engine returned no value for output %q", m.outputTensors[i])
		}
	}

	log.V(2).Info("session run complete", "graph", m.graphName(), "duration", time.Since(startedAt))
	return outputs, nil
}

func (m *MultisourceModel) graphName() string {
	if m.graph == nil {
		return ""
	}
	return m.graph.Name()
}
