package engine

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Scope holds the state of one evaluation.
type Scope interface {
	Nodes() map[string]Node
	Feed(name string, t *Tensor) error
	Compute(name string) error
	Value(name string) (*Tensor, bool)
}

// Evaluate feeds inputs into scope, computes everything outputNames and targetNames
// depend on, and returns the output values in requested order.
func Evaluate(scope Scope, inputs Dictionary, outputNames []string, targetNames []string) ([]*Tensor, error) {
	nodes := scope.Nodes()
	for _, input := range inputs {
		if _, found := nodes[input.Name]; !found {
			return nil, status.Errorf(codes.NotFound, "fed tensor %q was not found in the graph", input.Name)
		}
		if err := scope.Feed(input.Name, input.Tensor); err != nil {
			return nil, err
		}
	}

	wantNodes := make([]string, 0, len(outputNames)+len(targetNames))
	wantNodes = append(wantNodes, outputNames...)
	wantNodes = append(wantNodes, targetNames...)

	evaluationOrder, err := BuildDAG(nodes, wantNodes, inputs)
	if err != nil {
		return nil, err
	}

	for _, name := range evaluationOrder {
		if _, computed := scope.Value(name); computed {
			continue
		}
		if err := scope.Compute(name); err != nil {
			return nil, err
		}
	}

	results := make([]*Tensor, 0, len(outputNames))
	for _, name := range outputNames {
		t, found := scope.Value(name)
		if !found {
			return nil, status.Errorf(codes.Internal, "node %q produced no value", name)
		}
		results = append(results, t)
	}
	return results, nil
}
