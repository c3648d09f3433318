package engine

import (
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Node is a graph vertex that can be scheduled.
type Node interface {
	NodeName() string
	Dependencies() []string
}

// BuildDAG returns an evaluation order for the nodes needed to compute wantNodes.
// Nodes named in fed are leaves: their dependencies are not evaluated.
func BuildDAG(nodes map[string]Node, wantNodes []string, fed Dictionary) ([]string, error) {
	isFed := make(map[string]bool, len(fed))
	for _, entry := range fed {
		isFed[entry.Name] = true
	}

	dependencies := func(name string) []string {
		if isFed[name] {
			return nil
		}
		return nodes[name].Dependencies()
	}

	needed := make(map[string]bool)
	stack := make([]string, 0, len(wantNodes))
	for _, name := range wantNodes {
		if _, ok := nodes[name]; !ok {
			return nil, status.Errorf(codes.NotFound, "node %q not found in graph", name)
		}
		stack = append(stack, name)
	}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[name] {
			continue
		}
		needed[name] = true
		for _, dep := range dependencies(name) {
			if _, ok := nodes[dep]; !ok {
				return nil, status.Errorf(codes.NotFound, "node %q depends on unknown node %q", name, dep)
			}
			stack = append(stack, dep)
		}
	}

	// Sorted so that evaluation order is deterministic across runs.
	candidates := make([]string, 0, len(needed))
	for name := range needed {
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)

	evaluationOrder := make([]string, 0, len(candidates))
	done := make(map[string]bool)

	for {
		progress := false
		for _, name := range candidates {
			if done[name] {
				continue
			}

			ready := true
			for _, dep := range dependencies(name) {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[name] = true
				evaluationOrder = append(evaluationOrder, name)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, name := range wantNodes {
		if !done[name] {
			return nil, status.Errorf(codes.InvalidArgument, "node %q could not be computed (cycle in computation graph)", name)
		}
	}

	return evaluationOrder, nil
}
