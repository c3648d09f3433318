package fallback

import (
	"fmt"
	"sync"

	"github.com/justinsb/tensorstage/pkg/engine"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Session runs a Graph. Stateful nodes keep their state in the session, so
// concurrent Run calls are serialized on that state only.
type Session struct {
	graph *Graph

	mu       sync.Mutex
	counters map[string]int64
	runs     int64
}

var _ engine.Session = (*Session)(nil)

func NewSession(graph *Graph) (*Session, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	return &Session{
		graph:    graph,
		counters: make(map[string]int64),
	}, nil
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	return nil
}

// Counter returns the current value of a counter node.
func (s *Session) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Runs returns how many Run calls completed successfully.
func (s *Session) Runs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Session) Run(inputs engine.Dictionary, outputNames []string, targetNames []string) ([]*engine.Tensor, error) {
	scope := &calculationScope{
		session: s,
		values:  make(map[string]*engine.Tensor),
	}
	results, err := engine.Evaluate(scope, inputs, outputNames, targetNames)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	return results, nil
}

func (s *Session) increment(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return s.counters[name]
}

type calculationScope struct {
	session *Session
	values  map[string]*engine.Tensor
}

func (c *calculationScope) Nodes() map[string]engine.Node {
	return c.session.graph.engineNodes()
}

func (c *calculationScope) Feed(name string, t *engine.Tensor) error {
	n := c.session.graph.nodes[name]
	if t == nil {
		return status.Errorf(codes.InvalidArgument, "fed tensor %q is nil", name)
	}
	if n.def.Op == opPlaceholder {
		if t.DType != n.dtype {
			return status.Errorf(codes.InvalidArgument, "placeholder %q expects %s, fed %s", name, n.dtype, t.DType)
		}
		if n.shape != nil && !n.shape.Compatible(t.Shape) {
			return status.Errorf(codes.InvalidArgument, "placeholder %q expects shape %v, fed %v", name, n.shape, t.Shape)
		}
	}
	c.values[name] = t
	return nil
}

func (c *calculationScope) Value(name string) (*engine.Tensor, bool) {
	t, found := c.values[name]
	return t, found
}

func (c *calculationScope) Compute(name string) error {
	n, found := c.session.graph.nodes[name]
	if !found {
		return status.Errorf(codes.NotFound, "node %q not found", name)
	}
	inputs := make([]*engine.Tensor, len(n.def.Inputs))
	for i, input := range n.def.Inputs {
		t, found := c.values[input]
		if !found {
			return status.Errorf(codes.Internal, "input %q of node %q has not been computed", input, name)
		}
		inputs[i] = t
	}
	result, err := n.op.compute(c, n, inputs)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Errorf(codes.InvalidArgument, "computing node %q (%s): %v", name, n.def.Op, err)
	}
	c.values[name] = result
	return nil
}
