package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/justinsb/tensorstage/pkg/engine"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrShapeNegotiation = errors.New("shape negotiation failed")
	ErrSessionExecution = errors.New("session execution failed")

	// ErrStaleMetadata is returned by metadata queries before NegotiateShapes has
	// run against the current configuration.
	ErrStaleMetadata = errors.New("tensor metadata is stale, shapes must be negotiated first")
)

// ConfigurationError reports an inconsistent configuration, detected before any engine call.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConfiguration, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// ShapeNegotiationError reports a failed probe run. Its message includes a dump
// of the attempted inputs, since engine errors rarely say which placeholder is at fault.
type ShapeNegotiationError struct {
	Cause     error
	Attempted engine.Dictionary
	Report    *DebugReport
}

func (e *ShapeNegotiationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %v", ErrShapeNegotiation, e.Cause)
	if e.Report != nil {
		b.WriteString("\n")
		b.WriteString(e.Report.String())
	}
	return b.String()
}

func (e *ShapeNegotiationError) Unwrap() []error { return []error{ErrShapeNegotiation, e.Cause} }

// Code is the engine status code of the cause, codes.Unknown for non-status errors.
func (e *ShapeNegotiationError) Code() codes.Code { return status.Code(e.Cause) }

// SessionExecutionError reports a failed processing call. The debug report is
// built on first access.
type SessionExecutionError struct {
	Cause error

	graph   string
	inputs  engine.Dictionary
	outputs []string
	targets []string

	reportOnce sync.Once
	report     *DebugReport
}

func (e *SessionExecutionError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSessionExecution, e.Cause)
}

func (e *SessionExecutionError) Unwrap() []error { return []error{ErrSessionExecution, e.Cause} }

func (e *SessionExecutionError) Code() codes.Code { return status.Code(e.Cause) }

// Report describes the tensors that were fed to the failed call.
func (e *SessionExecutionError) Report() *DebugReport {
	e.reportOnce.Do(func() {
		e.report = NewDebugReport(e.graph, e.inputs, e.outputs, e.targets)
	})
	return e.report
}
