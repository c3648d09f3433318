package placeholder

import "fmt"

// ParseError reports a malformed placeholder expression.
type ParseError struct {
	Expression string
	// Token is the offending name=value token, when known.
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("parsing placeholder expression %q: %v", e.Expression, e.Err)
	}
	return fmt.Sprintf("parsing placeholder expression %q at %q: %v", e.Expression, e.Token, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
