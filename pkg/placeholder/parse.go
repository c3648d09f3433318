// Package placeholder parses user scalar placeholder assignments such as
// "drop_rate=0.5 is_training=false weights=(0.2,0.8)" into typed values.
//
// Values are HCL expressions: numbers, bools, arithmetic on literals and
// tuples. A parenthesised list is accepted as an alias for a tuple. Integer
// literals become int32, other numbers float32, bools bool.
package placeholder

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/justinsb/tensorstage/pkg/engine"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Parse parses one expression string made of space-separated name=value tokens.
func Parse(expr string) ([]Assignment, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, &ParseError{Expression: expr, Err: err}
	}
	var out []Assignment
	seen := make(map[string]bool)
	for _, token := range tokens {
		a, err := parseToken(token)
		if err != nil {
			return nil, &ParseError{Expression: expr, Token: token, Err: err}
		}
		if seen[a.Name] {
			return nil, &ParseError{Expression: expr, Token: token, Err: fmt.Errorf("placeholder %q assigned more than once", a.Name)}
		}
		seen[a.Name] = true
		out = append(out, a)
	}
	return out, nil
}

// ParseDictionary parses every expression and converts the assignments, in order,
// into an engine dictionary. A name assigned twice across expressions is an error.
func ParseDictionary(exprs ...string) (engine.Dictionary, error) {
	var dict engine.Dictionary
	for _, expr := range exprs {
		assignments, err := Parse(expr)
		if err != nil {
			return nil, err
		}
		for _, a := range assignments {
			t, err := a.Value.Tensor()
			if err != nil {
				return nil, &ParseError{Expression: expr, Token: a.String(), Err: err}
			}
			if err := dict.Add(a.Name, t); err != nil {
				return nil, &ParseError{Expression: expr, Token: a.String(), Err: err}
			}
		}
	}
	return dict, nil
}

// tokenize splits on whitespace outside of brackets and quotes.
func tokenize(expr string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	depth := 0
	inQuote := false
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range expr {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced %q", r)
			}
		case unicode.IsSpace(r) && depth == 0:
			flush()
			continue
		}
		current.WriteRune(r)
	}
	if depth != 0 || inQuote {
		return nil, fmt.Errorf("unterminated bracket or quote")
	}
	flush()
	return tokens, nil
}

func parseToken(token string) (Assignment, error) {
	name, valueText, found := strings.Cut(token, "=")
	if !found {
		return Assignment{}, fmt.Errorf("expected name=value")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Assignment{}, fmt.Errorf("missing placeholder name")
	}
	valueText = strings.TrimSpace(valueText)
	if valueText == "" {
		return Assignment{}, fmt.Errorf("missing value for %q", name)
	}
	if strings.HasPrefix(valueText, "(") && strings.HasSuffix(valueText, ")") {
		valueText = "[" + valueText[1:len(valueText)-1] + "]"
	}

	src := []byte(valueText)
	expr, diags := hclsyntax.ParseExpression(src, name, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return Assignment{}, diags
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return Assignment{}, diags
	}
	value, err := toValue(v, expr, src)
	if err != nil {
		return Assignment{}, fmt.Errorf("value of %q: %w", name, err)
	}
	return Assignment{Name: name, Value: value}, nil
}

func toValue(v cty.Value, expr hclsyntax.Expression, src []byte) (Value, error) {
	if v.IsNull() || !v.IsKnown() {
		return Value{}, fmt.Errorf("value is null or unknown")
	}
	ty := v.Type()
	if ty.IsTupleType() || ty.IsListType() {
		var elements []hclsyntax.Expression
		if tuple, ok := expr.(*hclsyntax.TupleConsExpr); ok {
			elements = tuple.Exprs
		}
		out := Value{Array: true}
		i := 0
		for it := v.ElementIterator(); it.Next(); i++ {
			_, ev := it.Element()
			var elementExpr hclsyntax.Expression
			if i < len(elements) {
				elementExpr = elements[i]
			}
			element, err := toValue(ev, elementExpr, src)
			if err != nil {
				return Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			if element.Array {
				return Value{}, fmt.Errorf("element %d: nested arrays are not supported", i)
			}
			if err := out.appendScalar(element); err != nil {
				return Value{}, fmt.Errorf("element %d: %w", i, err)
			}
		}
		if out.Kind == 0 {
			return Value{}, fmt.Errorf("empty arrays are not supported")
		}
		return out, nil
	}

	switch ty {
	case cty.Bool:
		return Value{Kind: KindBool, Bools: []bool{v.True()}}, nil
	case cty.Number:
		if v.AsBigFloat().IsInt() && !looksLikeFloat(expr, src) {
			var i int32
			if err := gocty.FromCtyValue(v, &i); err != nil {
				return Value{}, fmt.Errorf("integer out of int32 range: %w", err)
			}
			return Value{Kind: KindInt, Ints: []int32{i}}, nil
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return Value{}, fmt.Errorf("could not convert number: %w", err)
		}
		return Value{Kind: KindFloat, Floats: []float32{float32(f)}}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}

// looksLikeFloat reports whether the literal text of expr is written as a float, e.g. "1.0" or "1e3".
func looksLikeFloat(expr hclsyntax.Expression, src []byte) bool {
	if expr == nil {
		return false
	}
	rng := expr.Range()
	if rng.Start.Byte < 0 || rng.End.Byte > len(src) || rng.Start.Byte > rng.End.Byte {
		return false
	}
	return bytes.ContainsAny(src[rng.Start.Byte:rng.End.Byte], ".eE")
}

// appendScalar appends a scalar element, widening ints to floats when kinds mix.
func (v *Value) appendScalar(e Value) error {
	switch {
	case v.Kind == 0:
		v.Kind = e.Kind
	case v.Kind == KindInt && e.Kind == KindFloat:
		for _, i := range v.Ints {
			v.Floats = append(v.Floats, float32(i))
		}
		v.Ints = nil
		v.Kind = KindFloat
	case v.Kind == KindFloat && e.Kind == KindInt:
		e = Value{Kind: KindFloat, Floats: []float32{float32(e.Ints[0])}}
	case v.Kind != e.Kind:
		return fmt.Errorf("cannot mix %s and %s in one array", v.Kind, e.Kind)
	}
	v.Bools = append(v.Bools, e.Bools...)
	v.Ints = append(v.Ints, e.Ints...)
	v.Floats = append(v.Floats, e.Floats...)
	return nil
}
