// Package expr implements the boolean condition language shared by display
// logic, jump logic and quota bucket matching.
//
// An expression is a left-to-right chain of predicates joined by && or ||:
//
//	equals(answer('Q1'), 'Yes') && greaterThan(answer('AGE'), 18)
//
// There is no operator precedence beyond left-to-right association and
// evaluation short-circuits. Missing answers make a predicate false;
// malformed input is always an error, never a silent default.
package expr

import (
	"fmt"
)

// Answers maps question variable names to recorded answer values. Values are
// scalars (string, bool, numeric) or slices for multi-select questions.
type Answers map[string]any

// Clone returns an independent shallow copy.
func (a Answers) Clone() Answers {
	if a == nil {
		return nil
	}
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ErrorKind classifies evaluation failures.
type ErrorKind string

const (
	KindSyntax          ErrorKind = "syntax"
	KindUnknownFunction ErrorKind = "unknown_function"
	KindType            ErrorKind = "type"
)

// Error is returned for malformed or mistyped expressions. Pos is a byte
// offset into the source string.
type Error struct {
	Kind ErrorKind
	Pos  int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error at offset %d: %s", e.Kind, e.Pos, e.Msg)
}

func errSyntax(pos int, format string, args ...any) *Error {
	return &Error{Kind: KindSyntax, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func errUnknown(pos int, name string) *Error {
	return &Error{Kind: KindUnknownFunction, Pos: pos, Msg: fmt.Sprintf("unknown function %q", name)}
}

func errType(pos int, format string, args ...any) *Error {
	return &Error{Kind: KindType, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Expr is a parsed expression ready for repeated evaluation. Parsing once and
// evaluating per respondent keeps the hot path allocation-free.
type Expr struct {
	root node
	src  string
}

// Source returns the original DSL string.
func (e *Expr) Source() string { return e.src }

// Parse compiles a DSL string into an evaluatable expression.
func Parse(dsl string) (*Expr, error) {
	p := newParser(dsl)
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Expr{root: root, src: dsl}, nil
}

// Eval evaluates the expression against the given answers.
func (e *Expr) Eval(answers Answers) (bool, error) {
	return evalBool(e.root, answers)
}

// Evaluate parses and evaluates in one step.
func Evaluate(dsl string, answers Answers) (bool, error) {
	e, err := Parse(dsl)
	if err != nil {
		return false, err
	}
	return e.Eval(answers)
}

// Validation is the authoring-surface result of checking a DSL string,
// optionally against a sample answer set.
type Validation struct {
	IsValid bool   `json:"isValid"`
	Error   string `json:"error,omitempty"`
	Result  *bool  `json:"result,omitempty"`
}

// Validate is a pure function with no persistence side effects. When
// testAnswers is nil only the syntax is checked.
func Validate(dsl string, testAnswers Answers) Validation {
	e, err := Parse(dsl)
	if err != nil {
		return Validation{IsValid: false, Error: err.Error()}
	}
	if testAnswers == nil {
		return Validation{IsValid: true}
	}
	result, err := e.Eval(testAnswers)
	if err != nil {
		return Validation{IsValid: false, Error: err.Error()}
	}
	return Validation{IsValid: true, Result: &result}
}
