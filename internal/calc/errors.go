package calc

import (
	"errors"
	"fmt"
)

var (
	// ErrParse reports malformed expression input.
	ErrParse = errors.New("parse error")
	// ErrUndefinedName reports an identifier missing from the evaluation tables.
	ErrUndefinedName = errors.New("undefined name")
	// ErrEval reports an arithmetic failure raised while evaluating.
	ErrEval = errors.New("evaluation error")
)

// ParseError locates a syntax problem in the input.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// UndefinedError names the variable or function that could not be resolved.
type UndefinedError struct {
	Name string
	Func bool
}

func (e *UndefinedError) Error() string {
	if e.Func {
		return fmt.Sprintf("undefined function %q", e.Name)
	}
	return fmt.Sprintf("undefined variable %q", e.Name)
}

func (e *UndefinedError) Unwrap() error { return ErrUndefinedName }

// evalPanic carries an arithmetic failure out of a Func, which has no error return.
type evalPanic struct {
	msg string
}

func fail(format string, args ...any) {
	panic(evalPanic{msg: fmt.Sprintf(format, args...)})
}
