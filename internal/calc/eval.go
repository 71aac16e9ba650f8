package calc

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"
)

// Env is an immutable evaluation context: variables and functions merged over
// the defaults, keyed for the chosen case sensitivity.
type Env struct {
	vars          map[string]complex128
	funcs         map[string]Func
	caseSensitive bool
}

// NewEnv merges vars and funcs over the default tables. Caller entries win.
func NewEnv(vars map[string]complex128, funcs map[string]Func, caseSensitive bool) *Env {
	env := &Env{
		vars:          make(map[string]complex128, len(defaultVariables)+len(vars)),
		funcs:         make(map[string]Func, len(defaultFunctions)+len(funcs)),
		caseSensitive: caseSensitive,
	}
	for k, v := range defaultVariables {
		env.vars[env.key(k)] = v
	}
	for k, f := range defaultFunctions {
		env.funcs[env.key(k)] = f
	}
	for k, v := range vars {
		env.vars[env.key(k)] = v
	}
	for k, f := range funcs {
		env.funcs[env.key(k)] = f
	}
	return env
}

// With returns a fresh Env with vars laid over e. e itself is not modified.
func (e *Env) With(vars map[string]complex128) *Env {
	out := &Env{
		vars:          make(map[string]complex128, len(e.vars)+len(vars)),
		funcs:         e.funcs,
		caseSensitive: e.caseSensitive,
	}
	for k, v := range e.vars {
		out.vars[k] = v
	}
	for k, v := range vars {
		out.vars[out.key(k)] = v
	}
	return out
}

// CaseSensitive reports how identifiers are matched.
func (e *Env) CaseSensitive() bool { return e.caseSensitive }

func (e *Env) key(name string) string {
	if e.caseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// Evaluate parses and evaluates expr against the defaults merged with vars and funcs.
// Empty input yields NaN and no error.
func Evaluate(expr string, vars map[string]complex128, funcs map[string]Func, caseSensitive bool) (complex128, error) {
	parsed, err := Parse(expr)
	if err != nil {
		return cmplx.NaN(), err
	}
	return parsed.Eval(NewEnv(vars, funcs, caseSensitive))
}

// EvaluateReal is Evaluate for callers that only accept real results.
func EvaluateReal(expr string, vars map[string]complex128, funcs map[string]Func, caseSensitive bool) (float64, error) {
	v, err := Evaluate(expr, vars, funcs, caseSensitive)
	if err != nil {
		return math.NaN(), err
	}
	if imag(v) != 0 {
		return math.NaN(), fmt.Errorf("%w: result %v is not real", ErrEval, v)
	}
	return real(v), nil
}

// Eval evaluates the expression in env.
func (x *Expr) Eval(env *Env) (v complex128, err error) {
	if x.root == nil {
		return complex(math.NaN(), 0), nil
	}
	defer func() {
		if r := recover(); r != nil {
			if p, ok := r.(evalPanic); ok {
				v, err = cmplx.NaN(), fmt.Errorf("%w: %s", ErrEval, p.msg)
				return
			}
			v, err = cmplx.NaN(), fmt.Errorf("%w: %v", ErrEval, r)
		}
	}()
	return env.eval(x.root)
}

func (e *Env) eval(n node) (complex128, error) {
	switch n := n.(type) {
	case *numberNode:
		return complex(n.value, 0), nil
	case *varNode:
		v, ok := e.vars[e.key(n.name)]
		if !ok {
			return cmplx.NaN(), &UndefinedError{Name: n.name}
		}
		return v, nil
	case *callNode:
		f, ok := e.funcs[e.key(n.name)]
		if !ok {
			return cmplx.NaN(), &UndefinedError{Name: n.name, Func: true}
		}
		arg, err := e.eval(n.arg)
		if err != nil {
			return cmplx.NaN(), err
		}
		return f(arg), nil
	case *parenNode:
		return e.eval(n.inner)
	case *negNode:
		v, err := e.eval(n.operand)
		if err != nil || !n.neg {
			return v, err
		}
		return neg(v), nil
	case *seqNode:
		acc, err := e.eval(n.operands[0])
		if err != nil {
			return cmplx.NaN(), err
		}
		for i, op := range n.ops {
			rhs, err := e.eval(n.operands[i+1])
			if err != nil {
				return cmplx.NaN(), err
			}
			switch op {
			case tokPlus:
				acc = add(acc, rhs)
			case tokMinus:
				acc = add(acc, neg(rhs))
			case tokStar:
				acc = mul(acc, rhs)
			case tokSlash:
				acc = div(acc, rhs)
			}
		}
		return acc, nil
	case *parallelNode:
		values := make([]complex128, 0, len(n.operands))
		for _, o := range n.operands {
			v, err := e.eval(o)
			if err != nil {
				return cmplx.NaN(), err
			}
			values = append(values, v)
		}
		return parallel(values), nil
	case *powerNode:
		base, err := e.eval(n.base)
		if err != nil {
			return cmplx.NaN(), err
		}
		exp, err := e.eval(n.exp)
		if err != nil {
			return cmplx.NaN(), err
		}
		return pow(base, exp), nil
	}
	return cmplx.NaN(), fmt.Errorf("%w: unknown node %T", ErrEval, n)
}

// Arithmetic keeps real operands on the real line so IEEE results (1/0 = +Inf)
// are not polluted by complex NaN parts.

func isReal(z complex128) bool { return imag(z) == 0 }

func neg(a complex128) complex128 {
	if isReal(a) {
		return complex(-real(a), 0)
	}
	return -a
}

func add(a, b complex128) complex128 {
	if isReal(a) && isReal(b) {
		return complex(real(a)+real(b), 0)
	}
	return a + b
}

func mul(a, b complex128) complex128 {
	if isReal(a) && isReal(b) {
		return complex(real(a)*real(b), 0)
	}
	return a * b
}

func div(a, b complex128) complex128 {
	if isReal(a) && isReal(b) {
		return complex(real(a)/real(b), 0)
	}
	return a / b
}

func pow(a, b complex128) complex128 {
	if isReal(a) && isReal(b) {
		x, y := real(a), real(b)
		if x >= 0 || y == math.Trunc(y) {
			return complex(math.Pow(x, y), 0)
		}
	}
	return cmplx.Pow(a, b)
}

// parallel computes 1 / sum(1/x). A zero operand makes the result NaN.
func parallel(values []complex128) complex128 {
	if len(values) == 1 {
		return values[0]
	}
	var sum complex128
	for _, v := range values {
		if v == 0 {
			return complex(math.NaN(), 0)
		}
		sum = add(sum, div(1, v))
	}
	return div(1, sum)
}
