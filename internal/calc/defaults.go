package calc

import (
	"math"
	"math/cmplx"
)

// Func is a unary function available to expressions.
type Func func(complex128) complex128

var defaultVariables = map[string]complex128{
	"pi": complex(math.Pi, 0),
	"e":  complex(math.E, 0),
	"j":  complex(0, 1),

	// Boltzmann constant, speed of light, elementary charge, room temperature.
	"k": complex(1.3806488e-23, 0),
	"c": complex(2.998e8, 0),
	"q": complex(1.602176565e-19, 0),
	"T": complex(298.15, 0),
}

var defaultFunctions = map[string]Func{
	"sin":       realOr(math.Sin, cmplx.Sin),
	"cos":       realOr(math.Cos, cmplx.Cos),
	"tan":       realOr(math.Tan, cmplx.Tan),
	"sec":       func(z complex128) complex128 { return div(1, realOr(math.Cos, cmplx.Cos)(z)) },
	"csc":       func(z complex128) complex128 { return div(1, realOr(math.Sin, cmplx.Sin)(z)) },
	"cot":       func(z complex128) complex128 { return div(1, realOr(math.Tan, cmplx.Tan)(z)) },
	"arcsin":    inRange(-1, 1, math.Asin, cmplx.Asin),
	"arccos":    inRange(-1, 1, math.Acos, cmplx.Acos),
	"arctan":    realOr(math.Atan, cmplx.Atan),
	"sinh":      realOr(math.Sinh, cmplx.Sinh),
	"cosh":      realOr(math.Cosh, cmplx.Cosh),
	"tanh":      realOr(math.Tanh, cmplx.Tanh),
	"sqrt":      inRange(0, math.Inf(1), math.Sqrt, cmplx.Sqrt),
	"exp":       realOr(math.Exp, cmplx.Exp),
	"ln":        inRange(0, math.Inf(1), math.Log, cmplx.Log),
	"log10":     inRange(0, math.Inf(1), math.Log10, cmplx.Log10),
	"log2":      inRange(0, math.Inf(1), math.Log2, func(z complex128) complex128 { return cmplx.Log(z) / complex(math.Ln2, 0) }),
	"abs":       func(z complex128) complex128 { return complex(cmplx.Abs(z), 0) },
	"re":        func(z complex128) complex128 { return complex(real(z), 0) },
	"im":        func(z complex128) complex128 { return complex(imag(z), 0) },
	"conj":      cmplx.Conj,
	"factorial": factorial,
	"fact":      factorial,
}

// DefaultVariables returns a copy of the built-in constant table.
func DefaultVariables() map[string]complex128 {
	out := make(map[string]complex128, len(defaultVariables))
	for k, v := range defaultVariables {
		out[k] = v
	}
	return out
}

// DefaultFunctions returns a copy of the built-in function table.
func DefaultFunctions() map[string]Func {
	out := make(map[string]Func, len(defaultFunctions))
	for k, v := range defaultFunctions {
		out[k] = v
	}
	return out
}

func realOr(r func(float64) float64, c func(complex128) complex128) Func {
	return func(z complex128) complex128 {
		if imag(z) == 0 {
			return complex(r(real(z)), 0)
		}
		return c(z)
	}
}

// inRange uses the real implementation only inside its real domain [lo, hi].
func inRange(lo, hi float64, r func(float64) float64, c func(complex128) complex128) Func {
	return func(z complex128) complex128 {
		if imag(z) == 0 && real(z) >= lo && real(z) <= hi {
			return complex(r(real(z)), 0)
		}
		return c(z)
	}
}

func factorial(z complex128) complex128 {
	x := real(z)
	if imag(z) != 0 || x < 0 || x != math.Trunc(x) {
		fail("factorial is only defined for non-negative integers, got %v", z)
	}
	return complex(math.Gamma(x+1), 0)
}
