package problem

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"github.com/pavelanni/grader/internal/calc"
)

// DefaultTolerance is applied when a response declares none.
const DefaultTolerance = "0.001%"

// Tolerance is an absolute bound, or a fraction of the reference magnitude
// when written with a trailing '%'.
type Tolerance struct {
	Value      float64
	Fractional bool
	src        string
}

// ParseTolerance reads "0.01" (absolute) or "5%" (fractional). The numeric part
// may carry an SI suffix ("1m" is 0.001).
func ParseTolerance(s string) (Tolerance, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultTolerance
	}
	v, err := calc.EvaluateReal(s, nil, nil, true)
	if err != nil {
		return Tolerance{}, fmt.Errorf("tolerance %q: %w", s, err)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return Tolerance{}, fmt.Errorf("tolerance %q must be a finite non-negative number", s)
	}
	return Tolerance{Value: v, Fractional: strings.HasSuffix(s, "%"), src: s}, nil
}

func (t Tolerance) String() string {
	if t.src != "" {
		return t.src
	}
	return fmt.Sprintf("%g", t.Value)
}

// Within reports whether got matches ref. Non-finite submissions only match
// an identical infinite reference.
func (t Tolerance) Within(got, ref complex128) bool {
	if cmplx.IsNaN(got) || cmplx.IsNaN(ref) {
		return false
	}
	if cmplx.IsInf(got) || cmplx.IsInf(ref) {
		return got == ref
	}
	bound := t.Value
	if t.Fractional {
		bound = cmplx.Abs(ref) * t.Value
	}
	return cmplx.Abs(got-ref) <= bound
}
