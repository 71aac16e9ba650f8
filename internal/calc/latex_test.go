package calc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatex(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"1/2", `\frac{1}{2}`},
		{"a*b/c", `\frac{a\cdot b}{c}`},
		{"a/b*c", `\frac{a\cdot c}{b}`},
		{"a*b", `a\cdot b`},
		{"(x+1)^2", `\left(x+1\right)^{2}`},
		{"x^(1/2)", `x^{\left(\frac{1}{2}\right)}`},
		{"sqrt(x)", `\sqrt{x}`},
		{"abs(x-1)", `\left|x-1\right|`},
		{"R_1||R_2", `R_{1}\|R_{2}`},
		{"alpha+Omega", `\alpha+\Omega`},
		{"1k", `1\text{k}`},
		{"5%", `5\%`},
		{"1.5e-3", `1.5\!\times\!10^{-3}`},
		{"sin(theta)", `\sin\left(\theta\right)`},
		{"log10(x)", `\log_{10}\left(x\right)`},
		{"speed*2", `\text{speed}\cdot 2`},
		{"f(x)", `\text{f}\left(x\right)`},
		{"fact(n)", `n!`},
		{"-x", `-x`},
		{"", ``},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Latex(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLatexRejectsMalformedInput(t *testing.T) {
	_, err := Latex("1+*2")
	assert.ErrorIs(t, err, ErrParse)
}
