package calc

import (
	"strings"
)

// Latex renders expr as a LaTeX preview. It shares the evaluator grammar but
// never evaluates, so unknown names are fine.
func Latex(expr string) (string, error) {
	x, err := Parse(expr)
	if err != nil {
		return "", err
	}
	if x.root == nil {
		return "", nil
	}
	return latexNode(x.root), nil
}

var greek = map[string]bool{
	"alpha": true, "beta": true, "gamma": true, "delta": true, "epsilon": true,
	"zeta": true, "eta": true, "theta": true, "iota": true, "kappa": true,
	"lambda": true, "mu": true, "nu": true, "xi": true, "pi": true, "rho": true,
	"sigma": true, "tau": true, "upsilon": true, "phi": true, "chi": true,
	"psi": true, "omega": true,
	"Gamma": true, "Delta": true, "Theta": true, "Lambda": true, "Xi": true,
	"Pi": true, "Sigma": true, "Upsilon": true, "Phi": true, "Psi": true,
	"Omega": true,
}

var namedFuncs = map[string]string{
	"sin": `\sin`, "cos": `\cos`, "tan": `\tan`,
	"sec": `\sec`, "csc": `\csc`, "cot": `\cot`,
	"arcsin": `\arcsin`, "arccos": `\arccos`, "arctan": `\arctan`,
	"sinh": `\sinh`, "cosh": `\cosh`, "tanh": `\tanh`,
	"exp": `\exp`, "ln": `\ln`, "log10": `\log_{10}`, "log2": `\log_{2}`,
	"re": `\Re`, "im": `\Im`,
}

func latexNode(n node) string {
	switch n := n.(type) {
	case *numberNode:
		return latexNumber(n)
	case *varNode:
		return latexName(n.name)
	case *callNode:
		return latexCall(n)
	case *parenNode:
		return wrap(latexNode(n.inner))
	case *negNode:
		sign := "+"
		if n.neg {
			sign = "-"
		}
		return sign + latexNode(n.operand)
	case *seqNode:
		if n.ops[0] == tokPlus || n.ops[0] == tokMinus {
			var sb strings.Builder
			sb.WriteString(latexNode(n.operands[0]))
			for i, op := range n.ops {
				if op == tokPlus {
					sb.WriteString("+")
				} else {
					sb.WriteString("-")
				}
				sb.WriteString(latexNode(n.operands[i+1]))
			}
			return sb.String()
		}
		return latexProduct(n)
	case *parallelNode:
		parts := make([]string, len(n.operands))
		for i, o := range n.operands {
			parts[i] = latexNode(o)
		}
		return strings.Join(parts, `\|`)
	case *powerNode:
		base := latexNode(n.base)
		if tall(n.base) {
			base = wrap(base)
		}
		return base + "^{" + latexNode(n.exp) + "}"
	}
	return ""
}

// latexProduct turns a*b/c*d into \frac{a\cdot b\cdot d}{c}.
func latexProduct(n *seqNode) string {
	num := []string{latexNode(n.operands[0])}
	var den []string
	for i, op := range n.ops {
		s := latexNode(n.operands[i+1])
		if op == tokSlash {
			den = append(den, s)
		} else {
			num = append(num, s)
		}
	}
	top := strings.Join(num, `\cdot `)
	if len(den) == 0 {
		return top
	}
	return `\frac{` + top + `}{` + strings.Join(den, `\cdot `) + `}`
}

func latexNumber(n *numberNode) string {
	m := n.mantissa
	if i := strings.IndexAny(m, "eE"); i >= 0 {
		exp := strings.TrimPrefix(m[i+1:], "+")
		m = m[:i] + `\!\times\!10^{` + exp + `}`
	}
	switch n.suffix {
	case "":
		return m
	case "%":
		return m + `\%`
	}
	return m + `\text{` + n.suffix + `}`
}

func latexName(name string) string {
	base, sub, hasSub := strings.Cut(name, "_")
	out := latexBase(base)
	if hasSub {
		out += "_{" + sub + "}"
	}
	return out
}

func latexBase(s string) string {
	if greek[s] {
		return `\` + s
	}
	if len(s) <= 1 {
		return s
	}
	return `\text{` + s + `}`
}

func latexCall(n *callNode) string {
	arg := latexNode(n.arg)
	switch n.name {
	case "sqrt":
		return `\sqrt{` + arg + `}`
	case "abs":
		return `\left|` + arg + `\right|`
	case "fact", "factorial":
		if tall(n.arg) || !atomic(n.arg) {
			arg = wrap(arg)
		}
		return arg + "!"
	}
	if cmd, ok := namedFuncs[n.name]; ok {
		return cmd + wrap(arg)
	}
	return `\text{` + n.name + `}` + wrap(arg)
}

func wrap(s string) string {
	return `\left(` + s + `\right)`
}

// tall reports sub-expressions that need stretchy delimiters when used as a base.
func tall(n node) bool {
	switch n := n.(type) {
	case *powerNode, *negNode, *parallelNode:
		return true
	case *seqNode:
		return true
	case *numberNode:
		return n.suffix != "" || strings.ContainsAny(n.mantissa, "eE")
	}
	return false
}

func atomic(n node) bool {
	switch n.(type) {
	case *numberNode, *varNode, *parenNode:
		return true
	}
	return false
}
