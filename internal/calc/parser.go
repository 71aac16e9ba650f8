package calc

import (
	"fmt"
	"strings"
)

type node interface {
	isNode()
}

type numberNode struct {
	value    float64
	mantissa string
	suffix   string
}

type varNode struct {
	name string
}

type callNode struct {
	name string
	arg  node
}

type parenNode struct {
	inner node
}

type negNode struct {
	neg     bool // false for a redundant unary '+'
	operand node
}

// seqNode is a left-associative chain: operands[0] ops[0] operands[1] ...
type seqNode struct {
	ops      []tokenKind
	operands []node
}

type parallelNode struct {
	operands []node
}

type powerNode struct {
	base node
	exp  node
}

func (numberNode) isNode()   {}
func (varNode) isNode()      {}
func (callNode) isNode()     {}
func (parenNode) isNode()    {}
func (negNode) isNode()      {}
func (seqNode) isNode()      {}
func (parallelNode) isNode() {}
func (powerNode) isNode()    {}

// Expr is a parsed expression that can be evaluated many times.
type Expr struct {
	src  string
	root node // nil for empty input
}

// Parse compiles expr. Empty input yields an Expr that evaluates to NaN.
func Parse(expr string) (*Expr, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return &Expr{}, nil
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", describe(t))}
	}
	return &Expr{src: src, root: root}, nil
}

// String returns the trimmed source text.
func (x *Expr) String() string { return x.src }

// Empty reports whether the expression had no content.
func (x *Expr) Empty() bool { return x.root == nil }

// Names lists the variable and function identifiers referenced by the expression,
// in first-use order.
func (x *Expr) Names() (vars, funcs []string) {
	seenV := map[string]bool{}
	seenF := map[string]bool{}
	var walk func(n node)
	walk = func(n node) {
		switch n := n.(type) {
		case *varNode:
			if !seenV[n.name] {
				seenV[n.name] = true
				vars = append(vars, n.name)
			}
		case *callNode:
			if !seenF[n.name] {
				seenF[n.name] = true
				funcs = append(funcs, n.name)
			}
			walk(n.arg)
		case *parenNode:
			walk(n.inner)
		case *negNode:
			walk(n.operand)
		case *seqNode:
			for _, o := range n.operands {
				walk(o)
			}
		case *parallelNode:
			for _, o := range n.operands {
				walk(o)
			}
		case *powerNode:
			walk(n.base)
			walk(n.exp)
		}
	}
	if x.root != nil {
		walk(x.root)
	}
	return vars, funcs
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func describe(t token) string {
	if t.text == "" {
		return t.kind.String()
	}
	return fmt.Sprintf("%s %q", t.kind, t.text)
}

// sum := product (('+'|'-') product)*
func (p *parser) parseSum() (node, error) {
	return p.parseSeq(p.parseProduct, tokPlus, tokMinus)
}

// product := parallel (('*'|'/') parallel)*
func (p *parser) parseProduct() (node, error) {
	return p.parseSeq(p.parseParallel, tokStar, tokSlash)
}

func (p *parser) parseSeq(operand func() (node, error), a, b tokenKind) (node, error) {
	first, err := operand()
	if err != nil {
		return nil, err
	}
	seq := &seqNode{operands: []node{first}}
	for k := p.peek().kind; k == a || k == b; k = p.peek().kind {
		p.next()
		rhs, err := operand()
		if err != nil {
			return nil, err
		}
		seq.ops = append(seq.ops, k)
		seq.operands = append(seq.operands, rhs)
	}
	if len(seq.ops) == 0 {
		return first, nil
	}
	return seq, nil
}

// parallel := signed ('||' signed)*
func (p *parser) parseParallel() (node, error) {
	first, err := p.parseSigned()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokParallel {
		return first, nil
	}
	par := &parallelNode{operands: []node{first}}
	for p.peek().kind == tokParallel {
		p.next()
		rhs, err := p.parseSigned()
		if err != nil {
			return nil, err
		}
		par.operands = append(par.operands, rhs)
	}
	return par, nil
}

// signed := ('+'|'-') signed | power
func (p *parser) parseSigned() (node, error) {
	switch p.peek().kind {
	case tokMinus, tokPlus:
		t := p.next()
		operand, err := p.parseSigned()
		if err != nil {
			return nil, err
		}
		return &negNode{neg: t.kind == tokMinus, operand: operand}, nil
	}
	return p.parsePower()
}

// power := atom ('^' signed-power)?  right associative
func (p *parser) parsePower() (node, error) {
	base, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokCaret {
		return base, nil
	}
	p.next()
	exp, err := p.parseExponent()
	if err != nil {
		return nil, err
	}
	return &powerNode{base: base, exp: exp}, nil
}

func (p *parser) parseExponent() (node, error) {
	switch p.peek().kind {
	case tokMinus, tokPlus:
		t := p.next()
		operand, err := p.parseExponent()
		if err != nil {
			return nil, err
		}
		return &negNode{neg: t.kind == tokMinus, operand: operand}, nil
	}
	return p.parsePower()
}

// atom := number | name | name '(' sum ')' | '(' sum ')'
func (p *parser) parseAtom() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberNode{value: t.value, mantissa: t.mantissa, suffix: t.suffix}, nil
	case tokIdent:
		if p.peek().kind != tokLParen {
			return &varNode{name: t.text}, nil
		}
		p.next()
		arg, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &callNode{name: t.text, arg: arg}, nil
	case tokLParen:
		inner, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &parenNode{inner: inner}, nil
	}
	return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", describe(t))}
}

func (p *parser) expect(kind tokenKind) error {
	t := p.next()
	if t.kind != kind {
		return &ParseError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, got %s", kind, describe(t))}
	}
	return nil
}
