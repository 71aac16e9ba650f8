package calc

import (
	"strconv"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokCaret
	tokParallel
	tokLParen
	tokRParen
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokNumber:
		return "number"
	case tokIdent:
		return "identifier"
	case tokPlus:
		return "'+'"
	case tokMinus:
		return "'-'"
	case tokStar:
		return "'*'"
	case tokSlash:
		return "'/'"
	case tokCaret:
		return "'^'"
	case tokParallel:
		return "'||'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	}
	return "unknown"
}

type token struct {
	kind tokenKind
	text string
	pos  int

	// number literals only
	mantissa string
	suffix   string
	value    float64
}

// suffixes maps SI suffix characters to their multipliers.
var suffixes = map[byte]float64{
	'%': 1e-2,
	'k': 1e3,
	'M': 1e6,
	'G': 1e9,
	'T': 1e12,
	'c': 1e-2,
	'm': 1e-3,
	'u': 1e-6,
	'n': 1e-9,
	'p': 1e-12,
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentChar(c byte) bool  { return isIdentStart(c) || isDigit(c) }

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			tok, next, err := scanNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentChar(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case c == '|':
			if i+1 < len(src) && src[i+1] == '|' {
				toks = append(toks, token{kind: tokParallel, text: "||", pos: i})
				i += 2
				continue
			}
			return nil, &ParseError{Pos: i, Msg: "single '|' is not an operator, use '||'"}
		default:
			kind, ok := punct[c]
			if !ok {
				return nil, &ParseError{Pos: i, Msg: "unexpected character " + strconv.QuoteRune(rune(c))}
			}
			toks = append(toks, token{kind: kind, text: string(c), pos: i})
			i++
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

var punct = map[byte]tokenKind{
	'+': tokPlus,
	'-': tokMinus,
	'*': tokStar,
	'/': tokSlash,
	'^': tokCaret,
	'(': tokLParen,
	')': tokRParen,
}

// scanNumber reads digits(.digits)?, an optional E[+-]digits exponent and an
// optional SI suffix starting at src[start].
func scanNumber(src string, start int) (token, int, error) {
	i := start
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			i = j
		}
	}
	mantissa := src[start:i]
	value, err := strconv.ParseFloat(mantissa, 64)
	if err != nil {
		return token{}, 0, &ParseError{Pos: start, Msg: "invalid number " + strconv.Quote(mantissa)}
	}

	var suffix string
	if i < len(src) {
		if mult, ok := suffixes[src[i]]; ok && (i+1 >= len(src) || !isIdentChar(src[i+1])) {
			suffix = src[i : i+1]
			value *= mult
			i++
		}
	}
	if i < len(src) && (isIdentChar(src[i]) || src[i] == '.') {
		return token{}, 0, &ParseError{Pos: i, Msg: "unexpected " + strconv.QuoteRune(rune(src[i])) + " after number"}
	}
	return token{
		kind:     tokNumber,
		text:     src[start:i],
		pos:      start,
		mantissa: mantissa,
		suffix:   suffix,
		value:    value,
	}, i, nil
}
