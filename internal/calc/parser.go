package calc

import (
	"fmt"
	"math"
	"strconv"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPow
	tokLParen
	tokRParen
	tokSqrt
	tokEOF
)

type token struct {
	kind tokenKind
	num  float64
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrMalformed, expr[i:j])
			}
			toks = append(toks, token{kind: tokNumber, num: n})
			i = j
		case c == '*' && i+1 < len(expr) && expr[i+1] == '*':
			toks = append(toks, token{kind: tokPow})
			i += 2
		case c == '*':
			toks = append(toks, token{kind: tokStar})
			i++
		case c == '/':
			toks = append(toks, token{kind: tokSlash})
			i++
		case c == '+':
			toks = append(toks, token{kind: tokPlus})
			i++
		case c == '-':
			toks = append(toks, token{kind: tokMinus})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case len(expr)-i >= 5 && expr[i:i+5] == "sqrt(":
			toks = append(toks, token{kind: tokSqrt}, token{kind: tokLParen})
			i += 5
		default:
			return nil, fmt.Errorf("%w: unexpected %q", ErrMalformed, c)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// parser is a recursive-descent evaluator over:
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = ("+" | "-") unary | power
//	power   = primary [ "**" unary ]
//	primary = number | "(" expr ")" | sqrt "(" expr ")"
type parser struct {
	toks []token
	pos  int
}

func parse(expr string) (float64, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	p := &parser{toks: toks}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.peek() != tokEOF {
		return 0, fmt.Errorf("%w: trailing input in %q", ErrMalformed, expr)
	}
	return v, nil
}

func (p *parser) peek() tokenKind { return p.toks[p.pos].kind }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for p.peek() == tokPlus || p.peek() == tokMinus {
		op := p.next().kind
		rhs, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == tokPlus {
			v += rhs
		} else {
			v -= rhs
		}
	}
	return v, nil
}

func (p *parser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for p.peek() == tokStar || p.peek() == tokSlash {
		op := p.next().kind
		rhs, err := p.unary()
		if err != nil {
			return 0, err
		}
		if op == tokStar {
			v *= rhs
			continue
		}
		if rhs == 0 {
			return 0, ErrDivisionByZero
		}
		v /= rhs
	}
	return v, nil
}

func (p *parser) unary() (float64, error) {
	switch p.peek() {
	case tokMinus:
		p.next()
		v, err := p.unary()
		return -v, err
	case tokPlus:
		p.next()
		return p.unary()
	}
	return p.power()
}

func (p *parser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.peek() != tokPow {
		return base, nil
	}
	p.next()
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	v := math.Pow(base, exp)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrDomain
	}
	return v, nil
}

func (p *parser) primary() (float64, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return t.num, nil
	case tokLParen:
		return p.group()
	case tokSqrt:
		if p.next().kind != tokLParen {
			return 0, fmt.Errorf("%w: sqrt without argument", ErrMalformed)
		}
		v, err := p.group()
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, ErrDomain
		}
		return math.Sqrt(v), nil
	}
	return 0, fmt.Errorf("%w: expected a number", ErrMalformed)
}

func (p *parser) group() (float64, error) {
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.next().kind != tokRParen {
		return 0, fmt.Errorf("%w: missing closing parenthesis", ErrMalformed)
	}
	return v, nil
}
