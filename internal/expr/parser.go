package expr

import (
	"strconv"
	"strings"
	"unicode"
)

// Grammar:
//
//	expr      = predicate { ("&&" | "||") predicate } .
//	predicate = ident "(" args ")" .
//	args      = arg { "," arg } .
//	arg       = "answer" "(" string ")" | string | number | list .
//	list      = "[" [ literal { "," literal } ] "]" .
//
// Chains associate strictly left-to-right; && and || carry equal weight.

type node interface {
	pos() int
}

type boolOp string

const (
	opAnd boolOp = "&&"
	opOr  boolOp = "||"
)

type binaryNode struct {
	op          boolOp
	left, right node
	at          int
}

type callNode struct {
	name string
	args []node
	at   int
}

type stringNode struct {
	val string
	at  int
}

type numberNode struct {
	val float64
	at  int
}

type listNode struct {
	items []node
	at    int
}

func (n *binaryNode) pos() int { return n.at }
func (n *callNode) pos() int   { return n.at }
func (n *stringNode) pos() int { return n.at }
func (n *numberNode) pos() int { return n.at }
func (n *listNode) pos() int   { return n.at }

// answerFunc reads a recorded answer by variable name; it is the only
// non-predicate function in the language.
const answerFunc = "answer"

// predicateArity lists every predicate with its required argument count.
var predicateArity = map[string]int{
	"equals":       2,
	"notEquals":    2,
	"contains":     2,
	"startsWith":   2,
	"greaterThan":  2,
	"lessThan":     2,
	"anySelected":  2,
	"allSelected":  2,
	"noneSelected": 2,
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokAnd
	tokOr
)

type token struct {
	kind tokKind
	text string
	num  float64
	at   int
}

func (k tokKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokComma:
		return "','"
	case tokAnd:
		return "'&&'"
	case tokOr:
		return "'||'"
	}
	return "token"
}

type parser struct {
	src string
	off int

	tok token
	err *Error
}

func newParser(src string) *parser {
	p := &parser{src: src}
	p.advance()
	return p
}

// errOrNil returns p.err as an error interface, yielding an untyped nil when
// no error is recorded so callers never receive a non-nil interface wrapping
// a nil *Error.
func (p *parser) errOrNil() error {
	if p.err != nil {
		return p.err
	}
	return nil
}

func (p *parser) parse() (node, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind == tokEOF {
		return nil, errSyntax(0, "empty expression")
	}
	left, err := p.parsePredicate()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd || p.tok.kind == tokOr {
		op := opAnd
		if p.tok.kind == tokOr {
			op = opOr
		}
		at := p.tok.at
		p.advance()
		if p.err != nil {
			return nil, p.err
		}
		right, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right, at: at}
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != tokEOF {
		return nil, errSyntax(p.tok.at, "unexpected %s after predicate", p.tok.kind)
	}
	return left, nil
}

func (p *parser) parsePredicate() (node, error) {
	if p.tok.kind != tokIdent {
		return nil, errSyntax(p.tok.at, "expected predicate, found %s", p.tok.kind)
	}
	name := p.tok.text
	at := p.tok.at
	arity, ok := predicateArity[name]
	if !ok {
		return nil, errUnknown(at, name)
	}
	call, err := p.parseCall(name, at)
	if err != nil {
		return nil, err
	}
	if len(call.args) != arity {
		return nil, errSyntax(at, "%s expects %d arguments, found %d", name, arity, len(call.args))
	}
	return call, nil
}

func (p *parser) parseCall(name string, at int) (*callNode, error) {
	p.advance() // consume identifier
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != tokLParen {
		return nil, errSyntax(p.tok.at, "expected '(' after %q", name)
	}
	p.advance()
	if p.err != nil {
		return nil, p.err
	}
	call := &callNode{name: name, at: at}
	if p.tok.kind == tokRParen {
		p.advance()
		return call, p.errOrNil()
	}
	for {
		arg, err := p.parseArg()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		switch p.tok.kind {
		case tokComma:
			p.advance()
			if p.err != nil {
				return nil, p.err
			}
		case tokRParen:
			p.advance()
			return call, p.errOrNil()
		default:
			return nil, errSyntax(p.tok.at, "expected ',' or ')', found %s", p.tok.kind)
		}
	}
}

func (p *parser) parseArg() (node, error) {
	switch p.tok.kind {
	case tokIdent:
		name := p.tok.text
		at := p.tok.at
		if name != answerFunc {
			return nil, errUnknown(at, name)
		}
		call, err := p.parseCall(name, at)
		if err != nil {
			return nil, err
		}
		if len(call.args) != 1 {
			return nil, errSyntax(at, "answer expects exactly one argument")
		}
		if _, ok := call.args[0].(*stringNode); !ok {
			return nil, errSyntax(at, "answer expects a quoted variable name")
		}
		return call, nil
	case tokString, tokNumber:
		return p.parseLiteral()
	case tokLBracket:
		return p.parseList()
	default:
		return nil, errSyntax(p.tok.at, "expected argument, found %s", p.tok.kind)
	}
}

func (p *parser) parseLiteral() (node, error) {
	switch p.tok.kind {
	case tokString:
		n := &stringNode{val: p.tok.text, at: p.tok.at}
		p.advance()
		return n, p.errOrNil()
	case tokNumber:
		n := &numberNode{val: p.tok.num, at: p.tok.at}
		p.advance()
		return n, p.errOrNil()
	default:
		return nil, errSyntax(p.tok.at, "expected literal, found %s", p.tok.kind)
	}
}

func (p *parser) parseList() (node, error) {
	list := &listNode{at: p.tok.at}
	p.advance()
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind == tokRBracket {
		p.advance()
		return list, p.errOrNil()
	}
	for {
		item, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		list.items = append(list.items, item)
		switch p.tok.kind {
		case tokComma:
			p.advance()
			if p.err != nil {
				return nil, p.err
			}
		case tokRBracket:
			p.advance()
			return list, p.errOrNil()
		default:
			return nil, errSyntax(p.tok.at, "expected ',' or ']', found %s", p.tok.kind)
		}
	}
}

// advance scans the next token into p.tok, recording a syntax error in p.err.
func (p *parser) advance() {
	if p.err != nil {
		return
	}
	for p.off < len(p.src) && isSpace(p.src[p.off]) {
		p.off++
	}
	at := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, at: at}
		return
	}

	c := p.src[p.off]
	switch {
	case c == '(':
		p.off++
		p.tok = token{kind: tokLParen, at: at}
	case c == ')':
		p.off++
		p.tok = token{kind: tokRParen, at: at}
	case c == '[':
		p.off++
		p.tok = token{kind: tokLBracket, at: at}
	case c == ']':
		p.off++
		p.tok = token{kind: tokRBracket, at: at}
	case c == ',':
		p.off++
		p.tok = token{kind: tokComma, at: at}
	case c == '&':
		if !strings.HasPrefix(p.src[p.off:], "&&") {
			p.err = errSyntax(at, "single '&' is not an operator")
			return
		}
		p.off += 2
		p.tok = token{kind: tokAnd, at: at}
	case c == '|':
		if !strings.HasPrefix(p.src[p.off:], "||") {
			p.err = errSyntax(at, "single '|' is not an operator")
			return
		}
		p.off += 2
		p.tok = token{kind: tokOr, at: at}
	case c == '\'' || c == '"':
		p.scanString(c, at)
	case c == '-' || (c >= '0' && c <= '9'):
		p.scanNumber(at)
	case isIdentStart(rune(c)):
		start := p.off
		for p.off < len(p.src) && isIdentPart(rune(p.src[p.off])) {
			p.off++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.off], at: at}
	default:
		p.err = errSyntax(at, "unexpected character %q", string(c))
	}
}

func (p *parser) scanString(quote byte, at int) {
	p.off++ // opening quote
	var b strings.Builder
	for p.off < len(p.src) {
		c := p.src[p.off]
		switch c {
		case quote:
			p.off++
			p.tok = token{kind: tokString, text: b.String(), at: at}
			return
		case '\\':
			if p.off+1 >= len(p.src) {
				p.err = errSyntax(at, "unterminated string")
				return
			}
			p.off++
			b.WriteByte(p.src[p.off])
			p.off++
		default:
			b.WriteByte(c)
			p.off++
		}
	}
	p.err = errSyntax(at, "unterminated string")
}

func (p *parser) scanNumber(at int) {
	start := p.off
	if p.src[p.off] == '-' {
		p.off++
	}
	digits := 0
	for p.off < len(p.src) && p.src[p.off] >= '0' && p.src[p.off] <= '9' {
		p.off++
		digits++
	}
	if p.off < len(p.src) && p.src[p.off] == '.' {
		p.off++
		for p.off < len(p.src) && p.src[p.off] >= '0' && p.src[p.off] <= '9' {
			p.off++
			digits++
		}
	}
	if digits == 0 {
		p.err = errSyntax(at, "malformed number")
		return
	}
	val, err := strconv.ParseFloat(p.src[start:p.off], 64)
	if err != nil {
		p.err = errSyntax(at, "malformed number %q", p.src[start:p.off])
		return
	}
	p.tok = token{kind: tokNumber, num: val, at: at}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
