package expressions

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type tokKind int

const (
	tokWord tokKind = iota
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

// tokenize splits an expression body into words, quoted strings, operators
// and parentheses.
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '"' || c == '\'':
			s, n, err := readQuoted(src[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s})
			i += n
		case strings.IndexByte("=!<>&|", c) >= 0:
			op := string(c)
			if i+1 < len(src) && strings.IndexByte("=&|", src[i+1]) >= 0 {
				op += string(src[i+1])
			}
			switch op {
			case "==", "!=", ">=", "<=", "&&", "||", ">", "<", "!":
			default:
				return nil, fmt.Errorf("unknown operator %q", op)
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		default:
			start := i
			for i < len(src) && !isWordBreak(src[i]) {
				i++
			}
			toks = append(toks, token{tokWord, src[start:i]})
		}
	}
	return toks, nil
}

func isWordBreak(c byte) bool {
	return strings.IndexByte(" \t\n\r()\"'=!<>&|", c) >= 0
}

func readQuoted(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string literal")
}

// --- AST ---

type evaluable interface {
	eval(e *TemplateEngine, s *scope) any
}

type literalExpr struct{ value any }

func (l literalExpr) eval(*TemplateEngine, *scope) any { return l.value }

type pathExpr struct{ path string }

func (p pathExpr) eval(_ *TemplateEngine, s *scope) any { return s.lookup(p.path) }

type callExpr struct {
	name string
	args []evaluable
}

func (c callExpr) eval(e *TemplateEngine, s *scope) any {
	fn, ok := e.helper(c.name)
	if !ok {
		return nil
	}
	args := make([]any, len(c.args))
	for i, a := range c.args {
		args[i] = a.eval(e, s)
	}
	return fn(args)
}

type notExpr struct{ inner evaluable }

func (n notExpr) eval(e *TemplateEngine, s *scope) any { return !Truthy(n.inner.eval(e, s)) }

type logicExpr struct {
	and         bool
	left, right evaluable
}

func (l logicExpr) eval(e *TemplateEngine, s *scope) any {
	lv := Truthy(l.left.eval(e, s))
	if l.and {
		return lv && Truthy(l.right.eval(e, s))
	}
	return lv || Truthy(l.right.eval(e, s))
}

type compareExpr struct {
	op          string
	left, right evaluable
}

func (c compareExpr) eval(e *TemplateEngine, s *scope) any {
	return compare(c.op, c.left.eval(e, s), c.right.eval(e, s))
}

// compare treats == and != numerically only when both sides are numbers;
// anything involving a string compares as text. Ordering operators parse
// numeric strings.
func compare(op string, a, b any) bool {
	switch op {
	case "==", "!=":
		eq := Stringify(a) == Stringify(b)
		if isNumber(a) && isNumber(b) {
			af, _ := toFloat(a)
			bf, _ := toFloat(b)
			eq = af == bf
		}
		return eq == (op == "==")
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	numeric := aok && bok
	if !numeric {
		return false
	}
	switch op {
	case ">":
		return af > bf
	case "<":
		return af < bf
	case ">=":
		return af >= bf
	case "<=":
		return af <= bf
	}
	return false
}

// --- parser ---

// exprParser is a recursive-descent parser over:
//
//	expr    := or
//	or      := and (("or" | "||") and)*
//	and     := not (("and" | "&&") not)*
//	not     := ("not" | "!") not | cmp
//	cmp     := term (cmpop term)?
//	term    := WORD atom+ | atom
//	atom    := STRING | NUMBER | WORD | "(" expr ")"
type exprParser struct {
	toks []token
	pos  int
}

func parseExpression(src string) (evaluable, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	p := &exprParser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("unexpected %q", p.toks[p.pos].text)
	}
	return node, nil
}

func (p *exprParser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *exprParser) isKeyword(t token, words ...string) bool {
	if t.kind != tokWord {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(t.text, w) {
			return true
		}
	}
	return false
}

func (p *exprParser) parseOr() (evaluable, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || !(p.isKeyword(t, "or") || (t.kind == tokOp && t.text == "||")) {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicExpr{and: false, left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (evaluable, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || !(p.isKeyword(t, "and") || (t.kind == tokOp && t.text == "&&")) {
			return left, nil
		}
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logicExpr{and: true, left: left, right: right}
	}
}

func (p *exprParser) parseNot() (evaluable, error) {
	t, ok := p.peek()
	if ok && (p.isKeyword(t, "not") || (t.kind == tokOp && t.text == "!")) {
		p.pos++
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parseCompare()
}

func (p *exprParser) parseCompare() (evaluable, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return left, nil
	}
	switch t.text {
	case "==", "!=", ">", "<", ">=", "<=":
	default:
		return left, nil
	}
	p.pos++
	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return compareExpr{op: t.text, left: left, right: right}, nil
}

func (p *exprParser) startsAtom() bool {
	t, ok := p.peek()
	if !ok {
		return false
	}
	switch t.kind {
	case tokString, tokLParen:
		return true
	case tokWord:
		return !p.isKeyword(t, "and", "or", "not")
	}
	return false
}

func (p *exprParser) parseTerm() (evaluable, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	if t.kind == tokWord && !p.isKeyword(t, "and", "or", "not") && isIdent(t.text) {
		p.pos++
		if !p.startsAtom() {
			p.pos--
			return p.parseAtom()
		}
		call := callExpr{name: t.text}
		for p.startsAtom() {
			a, err := p.parseAtom()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, a)
		}
		return call, nil
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (evaluable, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	p.pos++
	switch t.kind {
	case tokString:
		return literalExpr{t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c, ok := p.peek(); !ok || c.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokWord:
		if p.isKeyword(t, "and", "or", "not") {
			return nil, fmt.Errorf("unexpected %q", t.text)
		}
		return wordExpr(t.text)
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

func wordExpr(w string) (evaluable, error) {
	switch strings.ToLower(w) {
	case "true":
		return literalExpr{true}, nil
	case "false":
		return literalExpr{false}, nil
	case "null", "nil":
		return literalExpr{nil}, nil
	}
	if f, err := strconv.ParseFloat(w, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return literalExpr{f}, nil
	}
	if _, ok := splitPath(w); !ok {
		return nil, fmt.Errorf("invalid path %q", w)
	}
	return pathExpr{path: w}, nil
}

// isIdent reports whether w can name a helper.
func isIdent(w string) bool {
	for i, r := range w {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return w != ""
}

// helperNames collects every helper a parsed expression calls.
func helperNames(n evaluable, out map[string]struct{}) {
	switch t := n.(type) {
	case callExpr:
		out[t.name] = struct{}{}
		for _, a := range t.args {
			helperNames(a, out)
		}
	case notExpr:
		helperNames(t.inner, out)
	case logicExpr:
		helperNames(t.left, out)
		helperNames(t.right, out)
	case compareExpr:
		helperNames(t.left, out)
		helperNames(t.right, out)
	}
}
